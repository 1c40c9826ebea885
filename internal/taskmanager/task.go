// Package taskmanager holds the canonical task_id → Task map, the waiting
// queue, and the interaction with the chunk scheduler and the persistence
// layer. The task manager drives the transfer engine directly, since its
// engine lives in-repo rather than behind an out-of-process GUI executor.
package taskmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baiducore/netcore/internal/progressthrottle"
)

// Status mirrors the data model's Task status enum.
type Status string

const (
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Kind distinguishes a download task from an upload task.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// GroupInfo carries a task's folder-transfer membership, empty for a
// standalone task.
type GroupInfo struct {
	GroupID      string
	GroupRoot    string
	RelativePath string
}

// SlotInfo records the task-slot pool assignment backing this task, if any.
type SlotInfo struct {
	SlotID     int
	IsBorrowed bool
}

// Task is the in-memory counterpart of the data model's Task: id, vendor
// file id, remote/local path, sizes, status, speed, timestamps, and the
// optional folder-group and slot-assignment fields.
type Task struct {
	ID         string
	Kind       Kind
	FsID       uint64
	RemotePath string
	LocalPath  string

	// Upload fields.
	SourcePath        string
	TargetPath        string
	UploadID          string
	UploadIDCreatedAt time.Time

	TotalSize       int64
	ChunkSize       int64
	TotalChunks     int
	TransferredSize int64

	Status Status
	Speed  float64

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	ErrorMsg    string

	Group *GroupInfo
	Slot  *SlotInfo

	mu        sync.RWMutex
	throttle  *progressthrottle.Throttle
	cancel    context.CancelFunc
	ctx       context.Context
}

// newTask builds a Task in the Pending state with its own cancellation
// context and progress throttle. A zero throttleInterval uses
// progressthrottle.DefaultInterval.
func newTask(kind Kind, throttleInterval time.Duration) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		throttle:  progressthrottle.New(throttleInterval),
	}
}

// GetStatus returns the task's status (thread-safe).
func (t *Task) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = s
	switch s {
	case StatusTransferring:
		if t.StartedAt.IsZero() {
			t.StartedAt = time.Now()
		}
	case StatusCompleted, StatusFailed:
		t.CompletedAt = time.Now()
	}
}

// UpdateProgress records transferred bytes and speed. It reports whether
// the caller should actually emit a progress event this call (the
// per-task throttle admits at most one emission per interval).
func (t *Task) UpdateProgress(transferredSize int64, speed float64) bool {
	t.mu.Lock()
	t.TransferredSize = transferredSize
	t.Speed = speed
	t.mu.Unlock()
	return t.throttle.ShouldEmit()
}

// Snapshot returns a value copy of the task's externally-visible fields,
// safe for concurrent reads by status queries.
func (t *Task) Snapshot() Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := *t
	out.mu = sync.RWMutex{}
	return out
}

// Context returns the task's cancellation context, checked by engine
// workers before each HTTP send and each range write.
func (t *Task) Context() context.Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ctx
}

// SetUploadID records the upload_id returned by the precreate step and
// stamps the moment it was issued, checked by the upload commit path
// against the vendor's upload_id expiry window.
func (t *Task) SetUploadID(id string) {
	t.mu.Lock()
	t.UploadID = id
	t.UploadIDCreatedAt = time.Now()
	t.mu.Unlock()
}

// Cancel fires the task's cancellation token. Idempotent.
func (t *Task) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// resetContext replaces the task's cancellation context, used by resume to
// give a re-entering task a fresh, un-cancelled token.
func (t *Task) resetContext() {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.ctx = ctx
	t.cancel = cancel
	t.mu.Unlock()
}

// IsTerminal reports whether the task has reached Completed or Failed.
func (t *Task) IsTerminal() bool {
	s := t.GetStatus()
	return s == StatusCompleted || s == StatusFailed
}
