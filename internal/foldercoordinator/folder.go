// Package foldercoordinator coordinates a recursive folder transfer by
// coupling the task manager to the task-slot pool: lazy remote
// enumeration, a pending-file work queue, subtask refill up to a target
// concurrency, slot loan/reclaim between folders, and throttled aggregate
// progress. It generalizes the original client's FolderDownloadManager
// from "download-only" to the transfer core's shared download/upload task
// manager.
package foldercoordinator

import (
	"sync"
	"time"
)

// Status mirrors the data model's Folder status enum.
type Status string

const (
	StatusScanning     Status = "scanning"
	StatusTransferring Status = "transferring"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// PendingFile is one not-yet-started file discovered by the folder scan.
type PendingFile struct {
	FsID         uint64
	Filename     string
	RemotePath   string
	RelativePath string
	Size         int64
}

// Folder is the in-memory counterpart of the data model's Folder: id,
// name, remote/local roots, status, file/byte counters, the lazy
// pending-file work list, and the slot-pool bookkeeping
// (fixed_slot_id, borrowed_slot_ids, borrowed_subtask_map).
type Folder struct {
	ID         string
	Name       string
	RemoteRoot string
	LocalRoot  string
	Status     Status

	TotalFiles      int
	TotalSize       int64
	CreatedCount    int
	CompletedCount  int
	FailedCount     int
	TransferredSize int64
	ScanCompleted   bool

	PendingFiles []PendingFile

	FixedSlotID        *int
	BorrowedSlotIDs     []int
	BorrowedSubtaskMap map[string]int // subtask_id -> slot_id

	CreatedAt   time.Time
	CompletedAt time.Time
	ErrorMsg    string
	ScanProgress string

	mu sync.Mutex
}

func newFolder(remoteRoot, localRoot, name string) *Folder {
	return &Folder{
		Name:               name,
		RemoteRoot:         remoteRoot,
		LocalRoot:          localRoot,
		Status:             StatusScanning,
		BorrowedSubtaskMap: make(map[string]int),
		CreatedAt:          time.Now(),
	}
}

func (f *Folder) markTransferring() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Status = StatusTransferring
}

func (f *Folder) markPaused() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Status = StatusPaused
}

func (f *Folder) markCompleted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Status = StatusCompleted
	f.CompletedAt = time.Now()
}

func (f *Folder) markFailed(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Status = StatusFailed
	f.ErrorMsg = reason
	f.CompletedAt = time.Now()
}

func (f *Folder) markCancelled() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Status = StatusCancelled
	f.CompletedAt = time.Now()
}

// Snapshot returns a value copy of the folder's externally-visible state,
// safe for concurrent reads.
func (f *Folder) Snapshot() Folder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := *f
	out.mu = sync.Mutex{}
	out.PendingFiles = append([]PendingFile(nil), f.PendingFiles...)
	out.BorrowedSlotIDs = append([]int(nil), f.BorrowedSlotIDs...)
	out.BorrowedSubtaskMap = make(map[string]int, len(f.BorrowedSubtaskMap))
	for k, v := range f.BorrowedSubtaskMap {
		out.BorrowedSubtaskMap[k] = v
	}
	return out
}

// ProgressRatio returns transferred_size / total_size, or 0 when the scan
// has not yet established a total.
func (f *Folder) ProgressRatio() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TotalSize <= 0 {
		return 0
	}
	return float64(f.TransferredSize) / float64(f.TotalSize)
}

// IsTerminal reports whether the folder has reached a terminal status.
func (f *Folder) IsTerminal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// freeBorrowedSlots returns the subset of BorrowedSlotIDs not currently
// mapped to a subtask in usedSlotIDs (the union of BorrowedSubtaskMap and
// whatever the task manager's live task records report, since a task
// recovered from a crash may hold a slot without yet appearing in the
// map).
func (f *Folder) freeBorrowedSlots(usedSlotIDs map[int]bool) []int {
	var free []int
	for _, id := range f.BorrowedSlotIDs {
		if !usedSlotIDs[id] {
			free = append(free, id)
		}
	}
	return free
}
