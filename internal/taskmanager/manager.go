package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/baiducore/netcore/internal/events"
	"github.com/baiducore/netcore/internal/logging"
	"github.com/baiducore/netcore/internal/scheduler"
	"github.com/baiducore/netcore/internal/wal"
)

// ErrNotFound is returned by any operation addressing an unknown task id.
var ErrNotFound = errors.New("taskmanager: task not found")

// Engine is implemented by the transfer engine: the expensive probe +
// prepare sequence that must succeed before a task can be handed to the
// scheduler. The manager calls StartTask only after reserving a task slot
// via scheduler.PreRegister; on success the engine is responsible for
// calling scheduler.RegisterTask with the chunk manager and endpoint
// health it built during probing. On failure the engine must call
// Manager.FailPreRegistered so the reservation and the task's status are
// released together.
type Engine interface {
	StartTask(ctx context.Context, task *Task)
}

// CreateArgs describes a new task. Download tasks set FsID/RemotePath/
// LocalPath; upload tasks set SourcePath/TargetPath. Group is nil for a
// standalone task.
type CreateArgs struct {
	Kind       Kind
	FsID       uint64
	RemotePath string
	LocalPath  string
	SourcePath string
	TargetPath string
	TotalSize  int64
	ChunkSize  int64
	Group      *GroupInfo
}

// Manager holds the canonical task_id → Task map, the waiting queue, and
// references to the scheduler and the persistence layer, driving the
// transfer engine directly rather than merely observing an external
// executor.
type Manager struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	waiting []string

	sched    *scheduler.Scheduler
	engine   Engine
	walDir   string
	eventBus *events.EventBus
	log      *logging.Logger

	throttleInterval time.Duration

	lifecycleMu sync.RWMutex
	onLifecycle func(groupID, taskID string, status Status)
}

// New builds a task manager wired to the given scheduler, engine, WAL
// directory, and optional event bus. throttleInterval sets the per-task
// progress event throttle window (progress_throttle_ms); zero uses
// progressthrottle.DefaultInterval.
func New(sched *scheduler.Scheduler, engine Engine, walDir string, eventBus *events.EventBus, log *logging.Logger, throttleInterval time.Duration) *Manager {
	return &Manager{
		tasks:            make(map[string]*Task),
		sched:            sched,
		engine:           engine,
		walDir:           walDir,
		eventBus:         eventBus,
		log:              log,
		throttleInterval: throttleInterval,
	}
}

// SetEngine installs the transfer engine after construction, breaking the
// circular dependency between Manager and Engine (the engine's own Deps
// takes a *Manager). Callers build the Manager with a nil Engine, build
// the engine with that Manager, then call SetEngine before issuing any
// Start/Resume.
func (m *Manager) SetEngine(engine Engine) {
	m.mu.Lock()
	m.engine = engine
	m.mu.Unlock()
}

// SetLifecycleHandler installs the callback invoked whenever a task leaves
// the active set for a terminal or paused reason — the hook the folder
// coordinator uses to learn a subtask finished.
func (m *Manager) SetLifecycleHandler(fn func(groupID, taskID string, status Status)) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	m.onLifecycle = fn
}

func (m *Manager) notifyLifecycle(task *Task, status Status) {
	m.lifecycleMu.RLock()
	fn := m.onLifecycle
	m.lifecycleMu.RUnlock()
	if fn == nil {
		return
	}
	groupID := ""
	if task.Group != nil {
		groupID = task.Group.GroupID
	}
	fn(groupID, task.ID, status)
}

// Create builds a task, registers its metadata with the WAL, and inserts it
// into the map. The task starts Pending; call Start to admit it.
func (m *Manager) Create(args CreateArgs) (*Task, error) {
	task := newTask(args.Kind, m.throttleInterval)
	task.FsID = args.FsID
	task.RemotePath = args.RemotePath
	task.LocalPath = args.LocalPath
	task.SourcePath = args.SourcePath
	task.TargetPath = args.TargetPath
	task.TotalSize = args.TotalSize
	task.ChunkSize = args.ChunkSize
	if args.ChunkSize > 0 {
		task.TotalChunks = int((args.TotalSize + args.ChunkSize - 1) / args.ChunkSize)
	}
	task.Group = args.Group

	if err := m.persist(task); err != nil {
		return nil, fmt.Errorf("taskmanager: failed to persist new task: %w", err)
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	m.publish(task, events.VariantCreated, "")
	return task, nil
}

// Restore rehydrates a Task already on disk (its WAL and metadata sidecar
// survive a restart) into the manager's map in the Paused state, without
// touching persistence — the caller is expected to seed the engine's
// per-task chunk manager and, for uploads, its block MD5 map (see
// transferengine.Engine.PreloadChunkManager/PreloadBlockMD5s) before
// calling Resume so the engine does not re-transfer completed chunks.
func (m *Manager) Restore(meta *wal.TaskMetadata, group *GroupInfo) *Task {
	kind := KindDownload
	if meta.TaskType == wal.TaskTypeUpload {
		kind = KindUpload
	}

	task := newTask(kind, m.throttleInterval)
	task.ID = meta.TaskID
	task.FsID = meta.FsID
	task.RemotePath = meta.RemotePath
	task.LocalPath = meta.LocalPath
	task.SourcePath = meta.SourcePath
	task.TargetPath = meta.TargetPath
	task.UploadID = meta.UploadID
	task.UploadIDCreatedAt = meta.UploadIDCreatedAt
	task.TotalSize = meta.FileSize
	task.ChunkSize = meta.ChunkSize
	task.TotalChunks = meta.TotalChunks
	task.CreatedAt = meta.CreatedAt
	task.Group = group
	task.setStatus(StatusPaused)

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()
	return task
}

// Start admits a Pending task. If the scheduler is at its task cap, the
// task is pushed to the waiting queue and its status stays Pending
// (distinct from user-requested Paused); otherwise the transfer engine's
// probe + register sequence is invoked.
func (m *Manager) Start(taskID string) error {
	task, ok := m.get(taskID)
	if !ok {
		return ErrNotFound
	}

	if err := m.sched.PreRegister(); err != nil {
		m.mu.Lock()
		m.waiting = append(m.waiting, taskID)
		m.mu.Unlock()
		return nil
	}

	task.setStatus(StatusTransferring)
	if err := m.persist(task); err != nil && m.log != nil {
		m.log.Warn().Str("task_id", taskID).Err(err).Msg("failed to persist task on start")
	}
	m.engine.StartTask(task.Context(), task)
	return nil
}

// FailPreRegistered releases a scheduler pre-registration that the engine
// was unable to turn into a live registration (every probe failed) and
// marks the task Failed.
func (m *Manager) FailPreRegistered(taskID string, cause error) {
	m.sched.CancelPreRegister()
	m.MarkFailed(taskID, cause)
}

// Pause triggers the task's cancellation token, removes it from the
// scheduler, and updates its status.
func (m *Manager) Pause(taskID string) error {
	task, ok := m.get(taskID)
	if !ok {
		return ErrNotFound
	}
	task.Cancel()
	m.sched.CancelTask(taskID)
	m.sched.CancelPreRegister()
	task.setStatus(StatusPaused)
	if err := m.persist(task); err != nil {
		return fmt.Errorf("taskmanager: failed to persist paused task: %w", err)
	}
	m.publish(task, events.VariantPaused, "")
	m.notifyLifecycle(task, StatusPaused)
	m.advanceWaitingQueue()
	return nil
}

// Resume moves a Paused task back to Pending and re-enters the scheduling
// path (it may land in the waiting queue again).
func (m *Manager) Resume(taskID string) error {
	task, ok := m.get(taskID)
	if !ok {
		return ErrNotFound
	}
	if task.GetStatus() != StatusPaused {
		return fmt.Errorf("taskmanager: task %s is not paused", taskID)
	}
	task.resetContext()
	task.setStatus(StatusPending)
	if err := m.persist(task); err != nil {
		return fmt.Errorf("taskmanager: failed to persist resumed task: %w", err)
	}
	m.publish(task, events.VariantResumed, "")
	return m.Start(taskID)
}

// Delete cancels the task, removes it from the scheduler and the map, and
// optionally unlinks its local file. Always triggers a waiting-queue
// advance, freeing the slot the deleted task held (if any).
func (m *Manager) Delete(taskID string, deleteFile bool) error {
	task, ok := m.get(taskID)
	if !ok {
		return ErrNotFound
	}
	task.Cancel()
	m.sched.CancelTask(taskID)
	m.sched.CancelPreRegister()

	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()

	if err := wal.DeleteTaskFiles(m.walDir, taskID); err != nil && m.log != nil {
		m.log.Warn().Str("task_id", taskID).Err(err).Msg("failed to delete task persistence files")
	}
	if deleteFile {
		localPath := task.LocalPath
		if localPath != "" {
			if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) && m.log != nil {
				m.log.Warn().Str("task_id", taskID).Str("path", localPath).Err(err).Msg("failed to delete local file")
			}
		}
	}
	m.publish(task, events.VariantDeleted, "")
	m.advanceWaitingQueue()
	return nil
}

// ClearCompleted removes every task in the Completed state from the map.
func (m *Manager) ClearCompleted() int {
	return m.clearByStatus(StatusCompleted)
}

// ClearFailed removes every task in the Failed state from the map.
func (m *Manager) ClearFailed() int {
	return m.clearByStatus(StatusFailed)
}

func (m *Manager) clearByStatus(status Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, task := range m.tasks {
		if task.GetStatus() == status {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

// UpdateMaxThreads live-updates the scheduler's global concurrency cap.
func (m *Manager) UpdateMaxThreads(n int) { m.sched.UpdateMaxThreads(n) }

// UpdateMaxConcurrentTasks live-updates the scheduler's task-slot cap.
func (m *Manager) UpdateMaxConcurrentTasks(n int) { m.sched.UpdateMaxConcurrentTasks(n) }

// MarkCompleted records a task's successful completion: status,
// transferred size, metadata persistence, event emission, lifecycle
// notification, and waiting-queue advance. Called by the engine once a
// task's output has been verified.
func (m *Manager) MarkCompleted(taskID string) {
	task, ok := m.get(taskID)
	if !ok {
		return
	}
	task.mu.Lock()
	task.TransferredSize = task.TotalSize
	task.mu.Unlock()
	task.setStatus(StatusCompleted)
	m.sched.CancelTask(taskID)
	m.sched.CancelPreRegister()
	if err := m.persist(task); err != nil && m.log != nil {
		m.log.Warn().Str("task_id", taskID).Err(err).Msg("failed to persist completed task")
	}
	m.publish(task, events.VariantCompleted, "")
	m.notifyLifecycle(task, StatusCompleted)
	m.advanceWaitingQueue()
}

// MarkFailed records a task's failure with the given cause.
func (m *Manager) MarkFailed(taskID string, cause error) {
	task, ok := m.get(taskID)
	if !ok {
		return
	}
	if cause != nil {
		task.mu.Lock()
		task.ErrorMsg = cause.Error()
		task.mu.Unlock()
	}
	task.setStatus(StatusFailed)
	m.sched.CancelTask(taskID)
	m.sched.CancelPreRegister()
	if err := m.persist(task); err != nil && m.log != nil {
		m.log.Warn().Str("task_id", taskID).Err(err).Msg("failed to persist failed task")
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	m.publish(task, events.VariantFailed, reason)
	m.notifyLifecycle(task, StatusFailed)
	m.advanceWaitingQueue()
}

// CancelGroup cancels every non-terminal task sharing groupID, used by the
// folder coordinator's bulk pause/cancel.
func (m *Manager) CancelGroup(groupID string) {
	m.mu.Lock()
	var matching []*Task
	for _, task := range m.tasks {
		if task.Group != nil && task.Group.GroupID == groupID && !task.IsTerminal() {
			matching = append(matching, task)
		}
	}
	m.mu.Unlock()
	for _, task := range matching {
		task.Cancel()
		m.sched.CancelTask(task.ID)
	}
}

// advanceWaitingQueue pops the head of the waiting queue, if any, and
// retries Start for it. Invoked whenever a slot frees up (delete,
// complete, fail). The scheduler's waiting-queue monitor does not call it;
// it drives TryStartNext directly on its own poll interval.
func (m *Manager) advanceWaitingQueue() {
	for m.TryStartNext() {
	}
}

// TryStartNext attempts to start the oldest waiting task. Returns false
// when the waiting queue is empty or the scheduler still has no headroom
// (the task is pushed back onto the queue in that case).
func (m *Manager) TryStartNext() bool {
	m.mu.Lock()
	if len(m.waiting) == 0 {
		m.mu.Unlock()
		return false
	}
	taskID := m.waiting[0]
	m.waiting = m.waiting[1:]
	m.mu.Unlock()

	task, ok := m.get(taskID)
	if !ok {
		return true // drop unknown/deleted ids and keep draining
	}
	if task.GetStatus() != StatusPending {
		return true // was paused/deleted/resumed elsewhere while queued
	}

	if err := m.sched.PreRegister(); err != nil {
		m.mu.Lock()
		m.waiting = append([]string{taskID}, m.waiting...)
		m.mu.Unlock()
		return false
	}

	task.setStatus(StatusTransferring)
	if err := m.persist(task); err != nil && m.log != nil {
		m.log.Warn().Str("task_id", taskID).Err(err).Msg("failed to persist task leaving waiting queue")
	}
	m.engine.StartTask(task.Context(), task)
	return true
}

// Get returns a snapshot of one task by id.
func (m *Manager) Get(taskID string) (Task, bool) {
	task, ok := m.get(taskID)
	if !ok {
		return Task{}, false
	}
	return task.Snapshot(), true
}

func (m *Manager) get(taskID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	return task, ok
}

// List returns a snapshot of every tracked task.
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, task.Snapshot())
	}
	return out
}

// TasksInGroup returns a snapshot of every task sharing groupID, used by
// the folder coordinator to compute aggregate progress and to find
// subtasks eligible for slot (re)assignment.
func (m *Manager) TasksInGroup(groupID string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, task := range m.tasks {
		if task.Group != nil && task.Group.GroupID == groupID {
			out = append(out, task.Snapshot())
		}
	}
	return out
}

// AssignSlot records the task-slot pool assignment backing a task, called
// by the folder coordinator once it has allocated or reassigned a slot.
func (m *Manager) AssignSlot(taskID string, slot SlotInfo) {
	task, ok := m.get(taskID)
	if !ok {
		return
	}
	task.mu.Lock()
	s := slot
	task.Slot = &s
	task.mu.Unlock()
}

// WaitingCount returns how many tasks currently sit in the waiting queue.
func (m *Manager) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

func (m *Manager) persist(task *Task) error {
	meta := toMetadata(task)
	return wal.SaveTaskMetadata(m.walDir, meta)
}

func toMetadata(task *Task) *wal.TaskMetadata {
	task.mu.RLock()
	defer task.mu.RUnlock()
	meta := &wal.TaskMetadata{
		TaskID:            task.ID,
		CreatedAt:         task.CreatedAt,
		Status:            wal.TaskStatus(task.Status),
		FsID:              task.FsID,
		RemotePath:        task.RemotePath,
		LocalPath:         task.LocalPath,
		SourcePath:        task.SourcePath,
		TargetPath:        task.TargetPath,
		UploadID:          task.UploadID,
		UploadIDCreatedAt: task.UploadIDCreatedAt,
		FileSize:          task.TotalSize,
		ChunkSize:         task.ChunkSize,
		TotalChunks:       task.TotalChunks,
		CompletedAt:       task.CompletedAt,
		ErrorMsg:          task.ErrorMsg,
	}
	switch task.Kind {
	case KindDownload:
		meta.TaskType = wal.TaskTypeDownload
	case KindUpload:
		meta.TaskType = wal.TaskTypeUpload
	}
	if task.Group != nil {
		meta.GroupID = task.Group.GroupID
		meta.GroupRoot = task.Group.GroupRoot
		meta.RelativePath = task.Group.RelativePath
	}
	return meta
}

func (m *Manager) publish(task *Task, variant events.Variant, reason string) {
	if m.eventBus == nil {
		return
	}
	category := events.CategoryDownload
	if task.Kind == KindUpload {
		category = events.CategoryUpload
	}
	ev := events.NewCoreEvent(category, variant)
	snap := task.Snapshot()
	ev.TaskID = snap.ID
	if snap.Group != nil {
		ev.FolderID = snap.Group.GroupID
	}
	ev.TotalBytes = snap.TotalSize
	ev.TransferredBytes = snap.TransferredSize
	ev.SpeedBytesPerSec = snap.Speed
	ev.NewStatus = string(snap.Status)
	ev.Reason = reason
	m.eventBus.PublishCore(ev)
}
