// Package scheduler implements the single global round-robin chunk
// dispatcher: one long-lived loop fairly hands out chunk-worker slots to
// every active task under a global cap and a per-task cap.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baiducore/netcore/internal/chunk"
	"github.com/baiducore/netcore/internal/endpointhealth"
	"github.com/baiducore/netcore/internal/logging"
)

// ErrAtTaskCapacity is returned by PreRegister when max_concurrent_tasks has
// been reached.
var ErrAtTaskCapacity = errors.New("scheduler: at max concurrent tasks")

// ErrAlreadyRegistered is returned by RegisterTask for a duplicate task id.
var ErrAlreadyRegistered = errors.New("scheduler: task already registered")

// HotSleep and IdleSleep are the scheduler loop's suspension points.
const (
	HotSleep           = 2 * time.Millisecond
	IdleSleep          = 100 * time.Millisecond
	WaitingQueuePoll   = 3 * time.Second
	DefaultGlobalMax   = 20
	DefaultMaxTasks    = 8
)

// Dispatch spawns the worker that actually performs one chunk's transfer.
// The scheduler never blocks on it; Dispatch must call the done callback it
// is given when the chunk attempt finishes so the scheduler can release its
// concurrency accounting.
type Dispatch func(ctx context.Context, chunkIndex int, done func())

// RegisteredTask is the scheduler's view of one active task, grounded in
// the original client's TaskScheduleInfo (task id, chunk manager,
// cancellation, active/max chunk counts, optional folder group id).
type RegisteredTask struct {
	ID                  string
	GroupID             string // folder group id; empty for standalone tasks
	ChunkManager        *chunk.Manager
	EndpointHealth      *endpointhealth.Manager
	MaxConcurrentChunks int
	Dispatch            Dispatch

	activeChunks atomic.Int64
	cancelled    atomic.Bool
}

// Cancel marks the task cancelled; the scheduler drops it from its active
// set on the next loop iteration.
func (t *RegisteredTask) Cancel() { t.cancelled.Store(true) }

// IsCancelled reports the task's cancellation state.
func (t *RegisteredTask) IsCancelled() bool { return t.cancelled.Load() }

// ActiveChunks returns how many chunk workers this task currently has
// in flight.
func (t *RegisteredTask) ActiveChunks() int64 { return t.activeChunks.Load() }

// CompletionEvent is forwarded to the folder coordinator when a task leaves
// the active set having finished all its chunks.
type CompletionEvent struct {
	GroupID string
	TaskID  string
}

// Scheduler is the single global chunk dispatcher shared by every active
// task.
type Scheduler struct {
	log *logging.Logger

	mu     sync.Mutex
	tasks  map[string]*RegisteredTask
	cursor uint64

	globalMaxThreads   atomic.Int64
	activeChunkCount   atomic.Int64
	maxConcurrentTasks atomic.Int64
	preRegistered      atomic.Int64
	lastTaskCount      atomic.Int64
	running            atomic.Bool

	completionMu sync.RWMutex
	onCompletion func(CompletionEvent)
}

// New builds a scheduler with the given global thread and task-slot caps.
func New(globalMaxThreads, maxConcurrentTasks int, log *logging.Logger) *Scheduler {
	s := &Scheduler{tasks: make(map[string]*RegisteredTask), log: log}
	s.globalMaxThreads.Store(int64(globalMaxThreads))
	s.maxConcurrentTasks.Store(int64(maxConcurrentTasks))
	return s
}

// CalculateTaskMaxChunks returns the per-task concurrency cap for a
// download of the given size, following the vendor client's staircase
// table.
func CalculateTaskMaxChunks(fileSize int64) int {
	switch {
	case fileSize <= 10_000_000:
		return 1
	case fileSize <= 100_000_000:
		return 3
	case fileSize <= 1_000_000_000:
		return 6
	case fileSize <= 5_000_000_000:
		return 10
	default:
		return 15
	}
}

// CalculateUploadTaskMaxChunks returns the stricter upload staircase
// (1/2/3/4, capped at 4) required by the vendor's upload limits.
func CalculateUploadTaskMaxChunks(fileSize int64) int {
	n := CalculateTaskMaxChunks(fileSize)
	switch {
	case n <= 1:
		return 1
	case n <= 3:
		return 2
	case n <= 6:
		return 3
	default:
		return 4
	}
}

// SetCompletionHandler installs the callback invoked with (group_id,
// task_id) whenever a task is removed from the active set after finishing
// all its chunks.
func (s *Scheduler) SetCompletionHandler(fn func(CompletionEvent)) {
	s.completionMu.Lock()
	defer s.completionMu.Unlock()
	s.onCompletion = fn
}

func (s *Scheduler) notifyCompletion(ev CompletionEvent) {
	s.completionMu.RLock()
	fn := s.onCompletion
	s.completionMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// PreRegister atomically reserves a task slot ahead of the expensive probe
// phase, bounding how many concurrent probes can run. Returns
// ErrAtTaskCapacity if the task cap is already saturated.
func (s *Scheduler) PreRegister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inUse := int64(len(s.tasks)) + s.preRegistered.Load()
	if inUse >= s.maxConcurrentTasks.Load() {
		return ErrAtTaskCapacity
	}
	s.preRegistered.Add(1)
	return nil
}

// CancelPreRegister releases a reservation made by PreRegister that was
// never consumed by RegisterTask (probe failure or cancellation).
func (s *Scheduler) CancelPreRegister() {
	if s.preRegistered.Load() > 0 {
		s.preRegistered.Add(-1)
	}
}

// RegisterTask consumes one pre-registration and adds the task to the
// active set.
func (s *Scheduler) RegisterTask(rt *RegisteredTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[rt.ID]; exists {
		return ErrAlreadyRegistered
	}
	if s.preRegistered.Load() > 0 {
		s.preRegistered.Add(-1)
	}
	s.tasks[rt.ID] = rt
	return nil
}

// CancelTask marks a registered task cancelled; it is dropped from the
// active set on the scheduler's next iteration.
func (s *Scheduler) CancelTask(taskID string) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if ok {
		t.Cancel()
	}
}

// ActiveTaskCount returns the number of tasks currently registered.
func (s *Scheduler) ActiveTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// UpdateMaxThreads live-updates the global concurrency cap. In-flight
// chunks keep running after a shrink.
func (s *Scheduler) UpdateMaxThreads(n int) { s.globalMaxThreads.Store(int64(n)) }

// UpdateMaxConcurrentTasks live-updates the task-slot cap used by
// PreRegister.
func (s *Scheduler) UpdateMaxConcurrentTasks(n int) { s.maxConcurrentTasks.Store(int64(n)) }

// MaxThreads returns the current global concurrency cap.
func (s *Scheduler) MaxThreads() int { return int(s.globalMaxThreads.Load()) }

// ActiveThreads returns the number of chunk workers currently in flight
// across all tasks.
func (s *Scheduler) ActiveThreads() int { return int(s.activeChunkCount.Load()) }

func (s *Scheduler) snapshotSortedLocked() []*RegisteredTask {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*RegisteredTask, len(ids))
	for i, id := range ids {
		out[i] = s.tasks[id]
	}
	return out
}

func (s *Scheduler) removeTaskLocked(id string) {
	delete(s.tasks, id)
}

// Stop halts the scheduler loop started by Run.
func (s *Scheduler) Stop() { s.running.Store(false) }

// Run drives the scheduler's single long-lived dispatch loop until ctx is
// cancelled or Stop is called. It must run in exactly one goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	for s.running.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		tasks := s.snapshotSortedLocked()
		s.mu.Unlock()

		n := int64(len(tasks))
		if n != s.lastTaskCount.Load() {
			if n > s.lastTaskCount.Load() {
				s.resetAllWindows(tasks)
			}
			s.lastTaskCount.Store(n)
		}

		if len(tasks) == 0 {
			sleep(ctx, IdleSleep)
			continue
		}

		freeSlots := s.globalMaxThreads.Load() - s.activeChunkCount.Load()
		if freeSlots <= 0 {
			sleep(ctx, HotSleep)
			continue
		}

		for i := int64(0); i < freeSlots; i++ {
			s.mu.Lock()
			if len(s.tasks) == 0 {
				s.mu.Unlock()
				break
			}
			idx := s.cursor % uint64(len(tasks))
			s.cursor++
			task := tasks[idx]
			s.mu.Unlock()

			if task.IsCancelled() {
				s.mu.Lock()
				s.removeTaskLocked(task.ID)
				s.mu.Unlock()
				continue
			}
			if task.activeChunks.Load() >= int64(task.MaxConcurrentChunks) {
				continue
			}
			c, ok := task.ChunkManager.NextPending()
			if !ok {
				if task.activeChunks.Load() == 0 {
					s.mu.Lock()
					s.removeTaskLocked(task.ID)
					s.mu.Unlock()
					s.notifyCompletion(CompletionEvent{GroupID: task.GroupID, TaskID: task.ID})
				}
				continue
			}

			s.activeChunkCount.Add(1)
			task.activeChunks.Add(1)
			chunkIndex := c.Index
			task.Dispatch(ctx, chunkIndex, func() {
				s.activeChunkCount.Add(-1)
				task.activeChunks.Add(-1)
			})
		}

		sleep(ctx, HotSleep)
	}
}

func (s *Scheduler) resetAllWindows(tasks []*RegisteredTask) {
	for _, t := range tasks {
		if t.EndpointHealth != nil {
			t.EndpointHealth.ResetAllWindows()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// RunWaitingQueueMonitor polls every WaitingQueuePoll for headroom and
// invokes tryStart while the scheduler has spare task-slot capacity. It is
// the self-healing path that picks up slack when completions happen but no
// explicit start was triggered.
func (s *Scheduler) RunWaitingQueueMonitor(ctx context.Context, tryStart func() bool) {
	ticker := time.NewTicker(WaitingQueuePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for s.hasTaskHeadroom() {
				if !tryStart() {
					break
				}
			}
		}
	}
}

func (s *Scheduler) hasTaskHeadroom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inUse := int64(len(s.tasks)) + s.preRegistered.Load()
	return inUse < s.maxConcurrentTasks.Load()
}
