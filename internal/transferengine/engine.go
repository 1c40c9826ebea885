// Package transferengine implements taskmanager.Engine: the probe,
// chunk-loop, and verify/commit sequence that actually moves bytes for a
// download or upload task. One engine drives both transfer directions
// over a worker-pool-over-channels pattern, redirected onto the
// scheduler's per-chunk Dispatch callback instead of an in-process
// channel fan-out.
package transferengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/baiducore/netcore/internal/chunk"
	"github.com/baiducore/netcore/internal/endpointhealth"
	"github.com/baiducore/netcore/internal/events"
	"github.com/baiducore/netcore/internal/foldercoordinator"
	"github.com/baiducore/netcore/internal/logging"
	"github.com/baiducore/netcore/internal/pathutil"
	"github.com/baiducore/netcore/internal/scheduler"
	"github.com/baiducore/netcore/internal/taskmanager"
	"github.com/baiducore/netcore/internal/vendorapi"
	"github.com/baiducore/netcore/internal/wal"
)

// URLResolver supplies the candidate endpoint URLs the engine routes
// traffic across. Acquiring them (API calls, cookie-gated redirects) lives
// outside this package; the engine only consumes the result.
type URLResolver interface {
	// DownloadURLs returns one or more candidate mirror URLs for a file.
	DownloadURLs(ctx context.Context, fsID uint64, remotePath string) ([]string, error)
	// UploadURL returns the single endpoint upload chunks are POSTed to.
	UploadURL() string
}

// CookieProvider returns the session cookie to attach to vendor requests.
// A func rather than a static string so a future cookie refresh is a
// transparent swap for this package.
type CookieProvider func() string

// Config holds the engine's tunables.
type Config struct {
	Tier            chunk.AccountTier
	RequestTimeout  time.Duration
	MaxChunkRetries int
	FlushInterval   time.Duration
	EndpointConfig  endpointhealth.Config
	SelectionPolicy endpointhealth.SelectionPolicy
}

// DefaultConfig returns the documented production defaults.
func DefaultConfig() Config {
	return Config{
		Tier:            chunk.TierNormal,
		RequestTimeout:  60 * time.Second,
		MaxChunkRetries: 5,
		FlushInterval:   2 * time.Second,
		EndpointConfig:  endpointhealth.DefaultConfig(),
		SelectionPolicy: endpointhealth.WeightedHybrid,
	}
}

// Deps collects the engine's external interfaces: the vendor API surface,
// the scheduler and task manager it drives and is driven by, and the
// ambient stack (WAL directory, events, logging).
type Deps struct {
	Scheduler *scheduler.Scheduler
	Tasks     *taskmanager.Manager
	Folders   *foldercoordinator.Coordinator // nil when folder transfers are not wired

	Prober    vendorapi.Prober
	Ranges    vendorapi.RangeFetcher
	Precreate vendorapi.Precreator
	Upload    vendorapi.ChunkUploader
	Commit    vendorapi.Committer

	Resolver URLResolver
	Cookie   CookieProvider

	WALDir   string
	EventBus *events.EventBus
	Log      *logging.Logger

	Config Config
}

// activeTask bundles the per-task state the scheduler's Dispatch callback
// and the completion handler both need, keyed by task id.
type activeTask struct {
	task   *taskmanager.Task
	cm     *chunk.Manager
	eh     *endpointhealth.Manager
	walF   *wal.File
	file   *os.File
	cancel context.CancelFunc

	referer string

	blockMu   sync.Mutex
	blockMD5s map[int]string
}

// Engine implements taskmanager.Engine for both download and upload tasks.
type Engine struct {
	deps Deps

	mu            sync.Mutex
	active        map[string]*activeTask
	preload       map[string]*chunk.Manager
	pendingBlocks map[string]map[int]string
}

// New builds an engine wired to deps, filling in DefaultConfig where the
// caller left Config zero, and installs itself as the scheduler's
// completion handler.
func New(deps Deps) *Engine {
	if deps.Config.RequestTimeout == 0 {
		deps.Config = DefaultConfig()
	}
	e := &Engine{
		deps:          deps,
		active:        make(map[string]*activeTask),
		preload:       make(map[string]*chunk.Manager),
		pendingBlocks: make(map[string]map[int]string),
	}
	deps.Scheduler.SetCompletionHandler(e.onCompletion)
	return e
}

// PreloadChunkManager seeds a chunk manager rebuilt from a recovery scan
// for the next StartTask call addressing this task id, so a resumed
// download or upload does not re-fetch chunks its WAL already recorded as
// completed.
func (e *Engine) PreloadChunkManager(taskID string, cm *chunk.Manager) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preload[taskID] = cm
}

// PreloadBlockMD5s seeds the upload block-ack MD5 map a recovery scan
// replayed from an upload task's WAL, needed to rebuild the commit block
// list without re-uploading already-acknowledged blocks.
func (e *Engine) PreloadBlockMD5s(taskID string, md5s map[int]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if md5s == nil {
		return
	}
	at, ok := e.active[taskID]
	if !ok {
		// StartTask for this id hasn't run yet; stash it and apply it once
		// register() creates the activeTask.
		e.pendingBlocks[taskID] = md5s
		return
	}
	at.blockMu.Lock()
	for idx, md5 := range md5s {
		at.blockMD5s[idx] = md5
	}
	at.blockMu.Unlock()
}

func (e *Engine) takePreload(taskID string) (*chunk.Manager, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cm, ok := e.preload[taskID]
	if ok {
		delete(e.preload, taskID)
	}
	return cm, ok
}

// StartTask implements taskmanager.Engine.
func (e *Engine) StartTask(ctx context.Context, task *taskmanager.Task) {
	switch task.Kind {
	case taskmanager.KindDownload:
		e.startDownload(ctx, task)
	case taskmanager.KindUpload:
		e.startUpload(ctx, task)
	}
}

func (e *Engine) cookie() string {
	if e.deps.Cookie == nil {
		return ""
	}
	return e.deps.Cookie()
}

func (e *Engine) register(at *activeTask, maxConcurrentChunks int) error {
	groupID := ""
	if at.task.Group != nil {
		groupID = at.task.Group.GroupID
	}
	rt := &scheduler.RegisteredTask{
		ID:                  at.task.ID,
		GroupID:             groupID,
		ChunkManager:        at.cm,
		EndpointHealth:      at.eh,
		MaxConcurrentChunks: maxConcurrentChunks,
		Dispatch:            e.dispatchFor(at),
	}

	e.mu.Lock()
	e.active[at.task.ID] = at
	pending := e.pendingBlocks[at.task.ID]
	delete(e.pendingBlocks, at.task.ID)
	e.mu.Unlock()
	if pending != nil {
		at.blockMu.Lock()
		for idx, md5 := range pending {
			at.blockMD5s[idx] = md5
		}
		at.blockMu.Unlock()
	}

	if err := e.deps.Scheduler.RegisterTask(rt); err != nil {
		e.mu.Lock()
		delete(e.active, at.task.ID)
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Engine) dispatchFor(at *activeTask) scheduler.Dispatch {
	switch at.task.Kind {
	case taskmanager.KindUpload:
		return e.uploadDispatch(at)
	default:
		return e.downloadDispatch(at)
	}
}

// abortSetup releases a task's scheduler pre-registration and fails the
// task, used whenever a probe, precreate, or local-file-open step fails
// before the task ever reaches the scheduler's active set.
func (e *Engine) abortSetup(at *activeTask, cause error) {
	if at.cancel != nil {
		at.cancel()
	}
	if at.file != nil {
		at.file.Close()
	}
	if e.deps.Log != nil {
		e.deps.Log.Warn().Str("task_id", at.task.ID).Err(cause).Msg("transfer setup failed")
	}
	e.deps.Tasks.FailPreRegistered(at.task.ID, cause)
}

// failTask marks an already-registered task failed and tears down its
// per-task resources. Called from a chunk worker that exhausted retries
// or from the completion handler on a commit/verify failure.
func (e *Engine) failTask(at *activeTask, cause error) {
	e.deps.Scheduler.CancelTask(at.task.ID)
	e.teardown(at.task.ID)
	e.deps.Tasks.MarkFailed(at.task.ID, cause)
}

// teardown stops a task's restore loop and flusher, flushes and closes its
// WAL and local file, and drops it from the active set. Safe to call more
// than once.
func (e *Engine) teardown(taskID string) {
	e.mu.Lock()
	at, ok := e.active[taskID]
	if ok {
		delete(e.active, taskID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if at.cancel != nil {
		at.cancel()
	}
	if at.walF != nil {
		at.walF.Flush()
	}
	if at.file != nil {
		at.file.Close()
	}
}

func (e *Engine) onCompletion(ev scheduler.CompletionEvent) {
	e.mu.Lock()
	at, ok := e.active[ev.TaskID]
	e.mu.Unlock()
	if !ok {
		return
	}
	if !at.cm.IsCompleted() {
		// Every task removed from the scheduler with pending chunks left
		// was cancelled (pause/delete), not completed; the cancelling
		// caller owns the status transition.
		e.teardown(ev.TaskID)
		return
	}

	switch at.task.Kind {
	case taskmanager.KindUpload:
		e.commitUpload(at)
	default:
		e.finalizeDownload(at)
	}
}

// finalizeDownload verifies the completed local file's size against
// task.TotalSize before marking the task done; a mismatch means a write
// was silently truncated or lost and must fail the task rather than
// report success.
func (e *Engine) finalizeDownload(at *activeTask) {
	if at.task.TotalSize > 0 {
		info, err := os.Stat(at.task.LocalPath)
		if err != nil {
			e.failTask(at, fmt.Errorf("transferengine: stat destination file: %w", err))
			e.reportTerminal(at)
			return
		}
		if info.Size() != at.task.TotalSize {
			e.failTask(at, fmt.Errorf("transferengine: destination file size %d does not match expected %d", info.Size(), at.task.TotalSize))
			e.reportTerminal(at)
			return
		}
	}
	e.teardown(at.task.ID)
	e.deps.Tasks.MarkCompleted(at.task.ID)
	e.reportTerminal(at)
}

// reportTerminal notifies the folder coordinator, if this task belongs to
// one, that a subtask reached a terminal state.
func (e *Engine) reportTerminal(at *activeTask) {
	if e.deps.Folders == nil || at.task.Group == nil {
		return
	}
	e.deps.Folders.OnSubtaskProgress(at.task.Group.GroupID)
}

// ensureParentDir creates the destination directory for a local path,
// resolving it the same way the rest of the core resolves user-supplied
// paths.
func ensureParentDir(path string) (string, error) {
	resolved, err := pathutil.ResolveAbsolutePath(filepath.Dir(path))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return "", fmt.Errorf("transferengine: failed to create destination directory: %w", err)
	}
	return resolved, nil
}

// runWAL starts the per-task WAL flusher goroutine bound to ctx.
func runWAL(ctx context.Context, f *wal.File, interval time.Duration) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	go wal.RunFlusher(stop, f, interval, nil)
}
