package transferengine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/baiducore/netcore/internal/chunk"
	"github.com/baiducore/netcore/internal/endpointhealth"
	"github.com/baiducore/netcore/internal/events"
	"github.com/baiducore/netcore/internal/scheduler"
	"github.com/baiducore/netcore/internal/taskmanager"
	"github.com/baiducore/netcore/internal/wal"
)

// startDownload resolves candidate mirrors, probes every one of them to
// validate and speed-rank them (discarding the slow ones) and capture a
// redirect Referer, builds the per-task chunk and endpoint-health managers,
// opens the destination file, and registers with the scheduler.
func (e *Engine) startDownload(ctx context.Context, task *taskmanager.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	at := &activeTask{task: task, cancel: cancel}

	urls, err := e.deps.Resolver.DownloadURLs(ctx, task.FsID, task.RemotePath)
	if err != nil || len(urls) == 0 {
		e.abortSetup(at, fmt.Errorf("transferengine: no download endpoints available: %w", err))
		return
	}

	at.eh = endpointhealth.NewManager(e.deps.Config.EndpointConfig, urls)
	cookie := e.cookie()

	// Probe every candidate: record each one's probe speed so
	// ApplyProbeFilter can discard endpoints slower than median*0.6, and
	// keep the first successful redirect URL as the Referer for later
	// ranged requests.
	var probed bool
	probeSpeeds := make(map[string]float64, len(urls))
	probeBytes := e.deps.Config.EndpointConfig.ProbeBytes
	for _, u := range urls {
		result, perr := e.deps.Prober.Probe(taskCtx, u, cookie)
		if perr != nil || (result.StatusCode != 200 && result.StatusCode != 206) {
			continue
		}
		if !probed {
			at.referer = result.RedirectURL
			probed = true
		}
		elapsedMs := result.ElapsedMs
		if elapsedMs <= 0 {
			elapsedMs = 1
		}
		probeSpeeds[u] = float64(probeBytes) / 1024 / (float64(elapsedMs) / 1000)
	}
	if !probed {
		e.abortSetup(at, fmt.Errorf("transferengine: every candidate endpoint failed its probe"))
		return
	}
	at.eh.ApplyProbeFilter(probeSpeeds)

	if cm, ok := e.takePreload(task.ID); ok {
		at.cm = cm
	} else {
		at.cm = chunk.New(task.TotalSize, task.ChunkSize)
	}

	if _, err := ensureParentDir(task.LocalPath); err != nil {
		e.abortSetup(at, err)
		return
	}
	file, err := os.OpenFile(task.LocalPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.abortSetup(at, fmt.Errorf("transferengine: failed to open destination file: %w", err))
		return
	}
	if task.TotalSize > 0 {
		if err := file.Truncate(task.TotalSize); err != nil {
			file.Close()
			e.abortSetup(at, fmt.Errorf("transferengine: failed to preallocate destination file: %w", err))
			return
		}
	}
	at.file = file

	at.walF = wal.Open(e.deps.WALDir, task.ID)
	runWAL(taskCtx, at.walF, e.deps.Config.FlushInterval)

	maxChunks := scheduler.CalculateTaskMaxChunks(task.TotalSize)
	if err := e.register(at, maxChunks); err != nil {
		e.abortSetup(at, err)
		return
	}

	go at.eh.RunRestoreLoop(taskCtx, e.deps.Prober, cookie)

	// If every chunk was already completed per a preloaded WAL replay, the
	// scheduler observes zero pending chunks on its very next pass and
	// raises the completion event itself; no further action needed here.
}

// downloadDispatch builds the scheduler Dispatch closure for one download
// task: pick an endpoint, issue the ranged GET, stream the body to the
// chunk's byte offset, and record success or failure.
func (e *Engine) downloadDispatch(at *activeTask) scheduler.Dispatch {
	return func(ctx context.Context, chunkIndex int, done func()) {
		go func() {
			defer done()
			e.runDownloadChunk(ctx, at, chunkIndex)
		}()
	}
}

func (e *Engine) runDownloadChunk(ctx context.Context, at *activeTask, chunkIndex int) {
	chunks := at.cm.Chunks()
	if chunkIndex < 0 || chunkIndex >= len(chunks) {
		at.cm.UnmarkInFlight(chunkIndex)
		return
	}
	c := chunks[chunkIndex]

	url, err := at.eh.Pick(e.deps.Config.SelectionPolicy, chunkIndex)
	if err != nil {
		at.cm.UnmarkInFlight(chunkIndex)
		return
	}

	if at.task.Context().Err() != nil {
		at.cm.UnmarkInFlight(chunkIndex)
		return
	}
	start := time.Now()
	result, err := e.deps.Ranges.FetchRange(ctx, url, e.cookie(), at.referer, c.Start, c.End, e.deps.Config.RequestTimeout)
	if err != nil {
		e.retryOrFailChunk(at, chunkIndex, err)
		return
	}
	defer result.Body.Close()
	if result.StatusCode != 200 && result.StatusCode != 206 {
		e.retryOrFailChunk(at, chunkIndex, fmt.Errorf("transferengine: unexpected status %d fetching chunk %d", result.StatusCode, chunkIndex))
		return
	}
	if at.task.Context().Err() != nil {
		at.cm.UnmarkInFlight(chunkIndex)
		return
	}

	written, err := io.Copy(io.NewOffsetWriter(at.file, c.Start), result.Body)
	if err != nil {
		e.retryOrFailChunk(at, chunkIndex, fmt.Errorf("transferengine: failed writing chunk %d: %w", chunkIndex, err))
		return
	}
	if written != c.Size() {
		e.retryOrFailChunk(at, chunkIndex, fmt.Errorf("transferengine: short read on chunk %d: got %d want %d", chunkIndex, written, c.Size()))
		return
	}

	elapsedMs := time.Since(start).Milliseconds()
	at.cm.MarkCompleted(chunkIndex)
	at.eh.PostChunkUpdate(url, written, elapsedMs)
	at.walF.Append(wal.Record{ChunkIndex: chunkIndex, TimestampMs: time.Now().UnixMilli()})
	e.reportProgress(at)
}

// retryOrFailChunk unmarks the chunk so NextPending can hand it out again,
// and fails the whole task once a chunk has exhausted its retry budget.
func (e *Engine) retryOrFailChunk(at *activeTask, chunkIndex int, cause error) {
	at.cm.UnmarkInFlight(chunkIndex)
	retries := at.cm.IncrementRetries(chunkIndex)
	if retries <= e.deps.Config.MaxChunkRetries {
		return
	}
	if e.deps.Log != nil {
		e.deps.Log.Warn().Str("task_id", at.task.ID).Int("chunk_index", chunkIndex).Err(cause).Msg("chunk exceeded retry budget, failing task")
	}
	e.failTask(at, cause)
	e.reportTerminal(at)
}

// reportProgress throttles and publishes a download/upload progress event
// and nudges the owning folder's aggregate progress, if any.
func (e *Engine) reportProgress(at *activeTask) {
	transferred := at.cm.DownloadedBytes()
	elapsed := time.Since(at.task.StartedAt).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(transferred) / elapsed
	}
	if !at.task.UpdateProgress(transferred, speed) {
		return
	}
	e.publishProgress(at, transferred, speed)
	if e.deps.Folders != nil && at.task.Group != nil {
		e.deps.Folders.OnSubtaskProgress(at.task.Group.GroupID)
	}
}

func (e *Engine) publishProgress(at *activeTask, transferred int64, speed float64) {
	if e.deps.EventBus == nil {
		return
	}
	category := events.CategoryDownload
	if at.task.Kind == taskmanager.KindUpload {
		category = events.CategoryUpload
	}
	ev := events.NewCoreEvent(category, events.VariantProgress)
	ev.TaskID = at.task.ID
	if at.task.Group != nil {
		ev.FolderID = at.task.Group.GroupID
	}
	ev.TotalBytes = at.task.TotalSize
	ev.TransferredBytes = transferred
	ev.SpeedBytesPerSec = speed
	if at.task.TotalSize > 0 {
		ev.Progress = float64(transferred) / float64(at.task.TotalSize)
	}
	e.deps.EventBus.PublishCore(ev)
}
