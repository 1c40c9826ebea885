package transferengine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/baiducore/netcore/internal/chunk"
	"github.com/baiducore/netcore/internal/endpointhealth"
	"github.com/baiducore/netcore/internal/pathutil"
	"github.com/baiducore/netcore/internal/scheduler"
	"github.com/baiducore/netcore/internal/taskmanager"
	"github.com/baiducore/netcore/internal/vendorapi"
	"github.com/baiducore/netcore/internal/wal"
)

// sliceMD5Bytes is the vendor's fixed prefix length hashed separately for
// the precreate step's slice_md5 field.
const sliceMD5Bytes = 256 * 1024

// startUpload hashes the source file's blocks, precreates the remote
// target, and — unless the vendor already holds this content (rapid
// upload) — builds the per-task chunk and endpoint-health managers and
// registers with the scheduler.
func (e *Engine) startUpload(ctx context.Context, task *taskmanager.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	at := &activeTask{task: task, cancel: cancel, blockMD5s: make(map[int]string)}

	sourcePath, err := pathutil.ResolveAbsolutePath(task.SourcePath)
	if err != nil {
		e.abortSetup(at, fmt.Errorf("transferengine: failed to resolve source path: %w", err))
		return
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		e.abortSetup(at, fmt.Errorf("transferengine: source file unavailable: %w", err))
		return
	}
	if task.TotalSize == 0 {
		task.TotalSize = info.Size()
	}

	if cm, ok := e.takePreload(task.ID); ok {
		at.cm = cm
	} else {
		at.cm = chunk.New(task.TotalSize, task.ChunkSize)
	}

	file, err := os.Open(sourcePath)
	if err != nil {
		e.abortSetup(at, fmt.Errorf("transferengine: failed to open source file: %w", err))
		return
	}
	at.file = file

	blockList, contentMD5, sliceMD5, crc, err := hashBlocks(file, at.cm.Chunks())
	if err != nil {
		file.Close()
		e.abortSetup(at, fmt.Errorf("transferengine: failed to hash source file: %w", err))
		return
	}

	result, err := e.deps.Precreate.Precreate(taskCtx, task.TargetPath, task.TotalSize, blockList, contentMD5, sliceMD5, crc)
	if err != nil {
		file.Close()
		e.abortSetup(at, fmt.Errorf("transferengine: precreate failed: %w", err))
		return
	}
	task.SetUploadID(result.UploadID)

	if result.RapidUpload {
		file.Close()
		cancel()
		e.deps.Tasks.MarkCompleted(task.ID)
		e.reportTerminal(at)
		return
	}

	at.eh = endpointhealth.NewManager(e.deps.Config.EndpointConfig, []string{e.deps.Resolver.UploadURL()})
	at.walF = wal.Open(e.deps.WALDir, task.ID)
	runWAL(taskCtx, at.walF, e.deps.Config.FlushInterval)

	maxChunks := scheduler.CalculateUploadTaskMaxChunks(task.TotalSize)
	if err := e.register(at, maxChunks); err != nil {
		e.abortSetup(at, err)
		return
	}
}

// hashBlocks computes the vendor protocol's block_list (per-chunk MD5,
// hex-encoded) and whole-file content MD5 in one forward pass over the
// chunks, then the leading-256KiB slice MD5 from a second read of the
// file's start. The returned crc32 is always 0.
func hashBlocks(file *os.File, chunks []chunk.Chunk) (blockList []string, contentMD5, sliceMD5 string, crc32 uint32, err error) {
	content := md5.New()
	blockList = make([]string, len(chunks))
	var sliceSum []byte

	for _, c := range chunks {
		blockHash := md5.New()
		w := io.MultiWriter(content, blockHash)
		n, err := io.Copy(w, io.NewSectionReader(file, c.Start, c.Size()))
		if err != nil {
			return nil, "", "", 0, err
		}
		if n != c.Size() {
			return nil, "", "", 0, fmt.Errorf("short read hashing block %d: got %d want %d", c.Index, n, c.Size())
		}
		blockList[c.Index] = hex.EncodeToString(blockHash.Sum(nil))
	}

	sliceLen := int64(sliceMD5Bytes)
	fileSize, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, "", "", 0, err
	}
	if sliceLen > fileSize {
		sliceLen = fileSize
	}
	sliceHash := md5.New()
	if _, err := io.Copy(sliceHash, io.NewSectionReader(file, 0, sliceLen)); err != nil {
		return nil, "", "", 0, err
	}
	sliceSum = sliceHash.Sum(nil)

	return blockList, hex.EncodeToString(content.Sum(nil)), hex.EncodeToString(sliceSum), 0, nil
}

// uploadDispatch builds the scheduler Dispatch closure for one upload
// task: read the chunk's bytes from the source file, POST it, and record
// the vendor's acknowledgement MD5.
func (e *Engine) uploadDispatch(at *activeTask) scheduler.Dispatch {
	return func(ctx context.Context, chunkIndex int, done func()) {
		go func() {
			defer done()
			e.runUploadChunk(ctx, at, chunkIndex)
		}()
	}
}

func (e *Engine) runUploadChunk(ctx context.Context, at *activeTask, chunkIndex int) {
	chunks := at.cm.Chunks()
	if chunkIndex < 0 || chunkIndex >= len(chunks) {
		at.cm.UnmarkInFlight(chunkIndex)
		return
	}
	c := chunks[chunkIndex]

	data := make([]byte, c.Size())
	if _, err := at.file.ReadAt(data, c.Start); err != nil && err != io.EOF {
		e.retryOrFailChunk(at, chunkIndex, fmt.Errorf("transferengine: failed reading source block %d: %w", chunkIndex, err))
		return
	}

	if at.task.Context().Err() != nil {
		at.cm.UnmarkInFlight(chunkIndex)
		return
	}
	start := time.Now()
	ackMD5, err := e.deps.Upload.UploadChunk(ctx, at.task.UploadID, chunkIndex, data)
	if err != nil {
		if ve, ok := err.(*vendorapi.VendorError); ok && ve.IsUploadIDExpired() {
			at.cm.UnmarkInFlight(chunkIndex)
			e.restartUploadFromPrecreate(at, fmt.Errorf("transferengine: upload_id expired mid-transfer: %w", err))
			return
		}
		e.retryOrFailChunk(at, chunkIndex, err)
		return
	}
	elapsedMs := time.Since(start).Milliseconds()

	at.cm.MarkCompleted(chunkIndex)
	at.blockMu.Lock()
	at.blockMD5s[chunkIndex] = ackMD5
	at.blockMu.Unlock()
	at.eh.PostChunkUpdate(e.deps.Resolver.UploadURL(), int64(len(data)), elapsedMs)
	at.walF.Append(wal.Record{ChunkIndex: chunkIndex, MD5: ackMD5, TimestampMs: time.Now().UnixMilli()})
	e.reportProgress(at)
}

// commitUpload runs once every block has been uploaded: it rebuilds the
// block list from the per-chunk acknowledgement MD5s rather than from the
// block_list hashed for precreate, and issues the vendor's final create
// call.
func (e *Engine) commitUpload(at *activeTask) {
	at.blockMu.Lock()
	blockList := make([]string, len(at.cm.Chunks()))
	complete := true
	for i := range blockList {
		md5, ok := at.blockMD5s[i]
		if !ok {
			complete = false
			break
		}
		blockList[i] = md5
	}
	at.blockMu.Unlock()

	if !complete {
		e.failTask(at, fmt.Errorf("transferengine: commit attempted with missing block acknowledgements"))
		return
	}

	err := e.deps.Commit.Create(at.task.Context(), at.task.TargetPath, at.task.TotalSize, blockList, at.task.UploadID)
	if err != nil {
		if ve, ok := err.(*vendorapi.VendorError); ok && ve.IsFileExists() {
			// The target already exists from a prior, crash-interrupted
			// commit retry; treat as success rather than fail a transfer
			// that in fact completed.
			e.teardown(at.task.ID)
			e.deps.Tasks.MarkCompleted(at.task.ID)
			e.reportTerminal(at)
			return
		}
		if ve, ok := err.(*vendorapi.VendorError); ok && ve.IsUploadIDExpired() {
			e.restartUploadFromPrecreate(at, fmt.Errorf("transferengine: upload_id expired on commit: %w", err))
			return
		}
		e.failTask(at, fmt.Errorf("transferengine: commit failed: %w", err))
		e.reportTerminal(at)
		return
	}

	e.teardown(at.task.ID)
	e.deps.Tasks.MarkCompleted(at.task.ID)
	e.reportTerminal(at)
}

// restartUploadFromPrecreate discards an expired upload_id and restarts the
// upload from precreate: it cancels the current scheduler registration,
// tears down the task's chunk/WAL/file state, and rebuilds everything from
// scratch exactly as startUpload does on first entry, a fresh precreate
// call, a fresh upload_id, and every chunk re-uploaded, since the vendor no
// longer recognizes any block acknowledged under the discarded upload_id.
func (e *Engine) restartUploadFromPrecreate(at *activeTask, cause error) {
	if e.deps.Log != nil {
		e.deps.Log.Warn().Str("task_id", at.task.ID).Err(cause).Msg("restarting upload from precreate")
	}
	e.deps.Scheduler.CancelTask(at.task.ID)
	e.teardown(at.task.ID)
	e.startUpload(at.task.Context(), at.task)
}
