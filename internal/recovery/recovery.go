// Package recovery implements the startup scan that turns on-disk WAL and
// metadata sidecars back into resumable task state: reading every task's
// completed-chunk bitset out of its WAL, validating that the local
// file/source still looks usable, and separating what can be resumed from
// what is already finished or is beyond repair.
package recovery

import (
	"fmt"
	"os"
	"sort"

	"github.com/baiducore/netcore/internal/chunk"
	"github.com/baiducore/netcore/internal/logging"
	"github.com/baiducore/netcore/internal/wal"
)

// RecoveredTask pairs a task's persisted metadata with the completed-chunk
// set rebuilt by replaying its WAL.
type RecoveredTask struct {
	Metadata        *wal.TaskMetadata
	CompletedChunks map[int]bool
	ChunkMD5s       map[int]string // upload tasks only; nil for downloads
	SkippedLines    int
}

// CompletedCount returns how many chunks have been marked done by the WAL.
func (r *RecoveredTask) CompletedCount() int {
	return len(r.CompletedChunks)
}

// TotalChunks returns the task's declared chunk count.
func (r *RecoveredTask) TotalChunks() int {
	return r.Metadata.TotalChunks
}

// PendingChunks returns the indices, in ascending order, not yet marked
// completed in the WAL.
func (r *RecoveredTask) PendingChunks() []int {
	total := r.TotalChunks()
	pending := make([]int, 0, total)
	for i := 0; i < total; i++ {
		if !r.CompletedChunks[i] {
			pending = append(pending, i)
		}
	}
	return pending
}

// IsAllCompleted reports whether every declared chunk has been marked done.
func (r *RecoveredTask) IsAllCompleted() bool {
	total := r.TotalChunks()
	return total > 0 && r.CompletedCount() >= total
}

// ChunkManager rebuilds a *chunk.Manager for this task and replays its
// completed-chunk set into it, ready to hand to the transfer engine.
func (r *RecoveredTask) ChunkManager() *chunk.Manager {
	m := chunk.New(r.Metadata.FileSize, r.Metadata.ChunkSize)
	completed := make([]int, 0, len(r.CompletedChunks))
	for idx := range r.CompletedChunks {
		completed = append(completed, idx)
	}
	m.RestoreCompleted(completed)
	return m
}

// ScanResult is the outcome of a recovery scan: tasks bucketed by what the
// caller should do with them next.
type ScanResult struct {
	DownloadTasks []*RecoveredTask
	UploadTasks   []*RecoveredTask

	// CompletedTaskIDs finished every chunk per their WAL but were never
	// compacted — the caller should archive and delete them.
	CompletedTaskIDs []string

	// InvalidTaskIDs failed validation (missing source, corrupt metadata,
	// unreadable WAL) and should be deleted without archiving.
	InvalidTaskIDs []string
}

// TotalRecoverable returns the number of tasks eligible for resumption.
func (s *ScanResult) TotalRecoverable() int {
	return len(s.DownloadTasks) + len(s.UploadTasks)
}

// HasRecoverable reports whether any task can be resumed.
func (s *ScanResult) HasRecoverable() bool {
	return s.TotalRecoverable() > 0
}

// Scan walks every metadata sidecar under dir, replays each task's WAL, and
// classifies the result. A task whose WAL is simply absent (a brand new
// task with no progress yet persisted) is treated as zero completed chunks
// rather than an error.
func Scan(dir string, log *logging.Logger) (*ScanResult, error) {
	result := &ScanResult{}

	metas, err := wal.ScanAllMetadata(dir)
	if err != nil {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	if len(metas) == 0 {
		return result, nil
	}

	for _, meta := range metas {
		taskID := meta.TaskID

		f := wal.Open(dir, taskID)
		records, skipped, err := f.ReadAll()
		if err != nil && !os.IsNotExist(err) {
			if log != nil {
				log.Warn().Str("task_id", taskID).Err(err).Msg("failed to read WAL, marking invalid")
			}
			result.InvalidTaskIDs = append(result.InvalidTaskIDs, taskID)
			continue
		}

		completed := make(map[int]bool, len(records))
		var md5s map[int]string
		if meta.TaskType == wal.TaskTypeUpload {
			md5s = make(map[int]string, len(records))
		}
		for _, rec := range records {
			completed[rec.ChunkIndex] = true
			if md5s != nil && rec.MD5 != "" {
				md5s[rec.ChunkIndex] = rec.MD5
			}
		}

		recovered := &RecoveredTask{
			Metadata:        meta,
			CompletedChunks: completed,
			ChunkMD5s:       md5s,
			SkippedLines:    skipped,
		}

		if recovered.IsAllCompleted() {
			result.CompletedTaskIDs = append(result.CompletedTaskIDs, taskID)
			continue
		}

		switch meta.TaskType {
		case wal.TaskTypeDownload:
			if err := validateDownloadTask(recovered); err != nil {
				if log != nil {
					log.Warn().Str("task_id", taskID).Err(err).Msg("download task failed validation")
				}
				result.InvalidTaskIDs = append(result.InvalidTaskIDs, taskID)
				continue
			}
			result.DownloadTasks = append(result.DownloadTasks, recovered)
		case wal.TaskTypeUpload:
			if err := validateUploadTask(recovered); err != nil {
				if log != nil {
					log.Warn().Str("task_id", taskID).Err(err).Msg("upload task failed validation")
				}
				result.InvalidTaskIDs = append(result.InvalidTaskIDs, taskID)
				continue
			}
			result.UploadTasks = append(result.UploadTasks, recovered)
		default:
			result.InvalidTaskIDs = append(result.InvalidTaskIDs, taskID)
		}
	}

	sortByCreatedAtDesc(result.DownloadTasks)
	sortByCreatedAtDesc(result.UploadTasks)

	if log != nil {
		log.Info().
			Int("downloads", len(result.DownloadTasks)).
			Int("uploads", len(result.UploadTasks)).
			Int("completed", len(result.CompletedTaskIDs)).
			Int("invalid", len(result.InvalidTaskIDs)).
			Msg("recovery scan complete")
	}

	return result, nil
}

func sortByCreatedAtDesc(tasks []*RecoveredTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Metadata.CreatedAt.After(tasks[j].Metadata.CreatedAt)
	})
}

// validateDownloadTask requires a vendor file id, a local destination path,
// and a positive chunk count. The local file itself need not exist yet —
// download may not have started writing it.
func validateDownloadTask(r *RecoveredTask) error {
	meta := r.Metadata
	if meta.FsID == 0 {
		return fmt.Errorf("missing fs_id")
	}
	if meta.LocalPath == "" {
		return fmt.Errorf("missing local_path")
	}
	if meta.TotalChunks <= 0 {
		return fmt.Errorf("missing or invalid total_chunks")
	}
	return nil
}

// validateUploadTask requires a source path that still exists on disk and a
// positive chunk count, since an upload resumes by re-reading the source.
func validateUploadTask(r *RecoveredTask) error {
	meta := r.Metadata
	if meta.SourcePath == "" {
		return fmt.Errorf("missing source_path")
	}
	if meta.TotalChunks <= 0 {
		return fmt.Errorf("missing or invalid total_chunks")
	}
	if _, err := os.Stat(meta.SourcePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source file no longer exists: %s", meta.SourcePath)
		}
		return fmt.Errorf("stat source file: %w", err)
	}
	return nil
}
