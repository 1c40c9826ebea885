package recovery

import (
	"time"

	"github.com/baiducore/netcore/internal/logging"
	"github.com/baiducore/netcore/internal/wal"
)

// CleanupCompleted archives each finished task's metadata into history (skip
// if already archived) and then deletes its on-disk metadata and WAL files.
// A task whose metadata sidecar has already vanished by the time this runs
// is treated as already cleaned up, not an error.
func CleanupCompleted(dir string, history *wal.History, taskIDs []string, log *logging.Logger) int {
	cleaned := 0
	for _, taskID := range taskIDs {
		if meta, err := wal.LoadTaskMetadata(dir, taskID); err == nil && meta != nil {
			if meta.CompletedAt.IsZero() {
				meta.CompletedAt = nowFn()
			}
			meta.Status = wal.StatusCompleted
			if history != nil {
				if err := history.Archive(meta); err != nil && log != nil {
					log.Warn().Str("task_id", taskID).Err(err).Msg("failed to archive completed task to history")
				}
			}
		}

		if err := wal.DeleteTaskFiles(dir, taskID); err != nil {
			if log != nil {
				log.Error().Str("task_id", taskID).Err(err).Msg("failed to delete completed task files")
			}
			continue
		}
		cleaned++
	}
	return cleaned
}

// CleanupInvalid removes the persisted files for tasks that failed
// validation, without archiving them to history — there is nothing worth
// preserving about a task that never produced a usable result.
func CleanupInvalid(dir string, taskIDs []string, log *logging.Logger) int {
	cleaned := 0
	for _, taskID := range taskIDs {
		if err := wal.DeleteTaskFiles(dir, taskID); err != nil {
			if log != nil {
				log.Error().Str("task_id", taskID).Err(err).Msg("failed to delete invalid task files")
			}
			continue
		}
		cleaned++
	}
	return cleaned
}

var nowFn = time.Now
