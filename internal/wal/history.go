package wal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

// History is the append-only archive of completed (or failed-and-expired)
// tasks, backed by an embedded buntdb store keyed by task id. It replaces
// the metadata/WAL file pair once a task reaches a terminal state and is
// swept by the history archiver.
type History struct {
	db *buntdb.DB
}

// OpenHistory opens (creating if absent) the history store at path.
func OpenHistory(path string) (*History, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open history store: %w", err)
	}
	return &History{db: db}, nil
}

// Close releases the underlying store.
func (h *History) Close() error {
	return h.db.Close()
}

// Archive records one task's final metadata under its task id. A
// duplicate task id is silently skipped rather than erroring, per the
// "duplicate task ids are skipped" archiving rule — the existing record
// wins and Archive becomes a no-op when one is already present.
func (h *History) Archive(meta *TaskMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("wal: failed to marshal archived task: %w", err)
	}
	return h.db.Update(func(tx *buntdb.Tx) error {
		if _, replaced, err := tx.Get(meta.TaskID); err == nil && replaced != "" {
			return nil
		}
		_, _, err := tx.Set(meta.TaskID, string(data), nil)
		return err
	})
}

// Get looks up one archived task by id.
func (h *History) Get(taskID string) (*TaskMetadata, bool, error) {
	var meta TaskMetadata
	var found bool
	err := h.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(taskID)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if jsonErr := json.Unmarshal([]byte(val), &meta); jsonErr != nil {
			return jsonErr
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("wal: failed to read archived task: %w", err)
	}
	return &meta, found, nil
}

// PruneOlderThan deletes archived entries whose CompletedAt predates the
// retention horizon, implementing history_retention_days garbage
// collection.
func (h *History) PruneOlderThan(retention time.Duration) (int, error) {
	cutoff := nowFn().Add(-retention)
	var toDelete []string

	err := h.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var meta TaskMetadata
			if json.Unmarshal([]byte(value), &meta) == nil && meta.CompletedAt.Before(cutoff) {
				toDelete = append(toDelete, key)
			}
			return true
		})
	})
	if err != nil {
		return 0, fmt.Errorf("wal: failed to scan history store: %w", err)
	}

	if len(toDelete) == 0 {
		return 0, nil
	}
	err = h.db.Update(func(tx *buntdb.Tx) error {
		for _, key := range toDelete {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("wal: failed to prune history store: %w", err)
	}
	return len(toDelete), nil
}
