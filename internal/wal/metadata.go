package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const metaExtension = ".meta"

// TaskType distinguishes a download task's metadata from an upload task's.
type TaskType string

const (
	TaskTypeDownload TaskType = "download"
	TaskTypeUpload   TaskType = "upload"
)

// TaskStatus mirrors the Task data model's status enum for persistence
// purposes.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusTransferring TaskStatus = "transferring"
	StatusPaused       TaskStatus = "paused"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
)

// TaskMetadata holds every field needed to reconstruct a Task from
// scratch, written as one JSON file per task. Fields are a superset
// covering both download and upload tasks plus optional folder-group
// membership, following the original client's TaskMetadata shape
// (persistence/types.rs) trimmed to this core's in-scope task kinds.
type TaskMetadata struct {
	TaskID    string     `json:"task_id"`
	TaskType  TaskType   `json:"task_type"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Status    TaskStatus `json:"status"`

	// Download fields.
	FsID       uint64 `json:"fs_id,omitempty"`
	RemotePath string `json:"remote_path,omitempty"`
	LocalPath  string `json:"local_path,omitempty"`

	// Upload fields.
	SourcePath         string    `json:"source_path,omitempty"`
	TargetPath         string    `json:"target_path,omitempty"`
	UploadID           string    `json:"upload_id,omitempty"`
	UploadIDCreatedAt  time.Time `json:"upload_id_created_at,omitempty"`

	FileSize    int64 `json:"file_size"`
	ChunkSize   int64 `json:"chunk_size"`
	TotalChunks int   `json:"total_chunks"`

	// Folder-group membership, empty for standalone tasks.
	GroupID      string `json:"group_id,omitempty"`
	GroupRoot    string `json:"group_root,omitempty"`
	RelativePath string `json:"relative_path,omitempty"`

	CompletedAt time.Time `json:"completed_at,omitempty"`
	ErrorMsg    string    `json:"error_msg,omitempty"`
}

// metaPathFor returns the metadata file path for a task id under dir.
func metaPathFor(dir, taskID string) string {
	return filepath.Join(dir, taskID+metaExtension)
}

// SaveTaskMetadata writes meta atomically via a temp-file-then-rename.
func SaveTaskMetadata(dir string, meta *TaskMetadata) error {
	meta.UpdatedAt = nowFn()
	path := metaPathFor(dir, meta.TaskID)
	tmpPath := path + ".tmp"

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("wal: failed to marshal task metadata: %w", err)
	}
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("wal: failed to write temp metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to rename metadata file: %w", err)
	}
	return nil
}

// LoadTaskMetadata loads one task's metadata file. Returns nil, nil if it
// does not exist.
func LoadTaskMetadata(dir, taskID string) (*TaskMetadata, error) {
	path := metaPathFor(dir, taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: failed to read metadata file: %w", err)
	}
	var meta TaskMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("wal: failed to unmarshal metadata file: %w", err)
	}
	return &meta, nil
}

// DeleteTaskFiles removes a task's metadata and WAL files together, used
// once the task has been archived to history.
func DeleteTaskFiles(dir, taskID string) error {
	metaErr := os.Remove(metaPathFor(dir, taskID))
	if metaErr != nil && !os.IsNotExist(metaErr) {
		return fmt.Errorf("wal: failed to delete metadata file: %w", metaErr)
	}
	walErr := os.Remove(PathFor(dir, taskID))
	if walErr != nil && !os.IsNotExist(walErr) {
		return fmt.Errorf("wal: failed to delete wal file: %w", walErr)
	}
	return nil
}

// ScanAllMetadata lists every task's metadata file under dir, used by
// recovery to enumerate candidate tasks.
func ScanAllMetadata(dir string) ([]*TaskMetadata, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: failed to read wal directory: %w", err)
	}

	var out []*TaskMetadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaExtension) {
			continue
		}
		taskID := strings.TrimSuffix(e.Name(), metaExtension)
		meta, err := LoadTaskMetadata(dir, taskID)
		if err != nil || meta == nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}
