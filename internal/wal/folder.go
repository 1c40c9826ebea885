package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FolderStatus mirrors the Folder data model's status enum for
// persistence purposes.
type FolderStatus string

const (
	FolderScanning     FolderStatus = "scanning"
	FolderTransferring FolderStatus = "transferring"
	FolderPaused       FolderStatus = "paused"
	FolderCompleted    FolderStatus = "completed"
	FolderFailed       FolderStatus = "failed"
	FolderCancelled    FolderStatus = "cancelled"
)

// PendingFileMetadata is one not-yet-started file discovered by a folder
// scan, persisted so a killed-and-restarted process can resume draining
// the same work list rather than rescanning.
type PendingFileMetadata struct {
	FsID         uint64 `json:"fs_id"`
	Filename     string `json:"filename"`
	RemotePath   string `json:"remote_path"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
}

// FolderMetadata is the persisted shape of one folder transfer, written to
// folders/{folder_id}.json per the persisted-state-layout.
type FolderMetadata struct {
	FolderID   string       `json:"folder_id"`
	Name       string       `json:"name"`
	RemoteRoot string       `json:"remote_root"`
	LocalRoot  string       `json:"local_root"`
	Status     FolderStatus `json:"status"`

	TotalFiles      int   `json:"total_files"`
	TotalSize       int64 `json:"total_size"`
	CreatedCount    int   `json:"created_count"`
	CompletedCount  int   `json:"completed_count"`
	FailedCount     int   `json:"failed_count"`
	TransferredSize int64 `json:"transferred_size"`
	ScanCompleted   bool  `json:"scan_completed"`

	// PendingFiles is the not-yet-started work list, drained in order as
	// subtasks are created. Persisted so a restart resumes the same queue
	// instead of rescanning the remote tree.
	PendingFiles []PendingFileMetadata `json:"pending_files,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func folderDir(dir string) string {
	return filepath.Join(dir, "folders")
}

func folderPathFor(dir, folderID string) string {
	return filepath.Join(folderDir(dir), folderID+".json")
}

// SaveFolderMetadata writes a folder's metadata atomically, creating the
// folders/ subdirectory on first use.
func SaveFolderMetadata(dir string, meta *FolderMetadata) error {
	meta.UpdatedAt = nowFn()
	if err := os.MkdirAll(folderDir(dir), 0700); err != nil {
		return fmt.Errorf("wal: failed to create folders directory: %w", err)
	}

	path := folderPathFor(dir, meta.FolderID)
	tmpPath := path + ".tmp"

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("wal: failed to marshal folder metadata: %w", err)
	}
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("wal: failed to write temp folder metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to rename folder metadata file: %w", err)
	}
	return nil
}

// LoadFolderMetadata loads one folder's metadata file. Returns nil, nil if
// it does not exist.
func LoadFolderMetadata(dir, folderID string) (*FolderMetadata, error) {
	data, err := os.ReadFile(folderPathFor(dir, folderID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: failed to read folder metadata file: %w", err)
	}
	var meta FolderMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("wal: failed to unmarshal folder metadata file: %w", err)
	}
	return &meta, nil
}

// DeleteFolderMetadata removes a folder's metadata file.
func DeleteFolderMetadata(dir, folderID string) error {
	err := os.Remove(folderPathFor(dir, folderID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: failed to delete folder metadata file: %w", err)
	}
	return nil
}

// ScanAllFolders lists every folder's metadata file under dir.
func ScanAllFolders(dir string) ([]*FolderMetadata, error) {
	entries, err := os.ReadDir(folderDir(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: failed to read folders directory: %w", err)
	}
	var out []*FolderMetadata
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		folderID := e.Name()
		if len(folderID) > 5 && folderID[len(folderID)-5:] == ".json" {
			folderID = folderID[:len(folderID)-5]
		}
		meta, err := LoadFolderMetadata(dir, folderID)
		if err != nil || meta == nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}
