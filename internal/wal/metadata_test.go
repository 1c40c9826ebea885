package wal

import (
	"os"
	"testing"
	"time"
)

func TestSaveLoadTaskMetadataRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-metadata-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	meta := &TaskMetadata{
		TaskID:      "task-abc",
		TaskType:    TaskTypeDownload,
		CreatedAt:   time.Now(),
		Status:      StatusTransferring,
		FsID:        99,
		RemotePath:  "/movies/a.mp4",
		LocalPath:   "/tmp/a.mp4",
		FileSize:    1024,
		ChunkSize:   256,
		TotalChunks: 4,
	}

	if err := SaveTaskMetadata(tmpDir, meta); err != nil {
		t.Fatalf("SaveTaskMetadata failed: %v", err)
	}

	loaded, err := LoadTaskMetadata(tmpDir, "task-abc")
	if err != nil {
		t.Fatalf("LoadTaskMetadata failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected metadata, got nil")
	}
	if loaded.RemotePath != meta.RemotePath || loaded.TotalChunks != meta.TotalChunks {
		t.Errorf("round trip mismatch: got %+v", loaded)
	}
}

func TestLoadTaskMetadataMissingReturnsNilNil(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-metadata-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	meta, err := LoadTaskMetadata(tmpDir, "missing-task")
	if err != nil {
		t.Fatalf("expected no error for missing metadata, got %v", err)
	}
	if meta != nil {
		t.Errorf("expected nil metadata, got %+v", meta)
	}
}

func TestDeleteTaskFilesRemovesBoth(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-metadata-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	meta := &TaskMetadata{TaskID: "task-xyz", TaskType: TaskTypeUpload, Status: StatusCompleted}
	if err := SaveTaskMetadata(tmpDir, meta); err != nil {
		t.Fatalf("SaveTaskMetadata failed: %v", err)
	}
	f := Open(tmpDir, "task-xyz")
	f.Append(Record{ChunkIndex: 0, TimestampMs: 1})
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if err := DeleteTaskFiles(tmpDir, "task-xyz"); err != nil {
		t.Fatalf("DeleteTaskFiles failed: %v", err)
	}

	if loaded, _ := LoadTaskMetadata(tmpDir, "task-xyz"); loaded != nil {
		t.Error("expected metadata file to be removed")
	}
	if _, err := os.Stat(PathFor(tmpDir, "task-xyz")); !os.IsNotExist(err) {
		t.Error("expected wal file to be removed")
	}
}

func TestScanAllMetadataFindsEveryTask(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-metadata-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	for _, id := range []string{"a", "b", "c"} {
		meta := &TaskMetadata{TaskID: id, TaskType: TaskTypeDownload, Status: StatusPending}
		if err := SaveTaskMetadata(tmpDir, meta); err != nil {
			t.Fatalf("SaveTaskMetadata failed: %v", err)
		}
	}

	found, err := ScanAllMetadata(tmpDir)
	if err != nil {
		t.Fatalf("ScanAllMetadata failed: %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(found))
	}
}
