package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/baiducore/netcore/internal/wal"
)

func TestScanClassifiesDownloadAsRecoverable(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recovery-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	meta := &wal.TaskMetadata{
		TaskID:      "dl-1",
		TaskType:    wal.TaskTypeDownload,
		CreatedAt:   time.Now(),
		FsID:        42,
		LocalPath:   filepath.Join(tmpDir, "out.bin"),
		FileSize:    1024,
		ChunkSize:   256,
		TotalChunks: 4,
	}
	if err := wal.SaveTaskMetadata(tmpDir, meta); err != nil {
		t.Fatalf("SaveTaskMetadata failed: %v", err)
	}
	f := wal.Open(tmpDir, "dl-1")
	f.Append(wal.Record{ChunkIndex: 0, TimestampMs: 1})
	f.Append(wal.Record{ChunkIndex: 1, TimestampMs: 2})
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	result, err := Scan(tmpDir, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(result.DownloadTasks) != 1 {
		t.Fatalf("expected 1 recoverable download task, got %d", len(result.DownloadTasks))
	}
	rt := result.DownloadTasks[0]
	if rt.CompletedCount() != 2 {
		t.Errorf("expected 2 completed chunks, got %d", rt.CompletedCount())
	}
	pending := rt.PendingChunks()
	if len(pending) != 2 || pending[0] != 2 || pending[1] != 3 {
		t.Errorf("expected pending chunks [2 3], got %v", pending)
	}
}

func TestScanMarksFullyCompletedTaskForCleanup(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recovery-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	meta := &wal.TaskMetadata{
		TaskID:      "dl-2",
		TaskType:    wal.TaskTypeDownload,
		FsID:        1,
		LocalPath:   filepath.Join(tmpDir, "out.bin"),
		FileSize:    512,
		ChunkSize:   256,
		TotalChunks: 2,
	}
	if err := wal.SaveTaskMetadata(tmpDir, meta); err != nil {
		t.Fatalf("SaveTaskMetadata failed: %v", err)
	}
	f := wal.Open(tmpDir, "dl-2")
	f.Append(wal.Record{ChunkIndex: 0, TimestampMs: 1})
	f.Append(wal.Record{ChunkIndex: 1, TimestampMs: 2})
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	result, err := Scan(tmpDir, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(result.DownloadTasks) != 0 {
		t.Errorf("expected no recoverable download tasks, got %d", len(result.DownloadTasks))
	}
	if len(result.CompletedTaskIDs) != 1 || result.CompletedTaskIDs[0] != "dl-2" {
		t.Errorf("expected dl-2 in CompletedTaskIDs, got %v", result.CompletedTaskIDs)
	}
}

func TestScanMarksUploadWithMissingSourceAsInvalid(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recovery-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	meta := &wal.TaskMetadata{
		TaskID:      "up-1",
		TaskType:    wal.TaskTypeUpload,
		SourcePath:  filepath.Join(tmpDir, "never-existed.bin"),
		FileSize:    1024,
		ChunkSize:   256,
		TotalChunks: 4,
	}
	if err := wal.SaveTaskMetadata(tmpDir, meta); err != nil {
		t.Fatalf("SaveTaskMetadata failed: %v", err)
	}

	result, err := Scan(tmpDir, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(result.UploadTasks) != 0 {
		t.Errorf("expected no recoverable upload tasks, got %d", len(result.UploadTasks))
	}
	if len(result.InvalidTaskIDs) != 1 || result.InvalidTaskIDs[0] != "up-1" {
		t.Errorf("expected up-1 in InvalidTaskIDs, got %v", result.InvalidTaskIDs)
	}
}

func TestScanRecoversUploadWithChunkMD5s(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recovery-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	sourcePath := filepath.Join(tmpDir, "source.bin")
	if err := os.WriteFile(sourcePath, make([]byte, 1024), 0600); err != nil {
		t.Fatalf("failed to seed source file: %v", err)
	}

	meta := &wal.TaskMetadata{
		TaskID:      "up-2",
		TaskType:    wal.TaskTypeUpload,
		SourcePath:  sourcePath,
		FileSize:    1024,
		ChunkSize:   256,
		TotalChunks: 4,
	}
	if err := wal.SaveTaskMetadata(tmpDir, meta); err != nil {
		t.Fatalf("SaveTaskMetadata failed: %v", err)
	}
	f := wal.Open(tmpDir, "up-2")
	f.Append(wal.Record{ChunkIndex: 0, MD5: "abc123", TimestampMs: 1})
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	result, err := Scan(tmpDir, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(result.UploadTasks) != 1 {
		t.Fatalf("expected 1 recoverable upload task, got %d", len(result.UploadTasks))
	}
	rt := result.UploadTasks[0]
	if rt.ChunkMD5s[0] != "abc123" {
		t.Errorf("expected chunk 0 md5 abc123, got %q", rt.ChunkMD5s[0])
	}
}

func TestRecoveredTaskChunkManagerRestoresCompletedChunks(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recovery-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	meta := &wal.TaskMetadata{
		TaskID:      "dl-3",
		TaskType:    wal.TaskTypeDownload,
		FsID:        1,
		LocalPath:   filepath.Join(tmpDir, "out.bin"),
		FileSize:    1024,
		ChunkSize:   256,
		TotalChunks: 4,
	}
	rt := &RecoveredTask{Metadata: meta, CompletedChunks: map[int]bool{0: true, 2: true}}
	mgr := rt.ChunkManager()
	if mgr.CompletedCount() != 2 {
		t.Errorf("expected 2 completed chunks restored, got %d", mgr.CompletedCount())
	}
}
