package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/baiducore/netcore/internal/wal"
)

func TestCleanupCompletedArchivesAndDeletes(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recovery-cleanup-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	meta := &wal.TaskMetadata{TaskID: "done-1", TaskType: wal.TaskTypeDownload, Status: wal.StatusCompleted}
	if err := wal.SaveTaskMetadata(tmpDir, meta); err != nil {
		t.Fatalf("SaveTaskMetadata failed: %v", err)
	}

	history, err := wal.OpenHistory(filepath.Join(tmpDir, "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	defer history.Close()

	cleaned := CleanupCompleted(tmpDir, history, []string{"done-1"}, nil)
	if cleaned != 1 {
		t.Fatalf("expected 1 cleaned task, got %d", cleaned)
	}

	if loaded, _ := wal.LoadTaskMetadata(tmpDir, "done-1"); loaded != nil {
		t.Error("expected metadata to be deleted")
	}
	if _, found, _ := history.Get("done-1"); !found {
		t.Error("expected task to be archived to history before deletion")
	}
}

func TestCleanupCompletedToleratesAlreadyMissingMetadata(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recovery-cleanup-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cleaned := CleanupCompleted(tmpDir, nil, []string{"never-existed"}, nil)
	if cleaned != 1 {
		t.Errorf("expected DeleteTaskFiles on a missing task to still count as cleaned, got %d", cleaned)
	}
}

func TestCleanupInvalidRemovesFilesWithoutArchiving(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recovery-cleanup-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	meta := &wal.TaskMetadata{TaskID: "bad-1", TaskType: wal.TaskTypeUpload}
	if err := wal.SaveTaskMetadata(tmpDir, meta); err != nil {
		t.Fatalf("SaveTaskMetadata failed: %v", err)
	}

	cleaned := CleanupInvalid(tmpDir, []string{"bad-1"}, nil)
	if cleaned != 1 {
		t.Fatalf("expected 1 cleaned task, got %d", cleaned)
	}
	if loaded, _ := wal.LoadTaskMetadata(tmpDir, "bad-1"); loaded != nil {
		t.Error("expected metadata to be deleted")
	}
}
