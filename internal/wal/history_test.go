package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHistoryArchiveAndGet(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-history-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	h, err := OpenHistory(filepath.Join(tmpDir, "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	defer h.Close()

	meta := &TaskMetadata{TaskID: "task-1", Status: StatusCompleted, CompletedAt: time.Now()}
	if err := h.Archive(meta); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	loaded, found, err := h.Get("task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("expected archived task to be found")
	}
	if loaded.TaskID != "task-1" {
		t.Errorf("expected task-1, got %q", loaded.TaskID)
	}
}

func TestHistoryArchiveDuplicateIsNoop(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-history-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	h, err := OpenHistory(filepath.Join(tmpDir, "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	defer h.Close()

	first := &TaskMetadata{TaskID: "task-1", Status: StatusCompleted, ErrorMsg: "first"}
	second := &TaskMetadata{TaskID: "task-1", Status: StatusCompleted, ErrorMsg: "second"}

	if err := h.Archive(first); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if err := h.Archive(second); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	loaded, _, err := h.Get("task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.ErrorMsg != "first" {
		t.Errorf("expected the first archived record to win, got %q", loaded.ErrorMsg)
	}
}

func TestHistoryGetMissingReturnsNotFound(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-history-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	h, err := OpenHistory(filepath.Join(tmpDir, "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	defer h.Close()

	_, found, err := h.Get("missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("expected not found")
	}
}

func TestHistoryPruneOlderThanRemovesExpiredEntries(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-history-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	h, err := OpenHistory(filepath.Join(tmpDir, "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	defer h.Close()

	old := &TaskMetadata{TaskID: "old-task", Status: StatusCompleted, CompletedAt: time.Now().Add(-400 * 24 * time.Hour)}
	recent := &TaskMetadata{TaskID: "recent-task", Status: StatusCompleted, CompletedAt: time.Now()}
	if err := h.Archive(old); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if err := h.Archive(recent); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	pruned, err := h.PruneOlderThan(365 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("PruneOlderThan failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned entry, got %d", pruned)
	}

	if _, found, _ := h.Get("old-task"); found {
		t.Error("expected old-task to be pruned")
	}
	if _, found, _ := h.Get("recent-task"); !found {
		t.Error("expected recent-task to survive")
	}
}
