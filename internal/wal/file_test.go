package wal

import (
	"os"
	"testing"
)

func TestFileAppendAndFlushWritesLines(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-file-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	f := Open(tmpDir, "task-1")
	f.Append(Record{ChunkIndex: 0, TimestampMs: 1})
	f.Append(Record{ChunkIndex: 1, TimestampMs: 2})

	if got := f.PendingCount(); got != 2 {
		t.Fatalf("expected 2 pending records, got %d", got)
	}

	if err := f.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := f.PendingCount(); got != 0 {
		t.Fatalf("expected 0 pending records after flush, got %d", got)
	}

	recs, skipped, err := f.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if skipped != 0 {
		t.Errorf("expected no skipped lines, got %d", skipped)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
}

func TestFileFlushWithNothingPendingIsNoop(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-file-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	f := Open(tmpDir, "task-1")
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := os.Stat(f.path); !os.IsNotExist(err) {
		t.Error("expected no WAL file to be created when nothing was pending")
	}
}

func TestFileDeleteRemovesWalFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-file-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	f := Open(tmpDir, "task-1")
	f.Append(Record{ChunkIndex: 0, TimestampMs: 1})
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := f.Delete(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(f.path); !os.IsNotExist(err) {
		t.Error("expected WAL file to be removed")
	}
}

func TestFileDeleteOnMissingFileIsNotAnError(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wal-file-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	f := Open(tmpDir, "never-existed")
	if err := f.Delete(); err != nil {
		t.Errorf("expected no error deleting a missing file, got %v", err)
	}
}
