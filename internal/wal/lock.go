package wal

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockStaleTimeout is how long an upload lock can be held before it is
// considered abandoned.
const LockStaleTimeout = 30 * time.Minute

// UploadLock is a process-level guard against two processes resuming the
// same in-progress upload (the two-phase precreate/upload/create commit
// is not safe to run concurrently for one task).
type UploadLock struct {
	path       string
	processID  int
	acquiredAt time.Time
}

type lockState struct {
	ProcessID  int       `json:"process_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	TaskID     string    `json:"task_id"`
}

func lockPathFor(dir, taskID string) string {
	return filepath.Join(dir, taskID+".lock")
}

// AcquireUploadLock attempts to take the lock for taskID, stealing a
// stale lock (expired timeout, or owning process no longer running).
func AcquireUploadLock(dir, taskID string) (*UploadLock, error) {
	path := lockPathFor(dir, taskID)
	currentPID := os.Getpid()

	if data, err := os.ReadFile(path); err == nil {
		var existing lockState
		if json.Unmarshal(data, &existing) == nil {
			age := nowFn().Sub(existing.AcquiredAt)
			if age < LockStaleTimeout && isProcessRunning(existing.ProcessID) && existing.ProcessID != currentPID {
				return nil, fmt.Errorf("wal: task %s locked by another process (PID %d)", taskID, existing.ProcessID)
			}
		}
		os.Remove(path)
	}

	newLock := lockState{ProcessID: currentPID, AcquiredAt: nowFn(), TaskID: taskID}
	data, err := json.Marshal(newLock)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to marshal lock state: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return nil, fmt.Errorf("wal: failed to write lock file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("wal: failed to create lock file: %w", err)
	}

	return &UploadLock{path: path, processID: currentPID, acquiredAt: newLock.AcquiredAt}, nil
}

// Release drops the lock, but only if this process still owns it — a
// second process that stole a stale lock must not have its own lock
// clobbered by the original holder's late release.
func (l *UploadLock) Release() {
	if l == nil {
		return
	}
	if data, err := os.ReadFile(l.path); err == nil {
		var current lockState
		if json.Unmarshal(data, &current) == nil && current.ProcessID != l.processID {
			return
		}
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		log.Printf("wal: failed to release upload lock for %s: %v", l.path, err)
	}
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
