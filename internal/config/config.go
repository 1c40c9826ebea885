// Package config holds the single tunables struct every other subsystem is
// constructed from: concurrency caps, retry budgets, WAL/history retention,
// progress throttling, and endpoint-health bounds.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config is the flat tunables struct injected at construction time into the
// scheduler, task manager, transfer engine, endpoint-health manager, folder
// coordinator, and WAL/history GC. GlobalMaxThreads and MaxConcurrentTasks
// may additionally be changed live via SetGlobalMaxThreads/
// SetMaxConcurrentTasks; every other field only takes effect on the next
// process start, matching the common daemon-config split between
// load-once settings and the handful a running daemon can reconfigure.
type Config struct {
	mu sync.RWMutex

	// GlobalMaxThreads caps total concurrent chunk transfers across every
	// task. 0 means auto-detect from host CPU/resource manager.
	GlobalMaxThreads int `json:"global_max_threads"`

	// MaxConcurrentTasks caps how many tasks may be Running at once.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`

	// MaxRetries is the per-chunk retry budget before a task fails.
	MaxRetries int `json:"max_retries"`

	// ChunkSizeBytes is loaded and persisted with the rest of the config,
	// but no component reads it: chunk sizes always come from the per-tier
	// staircase in chunk.TierChunkSize.
	ChunkSizeBytes int64 `json:"chunk_size_bytes"`

	// WALFlushIntervalMs is the period the WAL writer drains its pending
	// chunk-completion buffer to disk.
	WALFlushIntervalMs int `json:"wal_flush_interval_ms"`

	// WALRetentionDays is the GC horizon for orphaned/expired WAL sidecars.
	WALRetentionDays int `json:"wal_retention_days"`

	// HistoryRetentionDays is the GC horizon for the completed-task archive.
	HistoryRetentionDays int `json:"history_retention_days"`

	// ProgressThrottleMs is the minimum spacing between progress events for
	// a single task or folder.
	ProgressThrottleMs int `json:"progress_throttle_ms"`

	// MinAvailableEndpoints is the floor below which the endpoint-health
	// manager refuses to downgrade another endpoint.
	MinAvailableEndpoints int `json:"min_available_endpoints"`

	// EndpointCooldownMinSec/MaxSec bound the exponential-backoff cooldown
	// applied to a downgraded endpoint.
	EndpointCooldownMinSec int `json:"endpoint_cooldown_min_sec"`
	EndpointCooldownMaxSec int `json:"endpoint_cooldown_max_sec"`
}

// New returns the documented production defaults.
func New() *Config {
	return &Config{
		GlobalMaxThreads:       20,
		MaxConcurrentTasks:     8,
		MaxRetries:             3,
		ChunkSizeBytes:         0,
		WALFlushIntervalMs:     500,
		WALRetentionDays:       7,
		HistoryRetentionDays:   365,
		ProgressThrottleMs:     200,
		MinAvailableEndpoints:  2,
		EndpointCooldownMinSec: 10,
		EndpointCooldownMaxSec: 40,
	}
}

// fileShape mirrors Config's JSON-visible fields without its mutex, since
// sync.RWMutex is not (and must not be) marshaled.
type fileShape struct {
	GlobalMaxThreads       int   `json:"global_max_threads"`
	MaxConcurrentTasks     int   `json:"max_concurrent_tasks"`
	MaxRetries             int   `json:"max_retries"`
	ChunkSizeBytes         int64 `json:"chunk_size_bytes"`
	WALFlushIntervalMs     int   `json:"wal_flush_interval_ms"`
	WALRetentionDays       int   `json:"wal_retention_days"`
	HistoryRetentionDays   int   `json:"history_retention_days"`
	ProgressThrottleMs     int   `json:"progress_throttle_ms"`
	MinAvailableEndpoints  int   `json:"min_available_endpoints"`
	EndpointCooldownMinSec int   `json:"endpoint_cooldown_min_sec"`
	EndpointCooldownMaxSec int   `json:"endpoint_cooldown_max_sec"`
}

func (c *Config) toFileShape() fileShape {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fileShape{
		GlobalMaxThreads:       c.GlobalMaxThreads,
		MaxConcurrentTasks:     c.MaxConcurrentTasks,
		MaxRetries:             c.MaxRetries,
		ChunkSizeBytes:         c.ChunkSizeBytes,
		WALFlushIntervalMs:     c.WALFlushIntervalMs,
		WALRetentionDays:       c.WALRetentionDays,
		HistoryRetentionDays:   c.HistoryRetentionDays,
		ProgressThrottleMs:     c.ProgressThrottleMs,
		MinAvailableEndpoints:  c.MinAvailableEndpoints,
		EndpointCooldownMinSec: c.EndpointCooldownMinSec,
		EndpointCooldownMaxSec: c.EndpointCooldownMaxSec,
	}
}

func (c *Config) applyFileShape(s fileShape) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GlobalMaxThreads = s.GlobalMaxThreads
	c.MaxConcurrentTasks = s.MaxConcurrentTasks
	c.MaxRetries = s.MaxRetries
	c.ChunkSizeBytes = s.ChunkSizeBytes
	c.WALFlushIntervalMs = s.WALFlushIntervalMs
	c.WALRetentionDays = s.WALRetentionDays
	c.HistoryRetentionDays = s.HistoryRetentionDays
	c.ProgressThrottleMs = s.ProgressThrottleMs
	c.MinAvailableEndpoints = s.MinAvailableEndpoints
	c.EndpointCooldownMinSec = s.EndpointCooldownMinSec
	c.EndpointCooldownMaxSec = s.EndpointCooldownMaxSec
}

// Load reads path as JSON and overlays NETCORE_*-prefixed environment
// variables on top, falling back to New()'s defaults for any field the
// file and environment both leave unset. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var s fileShape
			if err := json.Unmarshal(data, &s); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
			cfg.applyFileShape(s)
		case os.IsNotExist(err):
			// use defaults
		default:
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// envOverrides lists the NETCORE_ environment variable each field reads
// from, in the same order as fileShape.
var envOverrides = []struct {
	key    string
	target func(*Config, int)
}{
	{"NETCORE_GLOBAL_MAX_THREADS", func(c *Config, v int) { c.GlobalMaxThreads = v }},
	{"NETCORE_MAX_CONCURRENT_TASKS", func(c *Config, v int) { c.MaxConcurrentTasks = v }},
	{"NETCORE_MAX_RETRIES", func(c *Config, v int) { c.MaxRetries = v }},
	{"NETCORE_WAL_FLUSH_INTERVAL_MS", func(c *Config, v int) { c.WALFlushIntervalMs = v }},
	{"NETCORE_WAL_RETENTION_DAYS", func(c *Config, v int) { c.WALRetentionDays = v }},
	{"NETCORE_HISTORY_RETENTION_DAYS", func(c *Config, v int) { c.HistoryRetentionDays = v }},
	{"NETCORE_PROGRESS_THROTTLE_MS", func(c *Config, v int) { c.ProgressThrottleMs = v }},
	{"NETCORE_MIN_AVAILABLE_ENDPOINTS", func(c *Config, v int) { c.MinAvailableEndpoints = v }},
	{"NETCORE_ENDPOINT_COOLDOWN_MIN_SEC", func(c *Config, v int) { c.EndpointCooldownMinSec = v }},
	{"NETCORE_ENDPOINT_COOLDOWN_MAX_SEC", func(c *Config, v int) { c.EndpointCooldownMaxSec = v }},
}

func (c *Config) applyEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range envOverrides {
		raw, ok := os.LookupEnv(o.key)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		o.target(c, v)
	}
	if raw, ok := os.LookupEnv("NETCORE_CHUNK_SIZE_BYTES"); ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			c.ChunkSizeBytes = v
		}
	}
}

// Save writes cfg to path as JSON using a temp-file-then-rename for an
// atomic config-save.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating directory for %s: %w", path, err)
		}
	}

	data, err := json.MarshalIndent(c.toFileShape(), "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: saving %s: %w", path, err)
	}
	return nil
}

// Validate reports whether every tunable is within a sane range.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.GlobalMaxThreads < 0:
		return fmt.Errorf("config: global_max_threads must be >= 0, got %d", c.GlobalMaxThreads)
	case c.MaxConcurrentTasks < 1:
		return fmt.Errorf("config: max_concurrent_tasks must be >= 1, got %d", c.MaxConcurrentTasks)
	case c.MaxRetries < 0:
		return fmt.Errorf("config: max_retries must be >= 0, got %d", c.MaxRetries)
	case c.WALFlushIntervalMs < 1:
		return fmt.Errorf("config: wal_flush_interval_ms must be >= 1, got %d", c.WALFlushIntervalMs)
	case c.WALRetentionDays < 1:
		return fmt.Errorf("config: wal_retention_days must be >= 1, got %d", c.WALRetentionDays)
	case c.HistoryRetentionDays < 1:
		return fmt.Errorf("config: history_retention_days must be >= 1, got %d", c.HistoryRetentionDays)
	case c.ProgressThrottleMs < 1:
		return fmt.Errorf("config: progress_throttle_ms must be >= 1, got %d", c.ProgressThrottleMs)
	case c.MinAvailableEndpoints < 1:
		return fmt.Errorf("config: min_available_endpoints must be >= 1, got %d", c.MinAvailableEndpoints)
	case c.EndpointCooldownMinSec < 1 || c.EndpointCooldownMaxSec < c.EndpointCooldownMinSec:
		return fmt.Errorf("config: endpoint_cooldown_min_sec/max_sec must satisfy 1 <= min <= max, got %d/%d",
			c.EndpointCooldownMinSec, c.EndpointCooldownMaxSec)
	}
	return nil
}

// SnapshotGlobalMaxThreads and SnapshotMaxConcurrentTasks return the
// current value of the two live-updatable fields.
func (c *Config) SnapshotGlobalMaxThreads() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.GlobalMaxThreads
}

func (c *Config) SnapshotMaxConcurrentTasks() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaxConcurrentTasks
}

// SetGlobalMaxThreads records a live update to the global concurrency cap.
// Callers also own pushing this value into the running scheduler (see
// taskmanager.Manager.UpdateMaxThreads) — this method only keeps the
// Config struct itself, and anything persisted from it, in sync.
func (c *Config) SetGlobalMaxThreads(n int) {
	c.mu.Lock()
	c.GlobalMaxThreads = n
	c.mu.Unlock()
}

// SetMaxConcurrentTasks records a live update to the task-slot cap. See
// SetGlobalMaxThreads for the scheduler-propagation note.
func (c *Config) SetMaxConcurrentTasks(n int) {
	c.mu.Lock()
	c.MaxConcurrentTasks = n
	c.mu.Unlock()
}

// WALFlushInterval, ProgressThrottle, and EndpointCooldownBounds convert
// the millisecond/second fields to time.Duration for callers that
// construct other packages' Config/Deps structs from this one.
func (c *Config) WALFlushInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.WALFlushIntervalMs) * time.Millisecond
}

func (c *Config) ProgressThrottle() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.ProgressThrottleMs) * time.Millisecond
}

func (c *Config) EndpointCooldownBounds() (min, max time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.EndpointCooldownMinSec) * time.Second, time.Duration(c.EndpointCooldownMaxSec) * time.Second
}

func (c *Config) WALRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.WALRetentionDays) * 24 * time.Hour
}

func (c *Config) HistoryRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}
