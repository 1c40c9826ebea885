package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReturnsDocumentedDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, 20, cfg.GlobalMaxThreads)
	assert.Equal(t, 8, cfg.MaxConcurrentTasks)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500, cfg.WALFlushIntervalMs)
	assert.Equal(t, 7, cfg.WALRetentionDays)
	assert.Equal(t, 365, cfg.HistoryRetentionDays)
	assert.Equal(t, 200, cfg.ProgressThrottleMs)
	assert.Equal(t, 2, cfg.MinAvailableEndpoints)
	assert.Equal(t, 10, cfg.EndpointCooldownMinSec)
	assert.Equal(t, 40, cfg.EndpointCooldownMaxSec)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, New().GlobalMaxThreads, cfg.GlobalMaxThreads)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New()
	cfg.GlobalMaxThreads = 32
	cfg.MaxConcurrentTasks = 10
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, loaded.GlobalMaxThreads)
	assert.Equal(t, 10, loaded.MaxConcurrentTasks)
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv("NETCORE_GLOBAL_MAX_THREADS", "64")
	t.Setenv("NETCORE_MAX_RETRIES", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.GlobalMaxThreads)
	assert.Equal(t, 9, cfg.MaxRetries)
}

func TestLoadEnvironmentOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New()
	cfg.GlobalMaxThreads = 5
	require.NoError(t, cfg.Save(path))

	t.Setenv("NETCORE_GLOBAL_MAX_THREADS", "99")
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 99, loaded.GlobalMaxThreads)
}

func TestValidateRejectsOutOfRangeFields(t *testing.T) {
	cfg := New()
	cfg.MaxConcurrentTasks = 0
	assert.Error(t, cfg.Validate())

	cfg = New()
	cfg.EndpointCooldownMaxSec = 1
	cfg.EndpointCooldownMinSec = 10
	assert.Error(t, cfg.Validate())
}

func TestSetGlobalMaxThreadsAndMaxConcurrentTasksAreLiveUpdatable(t *testing.T) {
	cfg := New()
	cfg.SetGlobalMaxThreads(40)
	cfg.SetMaxConcurrentTasks(12)
	assert.Equal(t, 40, cfg.SnapshotGlobalMaxThreads())
	assert.Equal(t, 12, cfg.SnapshotMaxConcurrentTasks())
}

func TestDurationConversionHelpers(t *testing.T) {
	cfg := New()
	assert.Equal(t, 500, int(cfg.WALFlushInterval().Milliseconds()))
	assert.Equal(t, 200, int(cfg.ProgressThrottle().Milliseconds()))
	min, max := cfg.EndpointCooldownBounds()
	assert.Equal(t, int64(10), int64(min.Seconds()))
	assert.Equal(t, int64(40), int64(max.Seconds()))
	assert.Equal(t, 7, int(cfg.WALRetention().Hours()/24))
	assert.Equal(t, 365, int(cfg.HistoryRetention().Hours()/24))
}
