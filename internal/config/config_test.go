package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcore/core/internal/config"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.WorkerPoolSize)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, "memory", cfg.EventBackend)
	assert.NoError(t, cfg.Validate())
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
worker_pool_size: 42
dlq_auto_retry_enabled: true
event_backend: distributed
`), 0o644))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.WorkerPoolSize)
	assert.True(t, cfg.DLQAutoRetryEnabled)
	assert.Equal(t, "distributed", cfg.EventBackend)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`worker_pool_size: 42`), 0o644))
	t.Setenv("RUNCORE_WORKER_POOL_SIZE", "7")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.WorkerPoolSize)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.EventBackend = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}
