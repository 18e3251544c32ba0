package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg)

	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, DefaultPoolCapacity, cfg.PoolCapacity)
	assert.Equal(t, DefaultQueueDepth, cfg.QueueDepth)
	assert.Equal(t, 30*time.Second, cfg.TaskTimeout)
	assert.True(t, cfg.Headless)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "browserd.yaml")
	content := `
listen_addr: ":9090"
pool_capacity: 8
queue_depth: 2
task_timeout: 10s
warmup_count: 3
denied_urls:
  - "*://localhost*"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.PoolCapacity)
	assert.Equal(t, 2, cfg.QueueDepth)
	assert.Equal(t, 10*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 3, cfg.WarmupCount)
	assert.Equal(t, []string{"*://localhost*"}, cfg.DeniedURLs)

	// Values absent from the file keep their defaults.
	assert.Equal(t, DefaultIdleTTL, cfg.IdleTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/browserd.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [broken"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("BROWSERD_LISTEN_ADDR", ":8081")
	t.Setenv("BROWSERD_POOL_CAPACITY", "6")
	t.Setenv("BROWSERD_TASK_TIMEOUT", "45s")
	t.Setenv("BROWSERD_HEADLESS", "false")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, ":8081", cfg.ListenAddr)
	assert.Equal(t, 6, cfg.PoolCapacity)
	assert.Equal(t, 45*time.Second, cfg.TaskTimeout)
	assert.False(t, cfg.Headless)
}

func TestApplyEnv_Invalid(t *testing.T) {
	t.Setenv("BROWSERD_POOL_CAPACITY", "many")

	cfg := Default()
	err := cfg.ApplyEnv()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "BROWSERD_POOL_CAPACITY")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero capacity",
			mutate:  func(c *Config) { c.PoolCapacity = 0 },
			wantErr: "pool_capacity",
		},
		{
			name:    "negative queue depth",
			mutate:  func(c *Config) { c.QueueDepth = -1 },
			wantErr: "queue_depth",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.TaskTimeout = 0 },
			wantErr: "task_timeout",
		},
		{
			name:    "warmup exceeds capacity",
			mutate:  func(c *Config) { c.WarmupCount = c.PoolCapacity + 1 },
			wantErr: "warmup_count",
		},
		{
			name:    "zero viewport",
			mutate:  func(c *Config) { c.ViewportWidth = 0 },
			wantErr: "viewport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
