package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.BaseBackoffDelay)
	assert.Equal(t, "auto", cfg.Batch.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.DefaultInterval)
	assert.Equal(t, "merge", cfg.Conflict.DefaultStrategy)
	assert.Equal(t, "none", cfg.StateStorage.Type)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
queue:
  max_attempts: 3
  base_backoff_delay: 250ms
scheduler:
  min_interval: 10s
  max_interval: 1h
sync:
  tables:
    - name: notes
      priority: critical
      strategy: adaptive
      conflict_resolution: timestamp_wins
      timestamp_column: modified_at
logging:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.BaseBackoffDelay)
	assert.Equal(t, time.Hour, cfg.Scheduler.MaxInterval)
	require.Len(t, cfg.Sync.Tables, 1)
	assert.Equal(t, "critical", cfg.Sync.Tables[0].Priority)
	assert.Equal(t, "modified_at", cfg.Sync.Tables[0].TimestampColumn)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("SYNC_QUEUE_MAX_ATTEMPTS", "9")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Queue.MaxAttempts)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
queue:
  max_attempts: 0
batch:
  strategy: turbo
sync:
  tables:
    - name: notes
    - name: notes
      priority: urgent
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.max_attempts")
	assert.Contains(t, err.Error(), "batch.strategy")
	assert.Contains(t, err.Error(), "duplicate table")
	assert.Contains(t, err.Error(), "urgent")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestServerTimeouts(t *testing.T) {
	s := ServerConfig{ReadTimeout: "3s", WriteTimeout: "bogus"}
	assert.Equal(t, 3*time.Second, s.GetReadTimeout())
	assert.Zero(t, s.GetWriteTimeout())
}
