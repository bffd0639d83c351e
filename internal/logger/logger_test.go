package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"offline-sync-engine/internal/config"
)

func TestInitLoggerWritesRotatedFile(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "sync.log")
	require.NoError(t, InitLogger(config.LoggingConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1}))
	Log.Debug("queued", zap.String("entity", "notes"))
	Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"entity":"notes"`)
	assert.Equal(t, zapcore.DebugLevel, Level())
}

func TestInitLoggerRejectsBadConfig(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	assert.Error(t, InitLogger(config.LoggingConfig{Level: "loud"}))
	assert.Error(t, InitLogger(config.LoggingConfig{Level: "info", Format: "xml"}))
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	require.NoError(t, SetLevel("warn"))
	assert.Equal(t, zapcore.WarnLevel, Level())
	require.NoError(t, SetLevel(""))
	assert.Equal(t, zapcore.InfoLevel, Level())
	assert.Error(t, SetLevel("verbose"))
}
