package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"offline-sync-engine/internal/config"
)

// Log is the process logger. It is a no-op until InitLogger is called so
// packages can log unconditionally, including from tests.
var Log = zap.NewNop()

var level = zap.NewAtomicLevelAt(zap.InfoLevel)

func InitLogger(cfg config.LoggingConfig) error {
	if err := SetLevel(cfg.Level); err != nil {
		return err
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	switch cfg.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	sink := zapcore.Lock(os.Stdout)
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	Log = zap.New(zapcore.NewCore(encoder, sink, level), zap.AddCaller())
	return nil
}

// SetLevel changes the level of the running logger without rebuilding it.
func SetLevel(l string) error {
	if l == "" {
		l = "info"
	}
	parsed, err := zapcore.ParseLevel(l)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", l, err)
	}
	level.SetLevel(parsed)
	return nil
}

func Level() zapcore.Level {
	return level.Level()
}

func Sync() {
	_ = Log.Sync()
}
