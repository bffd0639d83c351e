package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "SYNC"

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_storage.type", "none")

	v.SetDefault("sync.workers", 2)
	v.SetDefault("sync.batch_insert_size", 100)
	v.SetDefault("sync.flush_interval", 500*time.Millisecond)
	v.SetDefault("sync.cycle_batch_size", 200)
	v.SetDefault("sync.cycle_timeout", 2*time.Minute)

	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.base_backoff_delay", time.Second)
	v.SetDefault("queue.backoff_multiplier", 2.0)
	v.SetDefault("queue.backoff_cap", 5*time.Minute)
	v.SetDefault("queue.max_size", 100000)

	v.SetDefault("batch.strategy", "auto")
	v.SetDefault("batch.max_concurrency", 8)
	v.SetDefault("batch.chunk_size", 25)
	v.SetDefault("batch.retry_failed_items", true)
	v.SetDefault("batch.max_retries", 2)
	v.SetDefault("batch.retry_delay", 200*time.Millisecond)
	v.SetDefault("batch.circuit_breaker.consecutive_failures", 5)
	v.SetDefault("batch.circuit_breaker.timeout", 10*time.Second)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.default_interval", 5*time.Minute)
	v.SetDefault("scheduler.aggressive_interval", 30*time.Second)
	v.SetDefault("scheduler.conservative_interval", 30*time.Minute)
	v.SetDefault("scheduler.min_interval", 15*time.Second)
	v.SetDefault("scheduler.max_interval", 2*time.Hour)
	v.SetDefault("scheduler.critical_ceiling", 2*time.Minute)
	v.SetDefault("scheduler.growth_factor", 1.5)
	v.SetDefault("scheduler.shrink_factor", 0.5)

	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.algorithm", "auto")
	v.SetDefault("compression.level", "default")
	v.SetDefault("compression.min_payload_size", 1024)
	v.SetDefault("compression.min_ratio", 1.1)

	v.SetDefault("conflict.default_strategy", "merge")
	v.SetDefault("conflict.timestamp_field", "updated_at")
	v.SetDefault("conflict.version_field", "version")
	v.SetDefault("conflict.skew_tolerance", time.Second)

	v.SetDefault("network.quality", "good")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// LoadConfig reads path (any format viper understands) on top of the
// defaults. SYNC_* environment variables override file values. An empty path
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads path whenever it changes on disk and hands every valid
// result to onChange. Invalid edits are reported to onError and otherwise
// ignored so a typo never takes the running config away.
func Watch(path string, onChange func(*Config), onError func(error)) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		onError(err)
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

var (
	batchStrategies    = []string{"auto", "sequential", "parallel", "chunked", "adaptive"}
	scheduleStrategies = []string{"", "fixed", "adaptive", "aggressive", "conservative"}
	conflictStrategies = []string{"", "client_wins", "server_wins", "timestamp_wins", "version_wins", "merge", "manual", "custom"}
	priorities         = []string{"", "low", "normal", "high", "critical"}
	qualities          = []string{"offline", "poor", "moderate", "good", "excellent"}
	storageTypes       = []string{"none", "mysql", "sqlite"}
)

func oneOf(field, val string, allowed []string) error {
	for _, a := range allowed {
		if val == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %v", field, val, allowed)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(oneOf("state_storage.type", c.StateStorage.Type, storageTypes))
	add(oneOf("batch.strategy", c.Batch.Strategy, batchStrategies))
	add(oneOf("conflict.default_strategy", c.Conflict.DefaultStrategy, conflictStrategies))
	add(oneOf("network.quality", c.Network.Quality, qualities))

	if c.Queue.MaxAttempts < 1 {
		add(errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.BaseBackoffDelay <= 0 || c.Queue.BackoffCap < c.Queue.BaseBackoffDelay {
		add(errors.New("queue backoff requires 0 < base_backoff_delay <= backoff_cap"))
	}
	if c.Queue.BackoffMultiplier < 1 {
		add(errors.New("queue.backoff_multiplier must be >= 1"))
	}
	if c.Batch.MaxConcurrency < 1 || c.Batch.ChunkSize < 1 {
		add(errors.New("batch.max_concurrency and batch.chunk_size must be positive"))
	}
	if c.Scheduler.MinInterval <= 0 || c.Scheduler.MaxInterval < c.Scheduler.MinInterval {
		add(errors.New("scheduler requires 0 < min_interval <= max_interval"))
	}
	if c.Sync.Workers < 1 {
		add(errors.New("sync.workers must be at least 1"))
	}

	seen := make(map[string]bool, len(c.Sync.Tables))
	for i, t := range c.Sync.Tables {
		if t.Name == "" {
			add(fmt.Errorf("sync.tables[%d]: name is required", i))
			continue
		}
		if seen[t.Name] {
			add(fmt.Errorf("sync.tables[%d]: duplicate table %q", i, t.Name))
		}
		seen[t.Name] = true
		add(oneOf(fmt.Sprintf("sync.tables[%d].priority", i), t.Priority, priorities))
		add(oneOf(fmt.Sprintf("sync.tables[%d].strategy", i), t.Strategy, scheduleStrategies))
		add(oneOf(fmt.Sprintf("sync.tables[%d].conflict_resolution", i), t.ConflictResolution, conflictStrategies))
	}

	return errors.Join(errs...)
}
