package config

import (
	"time"
)

type Config struct {
	Databases    DatabasesConfig   `mapstructure:"databases"`
	StateStorage StateStorage      `mapstructure:"state_storage"`
	Sync         SyncConfig        `mapstructure:"sync"`
	Queue        QueueConfig       `mapstructure:"queue"`
	Batch        BatchConfig       `mapstructure:"batch"`
	Scheduler    SchedulerConfig   `mapstructure:"scheduler"`
	Compression  CompressionConfig `mapstructure:"compression"`
	Conflict     ConflictConfig    `mapstructure:"conflict"`
	Network      NetworkConfig     `mapstructure:"network"`
	Server       ServerConfig      `mapstructure:"server"`
	Logging      LoggingConfig     `mapstructure:"logging"`
}

// DatabasesConfig names the capture source (Local) and the backend the
// engine pushes into (Cloud).
type DatabasesConfig struct {
	Local DatabaseConnection `mapstructure:"local"`
	Cloud DatabaseConnection `mapstructure:"cloud"`
}

type DatabaseConnection struct {
	Driver              string `mapstructure:"driver"` // mysql or sqlite
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	FilePath            string `mapstructure:"file_path"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
	ServerID            uint32 `mapstructure:"server_id"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // mysql, sqlite or none
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

type SyncConfig struct {
	Tables          []TableConfig `mapstructure:"tables"`
	Workers         int           `mapstructure:"workers"`
	Realtime        bool          `mapstructure:"realtime"` // capture local changes from the binlog
	BatchInsertSize int           `mapstructure:"batch_insert_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	CycleBatchSize  int           `mapstructure:"cycle_batch_size"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
}

type TableConfig struct {
	Name               string        `mapstructure:"name"`
	Priority           string        `mapstructure:"priority"`
	Strategy           string        `mapstructure:"strategy"`
	ConflictResolution string        `mapstructure:"conflict_resolution"`
	BatchSize          int           `mapstructure:"batch_size"`
	PrimaryKey         string        `mapstructure:"primary_key"`
	TimestampColumn    string        `mapstructure:"timestamp_column"`
	VersionColumn      string        `mapstructure:"version_column"`
	MinInterval        time.Duration `mapstructure:"min_interval"`
	MaxInterval        time.Duration `mapstructure:"max_interval"`
	DefaultInterval    time.Duration `mapstructure:"default_interval"`
	Cron               string        `mapstructure:"cron"`
}

type QueueConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseBackoffDelay  time.Duration `mapstructure:"base_backoff_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	MaxSize           int           `mapstructure:"max_size"`
}

type BatchConfig struct {
	Strategy         string        `mapstructure:"strategy"` // sequential, parallel, chunked, adaptive or auto
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	RetryFailedItems bool          `mapstructure:"retry_failed_items"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	UseNativeBatch   bool          `mapstructure:"use_native_batch"`
	CircuitBreaker   BreakerConfig `mapstructure:"circuit_breaker"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures int           `mapstructure:"consecutive_failures"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	DefaultInterval      time.Duration `mapstructure:"default_interval"`
	AggressiveInterval   time.Duration `mapstructure:"aggressive_interval"`
	ConservativeInterval time.Duration `mapstructure:"conservative_interval"`
	MinInterval          time.Duration `mapstructure:"min_interval"`
	MaxInterval          time.Duration `mapstructure:"max_interval"`
	CriticalCeiling      time.Duration `mapstructure:"critical_ceiling"`
	GrowthFactor         float64       `mapstructure:"growth_factor"`
	ShrinkFactor         float64       `mapstructure:"shrink_factor"`
}

type CompressionConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Algorithm      string  `mapstructure:"algorithm"` // auto or a fixed algorithm
	Level          string  `mapstructure:"level"`
	MinPayloadSize int     `mapstructure:"min_payload_size"`
	MinRatio       float64 `mapstructure:"min_ratio"`
}

type ConflictConfig struct {
	DefaultStrategy string        `mapstructure:"default_strategy"`
	TimestampField  string        `mapstructure:"timestamp_field"`
	VersionField    string        `mapstructure:"version_field"`
	SkewTolerance   time.Duration `mapstructure:"skew_tolerance"`
}

// NetworkConfig seeds the static network monitor. Hosts with real
// connectivity sensing replace the monitor instead.
type NetworkConfig struct {
	Quality string `mapstructure:"quality"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}
