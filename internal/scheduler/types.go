// Package scheduler decides when each entity syncs. Every entity gets its
// own interval that adapts to how often its data actually changes, how
// reliable recent cycles were, and the quality of the network.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/priority"
)

var (
	ErrUnknownEntity = errors.New("entity is not scheduled")
	ErrBusy          = errors.New("entity is already syncing")
	ErrNotRunning    = errors.New("scheduler is not running")
)

type StrategyType string

const (
	Fixed        StrategyType = "fixed"
	Adaptive     StrategyType = "adaptive"
	Aggressive   StrategyType = "aggressive"
	Conservative StrategyType = "conservative"
)

func ParseStrategyType(s string) (StrategyType, error) {
	switch t := StrategyType(s); t {
	case "":
		return Adaptive, nil
	case Fixed, Adaptive, Aggressive, Conservative:
		return t, nil
	}
	return "", fmt.Errorf("unknown schedule strategy %q", s)
}

// Strategy shapes one entity's schedule. Zero intervals inherit the
// scheduler's Config. A non-empty Cron expression pins the entity to that
// calendar instead of an interval.
type Strategy struct {
	Type            StrategyType  `json:"type"`
	MinInterval     time.Duration `json:"min_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	DefaultInterval time.Duration `json:"default_interval"`
	Cron            string        `json:"cron,omitempty"`
}

// StrategyFromTable builds the strategy declared for a configured table.
func StrategyFromTable(t config.TableConfig) (Strategy, error) {
	typ, err := ParseStrategyType(t.Strategy)
	if err != nil {
		return Strategy{}, err
	}
	return Strategy{
		Type:            typ,
		MinInterval:     t.MinInterval,
		MaxInterval:     t.MaxInterval,
		DefaultInterval: t.DefaultInterval,
		Cron:            t.Cron,
	}, nil
}

type State string

const (
	StateScheduled State = "scheduled"
	StateDue       State = "due"
	StateSyncing   State = "syncing"
)

type Schedule struct {
	Entity   string         `json:"entity"`
	Priority priority.Level `json:"priority"`
	Strategy Strategy       `json:"strategy"`
	Interval time.Duration  `json:"interval"`
	NextDue  time.Time      `json:"next_due"`
	State    State          `json:"state"`
	LastSync time.Time      `json:"last_sync,omitempty"`
}

type Metrics struct {
	TotalSyncs          int           `json:"total_syncs"`
	Successes           int           `json:"successes"`
	Failures            int           `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ConsecutiveIdle     int           `json:"consecutive_idle"`
	SyncsWithChanges    int           `json:"syncs_with_changes"`
	AverageDuration     time.Duration `json:"average_duration"`
	LastDuration        time.Duration `json:"last_duration"`
	LastRecordsChanged  int           `json:"last_records_changed"`
	TotalRecordsChanged int           `json:"total_records_changed"`
	LastError           string        `json:"last_error,omitempty"`
}

// SuccessRate is 1 before the first sync.
func (m Metrics) SuccessRate() float64 {
	if m.TotalSyncs == 0 {
		return 1
	}
	return float64(m.Successes) / float64(m.TotalSyncs)
}

// ChangeRate is the share of successful syncs that found changes.
func (m Metrics) ChangeRate() float64 {
	if m.Successes == 0 {
		return 0
	}
	return float64(m.SyncsWithChanges) / float64(m.Successes)
}

type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

func (i Impact) rank() int {
	switch i {
	case ImpactHigh:
		return 2
	case ImpactMedium:
		return 1
	}
	return 0
}

// Recommendation is advisory; nothing in the engine applies it.
type Recommendation struct {
	Entity           string `json:"entity"`
	Impact           Impact `json:"impact"`
	Description      string `json:"description"`
	SuggestedAction  string `json:"suggested_action"`
	EstimatedSavings string `json:"estimated_savings,omitempty"`
}

// SyncFunc runs one sync cycle for entity and reports how many records it
// changed.
type SyncFunc func(ctx context.Context, entity string) (int, error)

type Config struct {
	DefaultInterval      time.Duration
	AggressiveInterval   time.Duration
	ConservativeInterval time.Duration
	MinInterval          time.Duration
	MaxInterval          time.Duration
	CriticalCeiling      time.Duration
	GrowthFactor         float64
	ShrinkFactor         float64

	// Recommendation thresholds.
	MinSamples       int
	SuccessRateFloor float64
	LowChangeRate    float64
	HighChangeRate   float64
	SlowSync         time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultInterval:      5 * time.Minute,
		AggressiveInterval:   30 * time.Second,
		ConservativeInterval: 30 * time.Minute,
		MinInterval:          15 * time.Second,
		MaxInterval:          2 * time.Hour,
		CriticalCeiling:      2 * time.Minute,
		GrowthFactor:         1.5,
		ShrinkFactor:         0.5,
		MinSamples:           3,
		SuccessRateFloor:     0.8,
		LowChangeRate:        0.1,
		HighChangeRate:       0.8,
		SlowSync:             30 * time.Second,
	}
}

// ConfigFrom overlays the configured scheduler section on the defaults.
func ConfigFrom(c config.SchedulerConfig) (Config, error) {
	cfg := DefaultConfig()
	set := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	set(&cfg.DefaultInterval, c.DefaultInterval)
	set(&cfg.AggressiveInterval, c.AggressiveInterval)
	set(&cfg.ConservativeInterval, c.ConservativeInterval)
	set(&cfg.MinInterval, c.MinInterval)
	set(&cfg.MaxInterval, c.MaxInterval)
	set(&cfg.CriticalCeiling, c.CriticalCeiling)
	if c.GrowthFactor > 0 {
		cfg.GrowthFactor = c.GrowthFactor
	}
	if c.ShrinkFactor > 0 {
		cfg.ShrinkFactor = c.ShrinkFactor
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.MinInterval <= 0:
		return errors.New("scheduler: min interval must be positive")
	case c.MaxInterval < c.MinInterval:
		return errors.New("scheduler: max interval is below min interval")
	case c.DefaultInterval < c.MinInterval || c.DefaultInterval > c.MaxInterval:
		return errors.New("scheduler: default interval must lie within [min, max]")
	case c.CriticalCeiling < c.MinInterval:
		return errors.New("scheduler: critical ceiling is below min interval")
	case c.GrowthFactor <= 1:
		return errors.New("scheduler: growth factor must be greater than 1")
	case c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1:
		return errors.New("scheduler: shrink factor must be in (0, 1)")
	case c.SuccessRateFloor < 0 || c.SuccessRateFloor > 1:
		return errors.New("scheduler: success rate floor must be in [0, 1]")
	}
	return nil
}

// resolve fills the strategy's zero fields from cfg and checks it.
func (c Config) resolve(s Strategy) (Strategy, cron.Schedule, error) {
	if s.Type == "" {
		s.Type = Adaptive
	}
	if _, err := ParseStrategyType(string(s.Type)); err != nil {
		return s, nil, err
	}
	if s.MinInterval <= 0 {
		s.MinInterval = c.MinInterval
	}
	if s.MaxInterval <= 0 {
		s.MaxInterval = c.MaxInterval
	}
	if s.MaxInterval < s.MinInterval {
		return s, nil, fmt.Errorf("max interval %s is below min interval %s", s.MaxInterval, s.MinInterval)
	}
	if s.DefaultInterval <= 0 {
		switch s.Type {
		case Aggressive:
			s.DefaultInterval = c.AggressiveInterval
		case Conservative:
			s.DefaultInterval = c.ConservativeInterval
		default:
			s.DefaultInterval = c.DefaultInterval
		}
	}
	s.DefaultInterval = clamp(s.DefaultInterval, s.MinInterval, s.MaxInterval)

	if s.Cron == "" {
		return s, nil, nil
	}
	spec, err := cron.ParseStandard(s.Cron)
	if err != nil {
		return s, nil, fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
	}
	return s, spec, nil
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}
