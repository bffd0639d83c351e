package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"offline-sync-engine/internal/backend"
	"offline-sync-engine/internal/config"
)

type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Operation is one record-level call. Data is required for create and
// update; EntityID for update and delete.
type Operation struct {
	ID         string         `json:"id"`
	Type       OpType         `json:"type"`
	Collection string         `json:"collection"`
	EntityID   string         `json:"entity_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type OperationResult struct {
	Operation Operation      `json:"operation"`
	Result    backend.Result `json:"result"`
	Attempts  int            `json:"attempts"`
	Duration  time.Duration  `json:"duration"`
}

func (r OperationResult) Success() bool { return r.Result.Err == nil }

func (r OperationResult) Err() error { return r.Result.Err }

// Result aggregates one ExecuteBatch call. Results are in operation order.
type Result struct {
	Results         []OperationResult `json:"results"`
	Total           int               `json:"total"`
	Succeeded       int               `json:"succeeded"`
	Failed          int               `json:"failed"`
	Duration        time.Duration     `json:"duration"`
	PeakConcurrency int               `json:"peak_concurrency"`
	Strategy        StrategyType      `json:"strategy"`
}

func (r *Result) SuccessRate() float64 {
	if r.Total == 0 {
		return 1
	}
	return float64(r.Succeeded) / float64(r.Total)
}

// AverageOpTime is the mean time spent per operation, retries included.
func (r *Result) AverageOpTime() time.Duration {
	if len(r.Results) == 0 {
		return 0
	}
	total := lo.SumBy(r.Results, func(or OperationResult) time.Duration { return or.Duration })
	return total / time.Duration(len(r.Results))
}

func (r *Result) Failures() []OperationResult {
	return lo.Filter(r.Results, func(or OperationResult, _ int) bool { return !or.Success() })
}

type StrategyType string

const (
	Sequential StrategyType = "sequential"
	Parallel   StrategyType = "parallel"
	Chunked    StrategyType = "chunked"
	Adaptive   StrategyType = "adaptive"
)

type Strategy struct {
	Type             StrategyType  `json:"type"`
	MaxConcurrency   int           `json:"max_concurrency"`
	ChunkSize        int           `json:"chunk_size"`
	RetryFailedItems bool          `json:"retry_failed_items"`
	MaxRetries       int           `json:"max_retries"`
	RetryDelay       time.Duration `json:"retry_delay"`
	// UseNativeBatch sends same collection, same type operations through the
	// backend's batch calls.
	UseNativeBatch bool `json:"use_native_batch"`
}

func DefaultStrategy() Strategy {
	return Strategy{
		Type:             Parallel,
		MaxConcurrency:   8,
		ChunkSize:        25,
		RetryFailedItems: true,
		MaxRetries:       2,
		RetryDelay:       200 * time.Millisecond,
	}
}

func (s Strategy) Validate() error {
	switch s.Type {
	case Sequential, Parallel, Chunked, Adaptive:
	default:
		return fmt.Errorf("batch: unknown strategy %q", s.Type)
	}
	if s.MaxConcurrency < 1 {
		return errors.New("batch: max concurrency must be at least 1")
	}
	if s.ChunkSize < 1 {
		return errors.New("batch: chunk size must be at least 1")
	}
	if s.MaxRetries < 0 || s.RetryDelay < 0 {
		return errors.New("batch: retry settings must not be negative")
	}
	return nil
}

// StrategyFromConfig translates the file configuration. auto is true when
// the strategy should come from OptimizeBatchStrategy instead.
func StrategyFromConfig(c config.BatchConfig) (s Strategy, auto bool) {
	s = Strategy{
		Type:             StrategyType(c.Strategy),
		MaxConcurrency:   c.MaxConcurrency,
		ChunkSize:        c.ChunkSize,
		RetryFailedItems: c.RetryFailedItems,
		MaxRetries:       c.MaxRetries,
		RetryDelay:       c.RetryDelay,
		UseNativeBatch:   c.UseNativeBatch,
	}
	return s, c.Strategy == "auto" || c.Strategy == ""
}

// ProgressFunc receives (completed, total) after every operation settles.
type ProgressFunc func(completed, total int)
