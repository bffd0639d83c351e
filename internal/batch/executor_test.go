package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"offline-sync-engine/internal/backend"
	"offline-sync-engine/internal/network"
	"offline-sync-engine/internal/syncerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func creates(n int) []Operation {
	ops := make([]Operation, n)
	for i := range ops {
		id := fmt.Sprintf("r%02d", i)
		ops[i] = Operation{ID: id, Type: OpCreate, Collection: "notes", EntityID: id, Data: map[string]any{"n": i}}
	}
	return ops
}

func strategy(t StrategyType, conc int) Strategy {
	s := DefaultStrategy()
	s.Type = t
	s.MaxConcurrency = conc
	s.ChunkSize = 4
	s.RetryDelay = time.Millisecond
	return s
}

type progressLog struct {
	mu    sync.Mutex
	calls [][2]int
}

func (p *progressLog) fn(completed, total int) {
	p.mu.Lock()
	p.calls = append(p.calls, [2]int{completed, total})
	p.mu.Unlock()
}

func (p *progressLog) assertMonotonic(t *testing.T, total int) {
	t.Helper()
	require.Len(t, p.calls, total)
	for i, c := range p.calls {
		assert.Equal(t, [2]int{i + 1, total}, c)
	}
}

func TestEveryStrategyRunsEveryOperationOnce(t *testing.T) {
	for _, st := range []StrategyType{Sequential, Parallel, Chunked, Adaptive} {
		t.Run(string(st), func(t *testing.T) {
			mem := backend.NewMemory()
			ops := creates(30)
			var progress progressLog

			res, err := NewExecutor(mem).ExecuteBatch(context.Background(), ops, strategy(st, 6), progress.fn)
			require.NoError(t, err)

			assert.Equal(t, 30, res.Total)
			assert.Equal(t, 30, res.Succeeded)
			assert.Equal(t, 1.0, res.SuccessRate())
			assert.Equal(t, st, res.Strategy)
			for i, or := range res.Results {
				assert.Equal(t, ops[i].ID, or.Operation.ID)
				assert.Equal(t, 1, or.Attempts)
			}
			assert.Equal(t, 30, mem.Len("notes"))
			assert.Equal(t, 30, mem.Calls(backend.ActionCreate))
			progress.assertMonotonic(t, 30)
		})
	}
}

func TestFailuresAreIsolated(t *testing.T) {
	mem := backend.NewMemory()
	mem.FailWith(func(_ backend.Action, _, id string) error {
		if id == "r03" {
			return syncerr.Validation("create", errors.New("title required"))
		}
		return nil
	})

	res, err := NewExecutor(mem).ExecuteBatch(context.Background(), creates(8), strategy(Parallel, 4), nil)
	require.NoError(t, err)

	assert.Equal(t, 7, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.InDelta(t, 7.0/8.0, res.SuccessRate(), 1e-9)
	failures := res.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "r03", failures[0].Operation.EntityID)
	assert.Equal(t, 1, failures[0].Attempts, "validation failures are not retried")
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(failures[0].Err()))
}

func TestRetryableFailuresAreRetried(t *testing.T) {
	mem := backend.NewMemory()
	var mu sync.Mutex
	calls := 0
	mem.FailWith(func(_ backend.Action, _, id string) error {
		mu.Lock()
		defer mu.Unlock()
		if id != "r00" {
			return nil
		}
		calls++
		if calls <= 2 {
			return syncerr.Network("create", errors.New("connection reset"))
		}
		return nil
	})

	res, err := NewExecutor(mem).ExecuteBatch(context.Background(), creates(2), strategy(Sequential, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 3, res.Results[0].Attempts)

	s := strategy(Sequential, 1)
	s.RetryFailedItems = false
	mem2 := backend.NewMemory()
	mem2.FailWith(func(_ backend.Action, _, _ string) error {
		return syncerr.Network("create", errors.New("down"))
	})
	res, err = NewExecutor(mem2).ExecuteBatch(context.Background(), creates(1), s, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Results[0].Attempts)
	assert.Equal(t, 1, res.Failed)
}

func TestConcurrencyBounds(t *testing.T) {
	cases := []struct {
		typ  StrategyType
		conc int
		want int
	}{
		{Sequential, 8, 1},
		{Parallel, 3, 3},
		{Chunked, 8, 4}, // chunk size caps the group
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			mem := backend.NewMemory()
			mem.SetLatency(5 * time.Millisecond)
			res, err := NewExecutor(mem).ExecuteBatch(context.Background(), creates(16), strategy(tc.typ, tc.conc), nil)
			require.NoError(t, err)
			assert.LessOrEqual(t, res.PeakConcurrency, tc.want)
			assert.GreaterOrEqual(t, res.PeakConcurrency, 1)
		})
	}
}

func TestCancellationSettlesEveryOperation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var progress progressLog

	res, err := NewExecutor(backend.NewMemory()).ExecuteBatch(ctx, creates(5), strategy(Parallel, 2), progress.fn)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Failed)
	for _, or := range res.Results {
		assert.ErrorIs(t, or.Err(), context.Canceled)
		assert.Equal(t, syncerr.KindNetwork, syncerr.KindOf(or.Err()))
	}
	progress.assertMonotonic(t, 5)
}

func TestTimeoutMidBatch(t *testing.T) {
	mem := backend.NewMemory()
	mem.SetLatency(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s := strategy(Sequential, 1)
	s.RetryFailedItems = false
	res, err := NewExecutor(mem).ExecuteBatch(ctx, creates(10), s, nil)
	require.NoError(t, err)

	assert.Equal(t, 10, res.Total)
	assert.Positive(t, res.Succeeded)
	assert.Positive(t, res.Failed)
	for _, or := range res.Failures() {
		assert.Equal(t, syncerr.KindTimeout, syncerr.KindOf(or.Err()))
	}
}

func TestNativeBatching(t *testing.T) {
	mem := backend.NewMemory()
	mem.Put("notes", "r01", map[string]any{"n": 1})
	ops := creates(9)
	ops = append(ops,
		Operation{ID: "u", Type: OpUpdate, Collection: "notes", EntityID: "r02", Data: map[string]any{"n": 99}},
		Operation{ID: "d", Type: OpDelete, Collection: "notes", EntityID: "r04"},
	)
	s := strategy(Sequential, 1)
	s.UseNativeBatch = true
	var progress progressLog

	res, err := NewExecutor(mem).ExecuteBatch(context.Background(), ops, s, progress.fn)
	require.NoError(t, err)

	// 9 creates in chunks of 4, plus one update and one delete unit.
	assert.Equal(t, 3, mem.Calls(backend.ActionBatchCreate))
	assert.Equal(t, 1, mem.Calls(backend.ActionBatchUpdate))
	assert.Equal(t, 1, mem.Calls(backend.ActionBatchDelete))
	assert.Equal(t, 10, res.Succeeded, "only the create of the existing r01 fails")
	progress.assertMonotonic(t, len(ops))
	for i, or := range res.Results {
		assert.Equal(t, ops[i].ID, or.Operation.ID)
	}
	dup := res.Results[1]
	assert.Equal(t, syncerr.KindConflict, syncerr.KindOf(dup.Err()))
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	mem := backend.NewMemory()
	mem.FailWith(func(_ backend.Action, _, _ string) error {
		return syncerr.Backend("create", errors.New("503"))
	})
	s := strategy(Sequential, 1)
	s.RetryFailedItems = false
	e := NewExecutor(mem, WithCircuitBreaker("notes", 3, time.Minute))

	res, err := e.ExecuteBatch(context.Background(), creates(6), s, nil)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Failed)
	assert.Equal(t, 3, mem.Calls(backend.ActionCreate))
	assert.Equal(t, "open", e.BreakerState())
	last := res.Results[5]
	assert.Equal(t, syncerr.KindNetwork, syncerr.KindOf(last.Err()))
	assert.Equal(t, "disabled", NewExecutor(mem).BreakerState())
}

func TestValidationErrorsDoNotTripBreaker(t *testing.T) {
	mem := backend.NewMemory()
	mem.FailWith(func(_ backend.Action, _, _ string) error {
		return syncerr.Validation("create", errors.New("bad"))
	})
	e := NewExecutor(mem, WithCircuitBreaker("notes", 2, time.Minute))
	_, err := e.ExecuteBatch(context.Background(), creates(5), strategy(Sequential, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, mem.Calls(backend.ActionCreate))
	assert.Equal(t, "closed", e.BreakerState())
}

func TestUnknownOperationType(t *testing.T) {
	ops := []Operation{{ID: "x", Type: "upsert", Collection: "notes"}}
	res, err := NewExecutor(backend.NewMemory()).ExecuteBatch(context.Background(), ops, strategy(Sequential, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(res.Results[0].Err()))
}

func TestInvalidStrategy(t *testing.T) {
	e := NewExecutor(backend.NewMemory())
	for _, s := range []Strategy{
		{Type: "turbo", MaxConcurrency: 1, ChunkSize: 1},
		{Type: Parallel, MaxConcurrency: 0, ChunkSize: 1},
		{Type: Chunked, MaxConcurrency: 1, ChunkSize: 0},
		{Type: Parallel, MaxConcurrency: 1, ChunkSize: 1, MaxRetries: -1},
	} {
		_, err := e.ExecuteBatch(context.Background(), creates(1), s, nil)
		assert.Error(t, err)
	}
}

func TestEmptyBatch(t *testing.T) {
	res, err := NewExecutor(backend.NewMemory()).ExecuteBatch(context.Background(), nil, DefaultStrategy(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Equal(t, 1.0, res.SuccessRate())
	assert.Zero(t, res.AverageOpTime())
}

func TestAverageOpTime(t *testing.T) {
	r := &Result{Results: []OperationResult{{Duration: time.Second}, {Duration: 3 * time.Second}}}
	assert.Equal(t, 2*time.Second, r.AverageOpTime())
}

func TestAdaptiveWidthRules(t *testing.T) {
	r := newAdaptiveRunner(20)
	assert.Equal(t, 5, r.width)

	r.width = 10
	assert.Equal(t, 7, r.next(0.5, time.Millisecond, time.Millisecond), "high error rate shrinks 30%")
	assert.Equal(t, 7, r.next(0, 3*time.Millisecond, time.Millisecond), "slow waves shrink")
	assert.Equal(t, 11, r.next(0.1, time.Millisecond, time.Millisecond), "clean waves grow 10%")

	r.width = 2
	assert.Equal(t, 3, r.next(0, time.Millisecond, time.Millisecond), "growth is at least one")
	assert.Equal(t, 1, r.next(1, time.Millisecond, time.Millisecond))
	r.width = 1
	assert.Equal(t, 1, r.next(1, time.Millisecond, time.Millisecond), "never below one")
	r.width = 20
	assert.Equal(t, 20, r.next(0, time.Millisecond, time.Millisecond), "never above the maximum")
}

func TestAdaptiveRunnerShrinksUnderErrors(t *testing.T) {
	r := newAdaptiveRunner(16)
	r.Run(context.Background(), 60, func(context.Context, int) bool { return false })
	require.NotEmpty(t, r.widths)
	assert.Equal(t, 4, r.widths[0])
	assert.Equal(t, 1, r.widths[len(r.widths)-1])

	grow := newAdaptiveRunner(16)
	grow.Run(context.Background(), 60, func(context.Context, int) bool {
		time.Sleep(time.Millisecond)
		return true
	})
	assert.Greater(t, grow.widths[1], grow.widths[0])
}

func TestOptimizeBatchStrategy(t *testing.T) {
	many := creates(80)
	few := creates(5)
	res := SystemResources{CPUCount: 4}

	single := OptimizeBatchStrategy(few[:1], network.Excellent, res)
	assert.Equal(t, Sequential, single.Type)

	offline := OptimizeBatchStrategy(many, network.Offline, res)
	assert.Equal(t, Sequential, offline.Type)
	assert.False(t, offline.RetryFailedItems)

	poor := OptimizeBatchStrategy(many, network.Poor, res)
	assert.Equal(t, Chunked, poor.Type)
	assert.Equal(t, 5, poor.ChunkSize)
	assert.Equal(t, 2, poor.MaxConcurrency)

	moderate := OptimizeBatchStrategy(many, network.Moderate, res)
	assert.Equal(t, 20, moderate.ChunkSize)
	assert.Greater(t, moderate.MaxConcurrency, poor.MaxConcurrency)

	good := OptimizeBatchStrategy(few, network.Good, res)
	assert.Equal(t, Parallel, good.Type)
	assert.Equal(t, 8, good.MaxConcurrency)
	assert.False(t, good.UseNativeBatch)

	excellent := OptimizeBatchStrategy(many, network.Excellent, res)
	assert.Equal(t, Adaptive, excellent.Type)
	assert.Equal(t, 16, excellent.MaxConcurrency)
	assert.True(t, excellent.UseNativeBatch)

	tired := OptimizeBatchStrategy(many, network.Excellent, SystemResources{CPUCount: 4, BatteryLow: true})
	assert.Equal(t, 8, tired.MaxConcurrency)

	for _, s := range []Strategy{single, offline, poor, moderate, good, excellent, tired} {
		assert.NoError(t, s.Validate())
	}
}
