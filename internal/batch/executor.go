// Package batch executes sets of record operations against a backend with a
// selectable concurrency strategy. A failing operation never aborts the
// batch: every operation gets exactly one OperationResult.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"offline-sync-engine/internal/backend"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/syncerr"
)

type Option func(*Executor)

// WithCircuitBreaker trips after consecutiveFailures retryable failures in a
// row and fails operations fast as network errors until timeout passes.
func WithCircuitBreaker(name string, consecutiveFailures int, timeout time.Duration) Option {
	return func(e *Executor) {
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(consecutiveFailures)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Log.Info("Circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
}

type Executor struct {
	backend backend.Backend
	breaker *gobreaker.CircuitBreaker
}

func NewExecutor(b backend.Backend, opts ...Option) *Executor {
	e := &Executor{backend: b}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BreakerState reports the circuit breaker state, or "disabled".
func (e *Executor) BreakerState() string {
	if e.breaker == nil {
		return "disabled"
	}
	return e.breaker.State().String()
}

// run is the state of one ExecuteBatch call.
type run struct {
	e        *Executor
	s        Strategy
	ops      []Operation
	results  []OperationResult
	settled  []bool
	progress ProgressFunc

	mu        sync.Mutex
	completed int

	active atomic.Int64
	peak   atomic.Int64
}

// ExecuteBatch runs ops with strategy s. The error is non-nil only for an
// invalid strategy; operation failures are reported in the Result.
func (e *Executor) ExecuteBatch(ctx context.Context, ops []Operation, s Strategy, onProgress ProgressFunc) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	r := &run{
		e:        e,
		s:        s,
		ops:      ops,
		results:  make([]OperationResult, len(ops)),
		settled:  make([]bool, len(ops)),
		progress: onProgress,
	}

	units := r.units()
	NewRunner(s).Run(ctx, len(units), func(ctx context.Context, i int) bool {
		n := r.active.Add(1)
		for {
			p := r.peak.Load()
			if n <= p || r.peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer r.active.Add(-1)
		return r.execUnit(ctx, units[i])
	})

	// Anything not started was cut off by cancellation.
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	for i := range ops {
		if !r.isSettled(i) {
			r.settle(i, OperationResult{
				Operation: ops[i],
				Result: backend.Result{
					Action:     action(ops[i].Type),
					Collection: ops[i].Collection,
					ID:         ops[i].EntityID,
					Err:        syncerr.Wrap(syncerr.KindOf(cause), "execute batch", cause),
				},
			})
		}
	}

	res := &Result{
		Results:         r.results,
		Total:           len(ops),
		Duration:        time.Since(start),
		PeakConcurrency: int(r.peak.Load()),
		Strategy:        s.Type,
	}
	for _, or := range r.results {
		if or.Success() {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	logger.Log.Debug("Batch executed",
		zap.String("strategy", string(s.Type)),
		zap.Int("total", res.Total),
		zap.Int("failed", res.Failed),
		zap.Int("peak_concurrency", res.PeakConcurrency),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// units groups operation indices. Without native batching every operation
// is its own unit; with it, same collection and type operations form units
// of at most ChunkSize.
func (r *run) units() [][]int {
	if !r.s.UseNativeBatch {
		out := make([][]int, len(r.ops))
		for i := range r.ops {
			out[i] = []int{i}
		}
		return out
	}
	type key struct {
		collection string
		typ        OpType
	}
	var order []key
	groups := make(map[key][]int)
	for i, op := range r.ops {
		k := key{op.Collection, op.Type}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}
	var out [][]int
	for _, k := range order {
		idx := groups[k]
		for start := 0; start < len(idx); start += r.s.ChunkSize {
			out = append(out, idx[start:min(start+r.s.ChunkSize, len(idx))])
		}
	}
	return out
}

func (r *run) isSettled(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled[i]
}

// settle records the result of operation i once and reports progress.
// Progress calls are serialized so completed counts arrive in order.
func (r *run) settle(i int, or OperationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled[i] {
		return
	}
	r.settled[i] = true
	r.results[i] = or
	r.completed++
	if r.progress != nil {
		r.progress(r.completed, len(r.ops))
	}
}

func (r *run) execUnit(ctx context.Context, unit []int) bool {
	if len(unit) == 1 && !r.s.UseNativeBatch {
		or := r.execOne(ctx, r.ops[unit[0]])
		r.settle(unit[0], or)
		return or.Success()
	}
	return r.execNative(ctx, unit)
}

func (r *run) execNative(ctx context.Context, unit []int) bool {
	first := r.ops[unit[0]]
	start := time.Now()
	var results []backend.Result
	err := r.e.guard(func() bool {
		switch first.Type {
		case OpCreate, OpUpdate:
			items := make([]backend.BatchItem, len(unit))
			for j, i := range unit {
				items[j] = backend.BatchItem{ID: r.ops[i].EntityID, Data: r.ops[i].Data}
			}
			if first.Type == OpCreate {
				results = r.e.backend.BatchCreate(ctx, first.Collection, items)
			} else {
				results = r.e.backend.BatchUpdate(ctx, first.Collection, items)
			}
		case OpDelete:
			ids := make([]string, len(unit))
			for j, i := range unit {
				ids[j] = r.ops[i].EntityID
			}
			results = r.e.backend.BatchDelete(ctx, first.Collection, ids)
		default:
			for _, i := range unit {
				results = append(results, r.e.dispatch(ctx, r.ops[i]))
			}
		}
		for _, res := range results {
			if tripsBreaker(res.Err) {
				return false
			}
		}
		return true
	})
	perOp := time.Since(start) / time.Duration(len(unit))

	ok := true
	for j, i := range unit {
		op := r.ops[i]
		var res backend.Result
		switch {
		case err != nil:
			res = backend.Result{Action: action(op.Type), Collection: op.Collection, ID: op.EntityID, Err: err}
		case j < len(results):
			res = results[j]
		default:
			res = backend.Result{Action: action(op.Type), Collection: op.Collection, ID: op.EntityID,
				Err: syncerr.Backend("batch", errors.New("backend returned fewer results than items"))}
		}
		or := OperationResult{Operation: op, Result: res, Attempts: 1, Duration: perOp}
		if !or.Success() && r.s.RetryFailedItems && syncerr.IsRetryable(res.Err) && ctx.Err() == nil {
			retried := r.execOne(ctx, op)
			retried.Attempts++
			retried.Duration += perOp
			or = retried
		}
		r.settle(i, or)
		ok = ok && or.Success()
	}
	return ok
}

// execOne performs op, retrying retryable failures when the strategy asks
// for it.
func (r *run) execOne(ctx context.Context, op Operation) OperationResult {
	start := time.Now()
	or := OperationResult{Operation: op}
	call := func() error {
		or.Attempts++
		or.Result = r.e.call(ctx, op)
		if or.Result.Err == nil {
			return nil
		}
		if !syncerr.IsRetryable(or.Result.Err) {
			return backoff.Permanent(or.Result.Err)
		}
		return or.Result.Err
	}

	if !r.s.RetryFailedItems || r.s.MaxRetries == 0 {
		_ = call()
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.s.RetryDelay
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.s.MaxRetries)), ctx)
		_ = backoff.RetryNotify(call, policy, func(err error, d time.Duration) {
			logger.Log.Debug("Retrying operation",
				zap.String("collection", op.Collection),
				zap.String("id", op.EntityID),
				zap.Duration("delay", d),
				zap.Error(err))
		})
	}
	or.Duration = time.Since(start)
	return or
}

// call dispatches op through the circuit breaker when one is configured.
func (e *Executor) call(ctx context.Context, op Operation) backend.Result {
	var res backend.Result
	err := e.guard(func() bool {
		res = e.dispatch(ctx, op)
		return !tripsBreaker(res.Err)
	})
	if err != nil {
		return backend.Result{Action: action(op.Type), Collection: op.Collection, ID: op.EntityID, Err: err}
	}
	return res
}

var errCallFailed = errors.New("call failed")

// guard runs fn inside the breaker. fn reports whether the call counts as
// healthy. The returned error is set only when the breaker rejected the
// call.
func (e *Executor) guard(fn func() bool) error {
	if e.breaker == nil {
		fn()
		return nil
	}
	_, err := e.breaker.Execute(func() (any, error) {
		if !fn() {
			return nil, errCallFailed
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return syncerr.Network("circuit breaker", err)
	}
	return nil
}

// tripsBreaker is true for failures that say something about backend
// health; bad data and conflicts do not.
func tripsBreaker(err error) bool {
	return err != nil && syncerr.IsRetryable(err) && syncerr.KindOf(err) != syncerr.KindRateLimit
}

func (e *Executor) dispatch(ctx context.Context, op Operation) backend.Result {
	switch op.Type {
	case OpCreate:
		return e.backend.Create(ctx, op.Collection, op.EntityID, op.Data)
	case OpUpdate:
		return e.backend.Update(ctx, op.Collection, op.EntityID, op.Data)
	case OpDelete:
		return e.backend.Delete(ctx, op.Collection, op.EntityID)
	}
	return backend.Result{
		Collection: op.Collection,
		ID:         op.EntityID,
		Err:        syncerr.Validation("execute", fmt.Errorf("unknown operation type %q", op.Type)),
	}
}

func action(t OpType) backend.Action {
	switch t {
	case OpCreate:
		return backend.ActionCreate
	case OpUpdate:
		return backend.ActionUpdate
	case OpDelete:
		return backend.ActionDelete
	}
	return ""
}
