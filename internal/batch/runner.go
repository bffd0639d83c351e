package batch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner drives fn over the work units 0..n-1. fn reports whether the unit
// succeeded. Runners stop starting units once ctx is done; units never
// started are left for the caller to settle.
type Runner interface {
	Run(ctx context.Context, n int, fn func(ctx context.Context, i int) bool)
}

// NewRunner returns the Runner implementing s.Type.
func NewRunner(s Strategy) Runner {
	switch s.Type {
	case Parallel:
		return &parallelRunner{limit: s.MaxConcurrency}
	case Chunked:
		return &chunkedRunner{limit: s.MaxConcurrency, chunk: s.ChunkSize}
	case Adaptive:
		return newAdaptiveRunner(s.MaxConcurrency)
	default:
		return sequentialRunner{}
	}
}

type sequentialRunner struct{}

func (sequentialRunner) Run(ctx context.Context, n int, fn func(context.Context, int) bool) {
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		fn(ctx, i)
	}
}

type parallelRunner struct {
	limit int
}

func (r *parallelRunner) Run(ctx context.Context, n int, fn func(context.Context, int) bool) {
	runGroup(ctx, 0, n, r.limit, fn, nil)
}

// chunkedRunner processes fixed-size groups one after the other, each group
// internally parallel.
type chunkedRunner struct {
	limit int
	chunk int
}

func (r *chunkedRunner) Run(ctx context.Context, n int, fn func(context.Context, int) bool) {
	for start := 0; start < n; start += r.chunk {
		if ctx.Err() != nil {
			return
		}
		runGroup(ctx, start, min(start+r.chunk, n), min(r.limit, r.chunk), fn, nil)
	}
}

// runGroup runs units [from, to) with at most limit in flight. failed, when
// set, counts units that reported failure.
func runGroup(ctx context.Context, from, to, limit int, fn func(context.Context, int) bool, failed *int) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(limit)
	for i := from; i < to; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !fn(ctx, i) && failed != nil {
				mu.Lock()
				*failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// adaptiveRunner runs waves of units. A wave whose error rate exceeds
// shrinkErrorRate, or whose per-unit latency exceeds latencyFactor times the
// first wave's, shrinks the next wave by shrinkPercent; a clean wave grows
// it by growPercent (at least one unit).
type adaptiveRunner struct {
	max    int
	width  int
	widths []int
}

const (
	shrinkErrorRate = 0.2
	latencyFactor   = 2.0
	shrinkPercent   = 30
	growPercent     = 10
)

func newAdaptiveRunner(maxConcurrency int) *adaptiveRunner {
	return &adaptiveRunner{
		max:   maxConcurrency,
		width: max(1, maxConcurrency/4),
	}
}

func (r *adaptiveRunner) Run(ctx context.Context, n int, fn func(context.Context, int) bool) {
	var baseline time.Duration
	for start := 0; start < n; {
		if ctx.Err() != nil {
			return
		}
		end := min(start+r.width, n)
		r.widths = append(r.widths, r.width)

		failed := 0
		began := time.Now()
		runGroup(ctx, start, end, r.width, fn, &failed)
		size := end - start
		perUnit := time.Since(began) / time.Duration(size)
		if baseline == 0 {
			baseline = max(perUnit, time.Microsecond)
		}
		r.width = r.next(float64(failed)/float64(size), perUnit, baseline)
		start = end
	}
}

func (r *adaptiveRunner) next(errRate float64, latency, baseline time.Duration) int {
	w := r.width
	if errRate > shrinkErrorRate || float64(latency) > latencyFactor*float64(baseline) {
		w -= w * shrinkPercent / 100
		if w == r.width {
			w--
		}
	} else {
		w += max(1, w*growPercent/100)
	}
	return max(1, min(w, r.max))
}
