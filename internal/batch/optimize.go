package batch

import (
	"runtime"
	"time"

	"github.com/samber/lo"

	"offline-sync-engine/internal/network"
)

// SystemResources is the host's view of its own capacity.
type SystemResources struct {
	CPUCount   int
	BatteryLow bool
}

func LocalResources() SystemResources {
	return SystemResources{CPUCount: runtime.NumCPU()}
}

// Batches larger than this use the adaptive runner on fast links.
const adaptiveThreshold = 50

// OptimizeBatchStrategy recommends a strategy for ops. It is a rule of
// thumb: constrained links get small chunks and little concurrency, fast
// links and idle hosts get more.
func OptimizeBatchStrategy(ops []Operation, q network.Quality, res SystemResources) Strategy {
	s := Strategy{
		RetryFailedItems: true,
		MaxRetries:       2,
		RetryDelay:       200 * time.Millisecond,
	}
	switch {
	case len(ops) <= 1 || q == network.Offline:
		s.Type, s.MaxConcurrency, s.ChunkSize = Sequential, 1, 1
		if q == network.Offline {
			s.RetryFailedItems = false
		}
		return s
	case q == network.Poor:
		s.Type, s.MaxConcurrency, s.ChunkSize = Chunked, 2, 5
		s.RetryDelay = time.Second
	case q == network.Moderate:
		s.Type, s.MaxConcurrency, s.ChunkSize = Chunked, 4, 20
	default:
		cpus := res.CPUCount
		if cpus <= 0 {
			cpus = 2
		}
		conc := min(cpus*2, 16)
		if q == network.Excellent {
			conc = min(cpus*4, 32)
		}
		s.Type, s.MaxConcurrency = Parallel, conc
		if len(ops) > adaptiveThreshold {
			s.Type = Adaptive
		}
		s.ChunkSize = conc
	}

	if res.BatteryLow {
		s.MaxConcurrency = max(1, s.MaxConcurrency/2)
	}
	s.UseNativeBatch = preferNative(ops)
	return s
}

// preferNative is true when most of a sizeable batch targets one collection
// with one operation type.
func preferNative(ops []Operation) bool {
	if len(ops) < 10 {
		return false
	}
	groups := lo.GroupBy(ops, func(op Operation) string { return op.Collection + "/" + string(op.Type) })
	largest := lo.Max(lo.Map(lo.Values(groups), func(g []Operation, _ int) int { return len(g) }))
	return largest*2 >= len(ops)
}
