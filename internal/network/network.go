// Package network models the connectivity signal the host platform supplies.
package network

import (
	"fmt"
	"strings"
	"sync"
)

type Quality int

const (
	Offline Quality = iota
	Poor
	Moderate
	Good
	Excellent
)

var names = []string{"offline", "poor", "moderate", "good", "excellent"}

// Rough sustained throughput per quality, in bytes per second.
var bandwidth = []float64{0, 32 << 10, 256 << 10, 2 << 20, 12 << 20}

func (q Quality) String() string {
	if q < Offline || q > Excellent {
		return fmt.Sprintf("quality(%d)", int(q))
	}
	return names[q]
}

// Bandwidth is the throughput estimate used for transfer-time budgets.
// Offline reports zero.
func (q Quality) Bandwidth() float64 {
	if q < Offline || q > Excellent {
		return 0
	}
	return bandwidth[q]
}

func Parse(s string) (Quality, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == s {
			return Quality(i), nil
		}
	}
	return Offline, fmt.Errorf("unknown network quality %q", s)
}

type Monitor interface {
	Quality() Quality
}

// Static is a Monitor whose value is set explicitly.
type Static struct {
	mu sync.RWMutex
	q  Quality
}

func NewStatic(q Quality) *Static {
	return &Static{q: q}
}

func (s *Static) Quality() Quality {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q
}

func (s *Static) Set(q Quality) {
	s.mu.Lock()
	s.q = q
	s.mu.Unlock()
}
