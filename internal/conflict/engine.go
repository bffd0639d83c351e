package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-engine/internal/delta"
	"offline-sync-engine/internal/events"
	"offline-sync-engine/internal/logger"
)

type Stats struct {
	Detected map[Type]int `json:"detected"`
	Resolved int          `json:"resolved"`
	Failed   int          `json:"failed"`
}

type Engine struct {
	cfg    Config
	events *events.Bus[events.ConflictEvent]
	now    func() time.Time

	mu      sync.RWMutex
	customs map[string]CustomFunc
	stats   Stats
}

type Option func(*Engine)

func WithEvents(bus *events.Bus[events.ConflictEvent]) Option {
	return func(e *Engine) { e.events = bus }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		now:     time.Now,
		customs: make(map[string]CustomFunc),
		stats:   Stats{Detected: make(map[Type]int)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config {
	return e.cfg
}

// RegisterCustom installs the custom resolution for collection. The empty
// collection registers the fallback used by every other collection.
func (e *Engine) RegisterCustom(collection string, fn CustomFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		delete(e.customs, collection)
		return
	}
	e.customs[collection] = fn
}

// ResolverFor returns the Resolver implementing strategy for collection.
func (e *Engine) ResolverFor(strategy Strategy, collection string) (Resolver, error) {
	switch strategy {
	case ClientWins:
		return clientWins{}, nil
	case ServerWins:
		return serverWins{}, nil
	case TimestampWins:
		return timestampWins{}, nil
	case VersionWins:
		return versionWins{field: e.cfg.VersionField}, nil
	case Merge:
		return merge{}, nil
	case Manual:
		return manual{}, nil
	case Custom:
		e.mu.RLock()
		fn, ok := e.customs[collection]
		if !ok {
			fn = e.customs[""]
		}
		e.mu.RUnlock()
		return custom{fn: fn}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
}

// Detect compares the snapshots of collection/id and returns the conflict
// between them, or nil when the sides can be combined without a decision.
func (e *Engine) Detect(collection, id string, s Snapshots) *Conflict {
	t, fields, ok := e.classify(s)
	if !ok {
		return nil
	}
	c := &Conflict{
		ID:         uuid.New().String(),
		Collection: collection,
		EntityID:   id,
		Type:       t,
		Local:      delta.Clone(s.Local),
		Remote:     delta.Clone(s.Remote),
		Base:       delta.Clone(s.Base),
		DetectedAt: e.now(),
		Fields:     fields,
		Severity:   Severity(t),
	}
	c.LocalModified, _ = timestampOf(s.Local, e.cfg.TimestampField)
	c.RemoteModified, _ = timestampOf(s.Remote, e.cfg.TimestampField)

	e.mu.Lock()
	e.stats.Detected[t]++
	e.mu.Unlock()

	logger.Log.Info("Conflict detected",
		zap.String("collection", collection),
		zap.String("id", id),
		zap.String("type", string(t)),
		zap.Strings("fields", fields),
		zap.Int("severity", c.Severity))
	e.publish(events.ConflictEvent{
		Kind:       events.Detected,
		Collection: collection,
		RecordID:   id,
		ConflictID: c.ID,
		Type:       string(t),
	})
	return c
}

// Resolve applies strategy to c. The empty strategy means the configured
// default. Failures are reported in the Resolution, never as a panic.
func (e *Engine) Resolve(ctx context.Context, c *Conflict, strategy Strategy) Resolution {
	if strategy == "" {
		strategy = e.cfg.DefaultStrategy
	}
	res := Resolution{ConflictID: c.ID, Strategy: strategy}

	r, err := e.ResolverFor(strategy, c.Collection)
	if err == nil {
		var out Outcome
		if out, err = r.Resolve(ctx, *c); err == nil {
			res.Resolved = out.Snapshot
			res.Deleted = out.Deleted
			res.FieldWinners = out.FieldWinners
			res.Success = true
		}
	}
	res.Err = err
	return e.finish(c, res)
}

// ResolveManually records a resolution supplied by the caller. A nil
// snapshot resolves the conflict as a deletion.
func (e *Engine) ResolveManually(c *Conflict, snapshot map[string]any) Resolution {
	return e.finish(c, Resolution{
		ConflictID: c.ID,
		Strategy:   Manual,
		Resolved:   delta.Clone(snapshot),
		Deleted:    snapshot == nil,
		Success:    true,
	})
}

func (e *Engine) finish(c *Conflict, res Resolution) Resolution {
	res.ResolvedAt = e.now()

	e.mu.Lock()
	if res.Success {
		e.stats.Resolved++
	} else {
		e.stats.Failed++
	}
	e.mu.Unlock()

	switch {
	case res.Success:
		logger.Log.Info("Conflict resolved",
			zap.String("conflict_id", c.ID),
			zap.String("strategy", string(res.Strategy)),
			zap.Bool("deleted", res.Deleted))
	case errors.Is(res.Err, ErrManualResolution):
		logger.Log.Info("Conflict awaits manual resolution", zap.String("conflict_id", c.ID))
	default:
		logger.Log.Warn("Conflict resolution failed",
			zap.String("conflict_id", c.ID),
			zap.String("strategy", string(res.Strategy)),
			zap.Error(res.Err))
	}

	e.publish(events.ConflictEvent{
		Kind:       events.Resolved,
		Collection: c.Collection,
		RecordID:   c.EntityID,
		ConflictID: c.ID,
		Type:       string(c.Type),
		Strategy:   string(res.Strategy),
		Success:    res.Success,
		Err:        res.Err,
	})
	return res
}

// ShouldAutoResolve reports whether c is routine enough to resolve without
// review. It only feeds reports; Resolve ignores it.
func (e *Engine) ShouldAutoResolve(c *Conflict) bool {
	switch c.Type {
	case FieldLevel, TimestampSkew:
		return true
	case UpdateUpdate:
		return len(c.Fields) <= 2
	}
	return false
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := Stats{Detected: make(map[Type]int, len(e.stats.Detected)), Resolved: e.stats.Resolved, Failed: e.stats.Failed}
	for t, n := range e.stats.Detected {
		out.Detected[t] = n
	}
	return out
}

func (e *Engine) publish(ev events.ConflictEvent) {
	if e.events == nil {
		return
	}
	ev.At = e.now()
	e.events.Publish(ev)
}
