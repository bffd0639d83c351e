// Package sync coordinates the engine: it owns the queue, the scheduler, the
// batch executor, the conflict engine and the event streams, and runs one
// sync cycle per entity whenever the scheduler says it is due.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-engine/internal/backend"
	"offline-sync-engine/internal/batch"
	"offline-sync-engine/internal/compression"
	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/conflict"
	"offline-sync-engine/internal/events"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/network"
	"offline-sync-engine/internal/queue"
	"offline-sync-engine/internal/scheduler"
	"offline-sync-engine/internal/store"
)

var (
	ErrNoStore    = errors.New("sync: no state storage configured")
	ErrOffline    = errors.New("sync: network offline")
	ErrNotRunning = errors.New("sync: manager is not running")
	ErrStopped    = errors.New("sync: manager was stopped")
	ErrNoConflict = errors.New("sync: no such pending conflict")
)

const eventBuffer = 256

type Option func(*Manager)

func WithMonitor(m network.Monitor) Option {
	return func(mgr *Manager) { mgr.monitor = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

func WithResources(r batch.SystemResources) Option {
	return func(mgr *Manager) { mgr.resources = r }
}

// WithCapture feeds local changes from events instead of the binlog.
func WithCapture(changes <-chan ChangeEvent) Option {
	return func(mgr *Manager) { mgr.captured = changes }
}

type Manager struct {
	cfg       *config.Config
	backend   backend.Backend
	store     store.Store
	monitor   network.Monitor
	resources batch.SystemResources
	now       func() time.Time

	queue       *queue.Queue
	scheduler   *scheduler.Scheduler
	executor    *batch.Executor
	compression *compression.Service
	conflicts   *conflict.Engine
	lifecycle   *events.Bus[events.LifecycleEvent]
	conflictBus *events.Bus[events.ConflictEvent]

	captured       <-chan ChangeEvent
	binlogListener *BinlogListener
	workerPool     *WorkerPool

	mu        sync.RWMutex
	status    string
	entities  map[string]Entity
	snapshots map[string]map[string]map[string]any // entity -> id -> last synced record
	pending   map[string]*conflict.Conflict
	stats     Stats
}

// NewManager wires the engine from cfg. st may be nil when no state storage
// is configured; the engine then keeps everything in memory.
func NewManager(cfg *config.Config, b backend.Backend, st store.Store, opts ...Option) (*Manager, error) {
	if b == nil {
		return nil, errors.New("sync: backend is required")
	}
	m := &Manager{
		cfg:         cfg,
		backend:     b,
		store:       st,
		resources:   batch.LocalResources(),
		now:         time.Now,
		lifecycle:   events.NewBus[events.LifecycleEvent](eventBuffer),
		conflictBus: events.NewBus[events.ConflictEvent](eventBuffer),
		status:      StatusIdle,
		entities:    make(map[string]Entity),
		snapshots:   make(map[string]map[string]map[string]any),
		pending:     make(map[string]*conflict.Conflict),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.monitor == nil {
		q, err := network.Parse(cfg.Network.Quality)
		if err != nil {
			return nil, err
		}
		m.monitor = network.NewStatic(q)
	}

	var err error
	m.queue, err = queue.New(queue.ConfigFrom(cfg.Queue), queue.WithClock(m.now), queue.WithDeadLetterHook(m.persistDeadLetter))
	if err != nil {
		return nil, err
	}

	schedCfg, err := scheduler.ConfigFrom(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	m.scheduler, err = scheduler.New(schedCfg, m.SyncEntity,
		scheduler.WithMonitor(m.monitor),
		scheduler.WithEvents(m.lifecycle),
		scheduler.WithClock(m.now))
	if err != nil {
		return nil, err
	}

	compCfg, err := compression.ConfigFrom(cfg.Compression)
	if err != nil {
		return nil, err
	}
	m.compression, err = compression.NewService(compCfg, compression.WithMonitor(m.monitor))
	if err != nil {
		return nil, err
	}

	conflictCfg, err := conflict.ConfigFrom(cfg.Conflict)
	if err != nil {
		return nil, err
	}
	m.conflicts = conflict.NewEngine(conflictCfg, conflict.WithEvents(m.conflictBus), conflict.WithClock(m.now))

	var execOpts []batch.Option
	if br := cfg.Batch.CircuitBreaker; br.Enabled {
		execOpts = append(execOpts, batch.WithCircuitBreaker("backend", br.ConsecutiveFailures, br.Timeout))
	}
	m.executor = batch.NewExecutor(b, execOpts...)

	for _, t := range cfg.Sync.Tables {
		ent, err := EntityFromTable(t)
		if err != nil {
			return nil, err
		}
		if err := m.RegisterEntity(ent); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RegisterEntity adds or replaces a synced entity and its schedule.
func (m *Manager) RegisterEntity(ent Entity) error {
	if ent.Name == "" {
		return errors.New("sync: entity name is required")
	}
	if ent.PrimaryKey == "" {
		ent.PrimaryKey = "id"
	}
	if ent.Conflict != "" {
		if _, err := m.conflicts.ResolverFor(ent.Conflict, ent.Name); err != nil {
			return fmt.Errorf("entity %s: %w", ent.Name, err)
		}
	}
	if _, err := m.scheduler.ScheduleEntity(ent.Name, ent.Priority, ent.Schedule); err != nil {
		return err
	}

	m.mu.Lock()
	m.entities[ent.Name] = ent
	m.mu.Unlock()
	return nil
}

func (m *Manager) Entity(name string) (Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, ok := m.entities[name]
	return ent, ok
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case StatusRunning:
		return fmt.Errorf("sync is already running")
	case StatusStopped:
		return ErrStopped
	}

	logger.Log.Info("Starting sync manager", zap.Int("entities", len(m.entities)))

	if err := m.restore(ctx); err != nil {
		return err
	}

	changes := m.captured
	if changes == nil && m.cfg.Sync.Realtime {
		tables := make([]Entity, 0, len(m.entities))
		for _, ent := range m.entities {
			tables = append(tables, ent)
		}
		listener, err := NewBinlogListener(m.cfg.Databases.Local, tables)
		if err != nil {
			return err
		}
		m.binlogListener = listener
		changes = listener.Events()
	}
	if changes != nil {
		m.workerPool = NewWorkerPool(m.cfg.Sync, changes, m.Entity, m.enqueueCaptured)
		m.workerPool.Start()
	}
	if m.binlogListener != nil {
		if err := m.binlogListener.Start(); err != nil {
			m.workerPool.Stop()
			return err
		}
	}

	if m.cfg.Scheduler.Enabled {
		m.scheduler.Start()
	} else {
		logger.Log.Info("Scheduler is disabled")
	}

	m.status = StatusRunning
	return nil
}

// Stop halts capture and scheduling, returns in-flight items to the queue
// and persists queue and schedule state. A stopped manager cannot restart.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusRunning {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.status = StatusStopped
	m.mu.Unlock()

	logger.Log.Info("Stopping sync manager")

	if m.binlogListener != nil {
		m.binlogListener.Stop()
	}
	if m.workerPool != nil {
		m.workerPool.Stop()
	}

	err := m.scheduler.Stop(ctx)
	m.queue.Close()
	if perr := m.persist(ctx); perr != nil {
		err = errors.Join(err, perr)
	}
	m.lifecycle.Close()
	m.conflictBus.Close()
	return err
}

func (m *Manager) GetStatus() Status {
	qs := m.queue.GetStatus()

	m.mu.RLock()
	st := Status{
		State:            m.status,
		Entities:         len(m.entities),
		PendingConflicts: len(m.pending),
		Stats:            m.stats,
	}
	m.mu.RUnlock()

	st.Network = m.monitor.Quality().String()
	st.Queue = qs
	st.Breaker = m.executor.BreakerState()
	st.Conflicts = m.conflicts.Stats()
	st.DroppedEvents = m.lifecycle.Dropped() + m.conflictBus.Dropped()
	return st
}

// Enqueue records a local mutation of entity for the next cycle.
func (m *Manager) Enqueue(entity string, op queue.Operation, id string, payload map[string]any) (string, error) {
	ent, ok := m.Entity(entity)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return m.queue.Enqueue(queue.Item{
		Entity:    ent.Name,
		EntityID:  id,
		Operation: op,
		Payload:   payload,
		Priority:  ent.Priority,
	})
}

func (m *Manager) EnqueueBatch(items []queue.Item) ([]string, error) {
	for _, it := range items {
		if _, ok := m.Entity(it.Entity); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, it.Entity)
		}
	}
	return m.queue.EnqueueBatch(items)
}

func (m *Manager) enqueueCaptured(items []queue.Item) error {
	_, err := m.queue.EnqueueBatch(items)
	return err
}

func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

func (m *Manager) Scheduler() *scheduler.Scheduler {
	return m.scheduler
}

func (m *Manager) Conflicts() *conflict.Engine {
	return m.conflicts
}

func (m *Manager) Compression() *compression.Service {
	return m.compression
}

// TriggerSync runs a cycle for entity now, outside its schedule.
func (m *Manager) TriggerSync(ctx context.Context, entity string) error {
	if _, ok := m.Entity(entity); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return m.scheduler.TriggerNow(ctx, entity)
}

func (m *Manager) Schedules() []scheduler.Schedule {
	return m.scheduler.Schedules()
}

func (m *Manager) Recommendations() []scheduler.Recommendation {
	return m.scheduler.GetRecommendations()
}

func (m *Manager) SubscribeLifecycle() (<-chan events.LifecycleEvent, func()) {
	return m.lifecycle.Subscribe()
}

func (m *Manager) SubscribeConflicts() (<-chan events.ConflictEvent, func()) {
	return m.conflictBus.Subscribe()
}

func (m *Manager) DeadLetters(limit int) []queue.Item {
	return m.queue.GetDeadLetterItems(limit)
}

func (m *Manager) RequeueDeadLetter(ctx context.Context, id string) error {
	if err := m.queue.RequeueDeadLetter(id); err != nil {
		return err
	}
	m.forgetQueueItem(ctx, id)
	return nil
}

func (m *Manager) PurgeDeadLetter(ctx context.Context, id string) error {
	if err := m.queue.PurgeDeadLetter(id); err != nil {
		return err
	}
	m.forgetQueueItem(ctx, id)
	return nil
}

// History lists persisted cycle reports, newest first.
func (m *Manager) History(ctx context.Context, entity string, limit, offset int) ([]*store.SyncHistory, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	return m.store.GetSyncHistory(ctx, entity, limit, offset)
}

func (m *Manager) publish(ev events.LifecycleEvent) {
	ev.At = m.now()
	m.lifecycle.Publish(ev)
}
