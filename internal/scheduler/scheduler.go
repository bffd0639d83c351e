package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-engine/internal/events"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/network"
	"offline-sync-engine/internal/priority"
)

type entry struct {
	schedule Schedule
	metrics  Metrics
	spec     cron.Schedule // set for cron-pinned entities
	cronID   cron.EntryID
}

type Scheduler struct {
	cfg     Config
	syncFn  SyncFunc
	monitor network.Monitor
	events  *events.Bus[events.LifecycleEvent]
	now     func() time.Time

	cron   *cron.Cron
	cronMu sync.Mutex

	mu       sync.RWMutex
	entities map[string]*entry
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

type Option func(*Scheduler)

func WithMonitor(m network.Monitor) Option {
	return func(s *Scheduler) { s.monitor = m }
}

// WithEvents publishes a lifecycle event for every scheduled cycle.
func WithEvents(bus *events.Bus[events.LifecycleEvent]) Option {
	return func(s *Scheduler) { s.events = bus }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(cfg Config, fn SyncFunc, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("scheduler: sync func is required")
	}
	s := &Scheduler{
		cfg:      cfg,
		syncFn:   fn,
		monitor:  network.NewStatic(network.Good),
		now:      time.Now,
		entities: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cancel()

	l := cronLogger{}
	s.cron = cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	return s, nil
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

// ScheduleEntity adds name to the schedule, or replaces the priority and
// strategy of an existing entry while keeping its metrics.
func (s *Scheduler) ScheduleEntity(name string, p priority.Level, strategy Strategy) (Schedule, error) {
	if name == "" {
		return Schedule{}, fmt.Errorf("scheduler: entity name is required")
	}
	if !p.Valid() {
		return Schedule{}, fmt.Errorf("scheduler: invalid priority %d", p)
	}
	strategy, spec, err := s.cfg.resolve(strategy)
	if err != nil {
		return Schedule{}, fmt.Errorf("scheduler: %s: %w", name, err)
	}

	now := s.now()
	s.mu.Lock()
	e, exists := s.entities[name]
	if !exists {
		e = &entry{}
		s.entities[name] = e
	}
	e.spec = spec
	e.schedule.Entity = name
	e.schedule.Priority = p
	e.schedule.Strategy = strategy
	e.schedule.Interval = s.bound(strategy.DefaultInterval, strategy, p)
	e.schedule.NextDue = s.nextDue(e, now, e.schedule.Interval)
	if e.schedule.State == "" {
		e.schedule.State = StateScheduled
	}
	out := e.schedule
	s.mu.Unlock()

	s.register(name)

	logger.Log.Info("Scheduled entity",
		zap.String("entity", name),
		zap.String("priority", p.String()),
		zap.String("strategy", string(strategy.Type)),
		zap.Duration("interval", out.Interval))
	return out, nil
}

func (s *Scheduler) Unschedule(name string) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	s.mu.Lock()
	e, ok := s.entities[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	delete(s.entities, name)
	s.mu.Unlock()

	if e.cronID != 0 {
		s.cron.Remove(e.cronID)
	}
	logger.Log.Info("Unscheduled entity", zap.String("entity", name))
	return nil
}

// Restore carries persisted state of a scheduled entity over a restart: its
// learned interval, due time and counters. Cron-pinned entities keep the
// due time of their expression.
func (s *Scheduler) Restore(name string, interval time.Duration, nextDue, lastSync time.Time, m Metrics) error {
	s.mu.Lock()
	e, ok := s.entities[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	sc := &e.schedule
	if interval > 0 && sc.Strategy.Type == Adaptive {
		sc.Interval = s.bound(interval, sc.Strategy, sc.Priority)
	}
	if e.spec == nil && !nextDue.IsZero() {
		sc.NextDue = nextDue
	}
	sc.LastSync = lastSync
	e.metrics.TotalSyncs = m.TotalSyncs
	e.metrics.Successes = m.Successes
	e.metrics.Failures = m.Failures
	e.metrics.LastError = m.LastError
	s.mu.Unlock()

	s.register(name)
	return nil
}

// register replaces the cron entry for name. s.mu must not be held: the
// cron loop reads schedules under it. cronMu serialises entry changes.
func (s *Scheduler) register(name string) {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	s.mu.RLock()
	e, ok := s.entities[name]
	var old cron.EntryID
	if ok {
		old = e.cronID
	}
	s.mu.RUnlock()

	if !ok {
		return
	}
	if old != 0 {
		s.cron.Remove(old)
	}
	id := s.cron.Schedule(dueSchedule{s: s, entity: name}, cron.FuncJob(func() { s.fire(name) }))

	s.mu.Lock()
	if cur, still := s.entities[name]; still && cur == e {
		cur.cronID = id
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.cron.Remove(id)
}

func (s *Scheduler) GetSchedule(name string) (Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[name]
	if !ok {
		return Schedule{}, false
	}
	return s.view(e), true
}

func (s *Scheduler) GetMetrics(name string) (Metrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[name]
	if !ok {
		return Metrics{}, false
	}
	return e.metrics, true
}

// Schedules lists every entity, soonest due first.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.RLock()
	out := make([]Schedule, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, s.view(e))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextDue.Equal(out[j].NextDue) {
			return out[i].NextDue.Before(out[j].NextDue)
		}
		return out[i].Entity < out[j].Entity
	})
	return out
}

func (s *Scheduler) view(e *entry) Schedule {
	sc := e.schedule
	if sc.State == StateScheduled && !sc.NextDue.After(s.now()) {
		sc.State = StateDue
	}
	return sc
}

// RecordSyncCompletion feeds the outcome of a cycle run outside the
// scheduler into the adaptive interval.
func (s *Scheduler) RecordSyncCompletion(name string, d time.Duration, success bool, recordsChanged int) error {
	var err error
	if !success {
		err = fmt.Errorf("sync reported failure")
	}
	return s.record(name, d, err, recordsChanged)
}

// record applies a completed cycle. Cron keeps the wake time it computed
// when the entry last fired, so a due time that moved earlier needs the
// entry registered again.
func (s *Scheduler) record(name string, d time.Duration, syncErr error, changed int) error {
	earlier, err := s.applyCompletion(name, d, syncErr, changed)
	if err != nil {
		return err
	}
	if earlier {
		s.register(name)
	}
	return nil
}

func (s *Scheduler) applyCompletion(name string, d time.Duration, syncErr error, changed int) (earlier bool, err error) {
	changed = max(changed, 0)
	now := s.now()
	q := s.monitor.Quality()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}

	m := &e.metrics
	m.TotalSyncs++
	m.LastDuration = d
	m.AverageDuration += (d - m.AverageDuration) / time.Duration(m.TotalSyncs)
	m.LastRecordsChanged = changed
	m.TotalRecordsChanged += changed
	if syncErr != nil {
		m.Failures++
		m.ConsecutiveFailures++
		m.ConsecutiveIdle = 0
		m.LastError = syncErr.Error()
	} else {
		m.Successes++
		m.ConsecutiveFailures = 0
		m.LastError = ""
		if changed == 0 {
			m.ConsecutiveIdle++
		} else {
			m.ConsecutiveIdle = 0
			m.SyncsWithChanges++
		}
	}

	sc := &e.schedule
	sc.Interval = s.adapt(sc, syncErr == nil, changed)
	sc.LastSync = now
	sc.State = StateScheduled

	delay := sc.Interval
	if syncErr != nil {
		delay = failureDelay(sc.Strategy.MinInterval, sc.Strategy.MaxInterval, m.ConsecutiveFailures)
	}
	if q == network.Poor {
		delay = min(delay*2, sc.Strategy.MaxInterval)
	}
	prev := sc.NextDue
	sc.NextDue = s.nextDue(e, now, delay)
	return e.cronID != 0 && sc.NextDue.Before(prev), nil
}

// adapt returns the interval after a cycle. Only adaptive entities move;
// the others keep their seeded interval.
func (s *Scheduler) adapt(sc *Schedule, success bool, changed int) time.Duration {
	if sc.Strategy.Type != Adaptive || sc.Strategy.Cron != "" {
		return sc.Interval
	}
	next := sc.Interval
	if success && changed == 0 {
		next = time.Duration(float64(next) * s.cfg.GrowthFactor)
	} else {
		next = time.Duration(float64(next) * s.cfg.ShrinkFactor)
	}
	return s.bound(next, sc.Strategy, sc.Priority)
}

func (s *Scheduler) bound(d time.Duration, st Strategy, p priority.Level) time.Duration {
	d = clamp(d, st.MinInterval, st.MaxInterval)
	if p == priority.Critical {
		d = min(d, max(s.cfg.CriticalCeiling, st.MinInterval))
	}
	return d
}

func (s *Scheduler) nextDue(e *entry, now time.Time, delay time.Duration) time.Time {
	if e.spec != nil && e.metrics.ConsecutiveFailures == 0 {
		return e.spec.Next(now)
	}
	return now.Add(delay)
}

// failureDelay is the wait after the n-th consecutive failure: exponential
// from lo, capped at hi.
func failureDelay(lo, hi time.Duration, n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = lo
	b.Multiplier = 2
	b.MaxInterval = hi
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := lo
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return clamp(d, lo, hi)
}

// TriggerNow runs a cycle for name immediately, outside its timer.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	_, err := s.cycle(ctx, name, true)
	return err
}

// fire is the cron job for one entity. The cron entry may wake early after
// the interval changed; the cycle only runs when the entity is due.
func (s *Scheduler) fire(name string) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx.Err() != nil {
		return
	}
	if _, err := s.cycle(ctx, name, false); err != nil && !errors.Is(err, ErrBusy) {
		logger.Log.Debug("Scheduled cycle ended with error", zap.String("entity", name), zap.Error(err))
	}
}

func (s *Scheduler) cycle(ctx context.Context, name string, force bool) (int, error) {
	now := s.now()
	q := s.monitor.Quality()

	s.mu.Lock()
	e, ok := s.entities[name]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	if e.schedule.State == StateSyncing {
		s.mu.Unlock()
		return 0, ErrBusy
	}
	if !force && e.schedule.NextDue.After(now) {
		s.mu.Unlock()
		return 0, nil
	}
	if q == network.Offline {
		e.schedule.NextDue = s.nextDue(e, now, e.schedule.Interval)
		s.mu.Unlock()
		logger.Log.Debug("Skipping sync while offline", zap.String("entity", name))
		return 0, nil
	}
	e.schedule.State = StateSyncing
	s.mu.Unlock()

	s.publish(events.LifecycleEvent{Kind: events.Started, Operation: "sync", Entity: name})
	start := time.Now()
	changed, err := s.run(ctx, name)
	d := time.Since(start)

	if err != nil && ctx.Err() != nil && (!force || errors.Is(err, context.Canceled)) {
		// Stopped mid-cycle: not the entity's fault.
		s.mu.Lock()
		if e, ok := s.entities[name]; ok {
			e.schedule.State = StateScheduled
		}
		s.mu.Unlock()
		return changed, err
	}
	if rerr := s.record(name, d, err, changed); rerr != nil {
		return changed, rerr
	}

	if err != nil {
		logger.Log.Warn("Sync cycle failed", zap.String("entity", name), zap.Duration("duration", d), zap.Error(err))
		s.publish(events.LifecycleEvent{Kind: events.Error, Operation: "sync", Entity: name, Err: err})
		return changed, err
	}
	logger.Log.Debug("Sync cycle completed",
		zap.String("entity", name),
		zap.Int("records_changed", changed),
		zap.Duration("duration", d))
	s.publish(events.LifecycleEvent{Kind: events.Completed, Operation: "sync", Entity: name, Affected: changed})
	return changed, nil
}

// run calls the sync func, turning a panic into a failed cycle.
func (s *Scheduler) run(ctx context.Context, name string) (changed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync of %s panicked: %v", name, r)
		}
	}()
	return s.syncFn(ctx, name)
}

func (s *Scheduler) publish(ev events.LifecycleEvent) {
	if s.events == nil {
		return
	}
	ev.At = s.now()
	s.events.Publish(ev)
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	n := len(s.entities)
	s.mu.Unlock()

	logger.Log.Info("Starting scheduler", zap.Int("entities", n))
	s.cron.Start()
}

// Stop halts the timers, cancels running cycles and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		logger.Log.Info("Stopped scheduler")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// dueSchedule is the cron.Schedule of one entity. It reads the entity's
// current next-due time. Cron asks again only after the entry fires, so a
// due time that moves later is picked up on the next wake and one that moves
// earlier goes through register.
type dueSchedule struct {
	s      *Scheduler
	entity string
}

func (d dueSchedule) Next(t time.Time) time.Time {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()
	e, ok := d.s.entities[d.entity]
	if !ok {
		return time.Time{}
	}
	if e.schedule.NextDue.After(t) {
		return e.schedule.NextDue
	}
	// Due or syncing: look again after the shortest interval. The completed
	// cycle will have moved NextDue by then.
	return t.Add(e.schedule.Strategy.MinInterval)
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
