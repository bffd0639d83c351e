// Package queue holds pending sync operations in strict priority order,
// retries failures with exponential backoff and isolates items that keep
// failing in a dead-letter store.
//
// Every mutation is serialized behind one lock; status reads share it.
// Dequeued items are "in flight" until CompleteItem or FailItem settles
// them. Close returns in-flight items to their original position so a later
// Restore of the Snapshot resumes without loss or duplication.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-engine/internal/backend"
	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/priority"
	"offline-sync-engine/internal/syncerr"
)

var (
	ErrClosed      = errors.New("queue: closed")
	ErrFull        = errors.New("queue: full")
	ErrDuplicate   = errors.New("queue: duplicate item id")
	ErrNotInFlight = errors.New("queue: item is not in flight")
	ErrNotFound    = errors.New("queue: item not found")
)

type Config struct {
	MaxAttempts       int
	BaseBackoffDelay  time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
	// MaxSize bounds queued plus in-flight items; 0 means unbounded.
	MaxSize int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		BaseBackoffDelay:  time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        5 * time.Minute,
	}
}

func ConfigFrom(c config.QueueConfig) Config {
	return Config{
		MaxAttempts:       c.MaxAttempts,
		BaseBackoffDelay:  c.BaseBackoffDelay,
		BackoffMultiplier: c.BackoffMultiplier,
		BackoffCap:        c.BackoffCap,
		MaxSize:           c.MaxSize,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("queue: max attempts %d must be at least 1", c.MaxAttempts)
	case c.BaseBackoffDelay <= 0:
		return errors.New("queue: base backoff delay must be positive")
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("queue: backoff multiplier %.2f below 1", c.BackoffMultiplier)
	case c.BackoffCap < c.BaseBackoffDelay:
		return errors.New("queue: backoff cap below base delay")
	case c.MaxSize < 0:
		return errors.New("queue: negative max size")
	}
	return nil
}

// Backoff is the delay before retry number attempts (1-based):
// min(base * multiplier^(attempts-1), cap).
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseBackoffDelay
	b.Multiplier = c.BackoffMultiplier
	b.MaxInterval = c.BackoffCap
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

type Option func(*Queue)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithDeadLetterHook is called, outside the lock, with a copy of every item
// moved to the dead-letter store.
func WithDeadLetterHook(fn func(Item)) Option {
	return func(q *Queue) { q.onDeadLetter = fn }
}

type Stats struct {
	Enqueued     int64 `json:"enqueued"`
	Dequeued     int64 `json:"dequeued"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	Released     int64 `json:"released"`
	DeadLettered int64 `json:"dead_lettered"`
}

type Status struct {
	Queued       map[priority.Level]int `json:"queued"`
	Waiting      int                    `json:"waiting"` // queued items still in backoff
	InFlight     int                    `json:"in_flight"`
	DeadLettered int                    `json:"dead_lettered"`
	Total        int                    `json:"total"`
	Oldest       time.Time              `json:"oldest,omitempty"`
	Closed       bool                   `json:"closed"`
	Stats        Stats                  `json:"stats"`
}

type Queue struct {
	cfg Config

	mu       sync.RWMutex
	levels   [priority.Count][]*Item
	inFlight map[string]*Item
	ids      map[string]struct{}
	dead     []*Item
	seq      uint64
	stats    Stats
	closed   bool
	wake     chan struct{}

	now          func() time.Time
	onDeadLetter func(Item)
}

// New validates cfg and returns an empty queue.
func New(cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:      cfg,
		inFlight: make(map[string]*Item),
		ids:      make(map[string]struct{}),
		wake:     make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *Queue) Config() Config { return q.cfg }

// Enqueue adds item and returns its id. Missing ids and creation times are
// filled in.
func (q *Queue) Enqueue(item Item) (string, error) {
	ids, err := q.EnqueueBatch([]Item{item})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch adds all items or none.
func (q *Queue) EnqueueBatch(items []Item) ([]string, error) {
	now := q.now()
	prepared := make([]*Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i := range items {
		it := items[i].copy()
		if it.Entity == "" {
			return nil, syncerr.Validation("enqueue", errors.New("item has no entity"))
		}
		if !it.Operation.Valid() {
			return nil, syncerr.Validation("enqueue", fmt.Errorf("invalid operation %q", it.Operation))
		}
		if !it.Priority.Valid() {
			return nil, syncerr.Validation("enqueue", fmt.Errorf("invalid priority %d", it.Priority))
		}
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if _, dup := seen[it.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, it.ID)
		}
		seen[it.ID] = struct{}{}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		it.State = StateQueued
		it.Attempts, it.LastError, it.LastErrorKind = 0, "", ""
		it.NextAttemptAt, it.DeadLetteredAt = time.Time{}, time.Time{}
		prepared = append(prepared, &it)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.cfg.MaxSize > 0 && len(q.ids)+len(prepared) > q.cfg.MaxSize {
		return nil, ErrFull
	}
	for _, it := range prepared {
		if _, dup := q.ids[it.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, it.ID)
		}
	}
	out := make([]string, len(prepared))
	for i, it := range prepared {
		q.seq++
		it.seq = q.seq
		q.levels[it.Priority] = append(q.levels[it.Priority], it)
		q.ids[it.ID] = struct{}{}
		out[i] = it.ID
	}
	q.stats.Enqueued += int64(len(prepared))
	q.broadcast()
	return out, nil
}

// broadcast wakes DequeueWait callers. Callers hold the lock.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Dequeue returns the oldest ready item of the highest non-empty priority
// level and marks it in flight. Items waiting on backoff are skipped.
func (q *Queue) Dequeue() (Item, bool) {
	items := q.DequeueBatch("", 1)
	if len(items) == 0 {
		return Item{}, false
	}
	return items[0], true
}

// DequeueBatch takes up to limit ready items in dequeue order, restricted to
// entity unless it is empty.
func (q *Queue) DequeueBatch(entity string, limit int) []Item {
	if limit <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	now := q.now()
	var out []Item
	for _, lvl := range priority.Levels() {
		list := q.levels[lvl]
		kept := list[:0]
		for _, it := range list {
			if len(out) < limit && it.ready(now) && (entity == "" || it.Entity == entity) {
				it.State = StateInFlight
				q.inFlight[it.ID] = it
				out = append(out, it.copy())
				continue
			}
			kept = append(kept, it)
		}
		clear(list[len(kept):])
		q.levels[lvl] = kept
		if len(out) == limit {
			break
		}
	}
	q.stats.Dequeued += int64(len(out))
	return out
}

// DequeueWait blocks until an item is ready, the queue closes or ctx ends.
func (q *Queue) DequeueWait(ctx context.Context) (Item, error) {
	for {
		if it, ok := q.Dequeue(); ok {
			return it, nil
		}
		q.mu.RLock()
		closed, wake := q.closed, q.wake
		next := q.nextDueLocked()
		q.mu.RUnlock()
		if closed {
			return Item{}, ErrClosed
		}

		var t *time.Timer
		var timer <-chan time.Time
		if !next.IsZero() {
			t = time.NewTimer(max(next.Sub(q.now()), time.Millisecond))
			timer = t.C
		}
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return Item{}, ctx.Err()
		case <-wake:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
	}
}

func (q *Queue) nextDueLocked() time.Time {
	var next time.Time
	for _, list := range q.levels {
		for _, it := range list {
			if next.IsZero() || it.NextAttemptAt.Before(next) {
				next = it.NextAttemptAt
			}
		}
	}
	return next
}

// CompleteItem settles an in-flight item with the backend result. A failed
// result is handed to FailItem.
func (q *Queue) CompleteItem(item Item, res backend.Result) error {
	if !res.Success() {
		return q.FailItem(item, res.Err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[item.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, item.ID)
	}
	delete(q.inFlight, item.ID)
	delete(q.ids, item.ID)
	q.stats.Completed++
	return nil
}

// FailItem records a failed attempt. Validation and conflict failures are
// dead-lettered at once without consuming an attempt, since retrying the
// same payload cannot help; anything else is retried after backoff until
// MaxAttempts attempts have failed.
func (q *Queue) FailItem(item Item, cause error) error {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	kind := syncerr.KindOf(cause)

	q.mu.Lock()
	it, ok := q.inFlight[item.ID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInFlight, item.ID)
	}
	delete(q.inFlight, item.ID)
	q.stats.Failed++
	it.LastError = cause.Error()
	it.LastErrorKind = kind

	retryable := syncerr.Retryable(kind)
	if retryable {
		it.Attempts++
	}
	if !retryable || it.Attempts >= q.cfg.MaxAttempts {
		dead := q.deadLetterLocked(it)
		q.mu.Unlock()
		logger.Log.Warn("Queue item dead-lettered",
			zap.String("id", dead.ID),
			zap.String("entity", dead.Entity),
			zap.Int("attempts", dead.Attempts),
			zap.String("kind", string(kind)),
			zap.String("error", dead.LastError))
		if q.onDeadLetter != nil {
			q.onDeadLetter(dead)
		}
		return nil
	}

	delay := q.cfg.Backoff(it.Attempts)
	if kind == syncerr.KindRateLimit {
		delay = max(delay, syncerr.RetryAfterOf(cause))
	}
	it.NextAttemptAt = q.now().Add(delay)
	it.State = StateRetryPending
	q.seq++
	it.seq = q.seq
	q.levels[it.Priority] = append(q.levels[it.Priority], it)
	q.stats.Retried++
	attempts := it.Attempts
	q.broadcast()
	q.mu.Unlock()

	logger.Log.Debug("Queue item scheduled for retry",
		zap.String("id", item.ID),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.String("kind", string(kind)))
	return nil
}

func (q *Queue) deadLetterLocked(it *Item) Item {
	delete(q.ids, it.ID)
	it.State = StateDeadLettered
	it.DeadLetteredAt = q.now()
	it.NextAttemptAt = time.Time{}
	q.dead = append(q.dead, it)
	q.stats.DeadLettered++
	return it.copy()
}

func (q *Queue) GetStatus() Status {
	q.mu.RLock()
	defer q.mu.RUnlock()
	now := q.now()
	st := Status{
		Queued:       make(map[priority.Level]int, priority.Count),
		InFlight:     len(q.inFlight),
		DeadLettered: len(q.dead),
		Closed:       q.closed,
		Stats:        q.stats,
	}
	for lvl, list := range q.levels {
		st.Queued[priority.Level(lvl)] = len(list)
		st.Total += len(list)
		for _, it := range list {
			if !it.ready(now) {
				st.Waiting++
			}
			if st.Oldest.IsZero() || it.CreatedAt.Before(st.Oldest) {
				st.Oldest = it.CreatedAt
			}
		}
	}
	return st
}

// GetDeadLetterItems returns up to limit dead-lettered items, oldest first.
// A limit of 0 or less returns all of them.
func (q *Queue) GetDeadLetterItems(limit int) []Item {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Item, n)
	for i := 0; i < n; i++ {
		out[i] = q.dead[i].copy()
	}
	return out
}

// RequeueDeadLetter moves a dead-lettered item back to the tail of its level
// with a fresh attempt budget.
func (q *Queue) RequeueDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	i := q.deadIndexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	it := q.dead[i]
	q.dead = append(q.dead[:i], q.dead[i+1:]...)
	it.State = StateQueued
	it.Attempts = 0
	it.DeadLetteredAt = time.Time{}
	q.seq++
	it.seq = q.seq
	q.levels[it.Priority] = append(q.levels[it.Priority], it)
	q.ids[it.ID] = struct{}{}
	q.broadcast()
	return nil
}

func (q *Queue) PurgeDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.deadIndexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q.dead = append(q.dead[:i], q.dead[i+1:]...)
	return nil
}

// PurgeDeadLetters empties the dead-letter store and reports how many items
// were dropped.
func (q *Queue) PurgeDeadLetters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	q.dead = nil
	return n
}

func (q *Queue) deadIndexLocked(id string) int {
	for i, it := range q.dead {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// ClearQueues drops every queued item. In-flight and dead-lettered items are
// kept; the number of dropped items is returned.
func (q *Queue) ClearQueues() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for lvl, list := range q.levels {
		for _, it := range list {
			delete(q.ids, it.ID)
		}
		n += len(list)
		q.levels[lvl] = nil
	}
	return n
}

// Snapshot returns every live and dead-lettered item in dequeue order, dead
// letters last. In-flight items are reported as queued since that is where
// a restart would put them.
func (q *Queue) Snapshot() []Item {
	q.mu.RLock()
	defer q.mu.RUnlock()
	live := make([]*Item, 0, len(q.ids))
	for _, list := range q.levels {
		live = append(live, list...)
	}
	for _, it := range q.inFlight {
		live = append(live, it)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].Priority != live[j].Priority {
			return live[i].Priority > live[j].Priority
		}
		return live[i].seq < live[j].seq
	})
	out := make([]Item, 0, len(live)+len(q.dead))
	for _, it := range live {
		c := it.copy()
		if c.State == StateInFlight {
			c.State = StateQueued
		}
		out = append(out, c)
	}
	for _, it := range q.dead {
		out = append(out, it.copy())
	}
	return out
}

// Restore loads items produced by Snapshot into an empty queue, keeping
// their attempts, backoff and dead-letter state.
func (q *Queue) Restore(items []Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.ids) > 0 || len(q.dead) > 0 || len(q.inFlight) > 0 {
		return errors.New("queue: restore requires an empty queue")
	}
	for i := range items {
		it := items[i].copy()
		if !it.Priority.Valid() || !it.Operation.Valid() || it.ID == "" {
			return syncerr.Validation("restore", fmt.Errorf("malformed item %q", it.ID))
		}
		if it.State == StateDeadLettered {
			q.dead = append(q.dead, &it)
			continue
		}
		if _, dup := q.ids[it.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicate, it.ID)
		}
		if it.State != StateRetryPending {
			it.State = StateQueued
		}
		q.seq++
		it.seq = q.seq
		q.levels[it.Priority] = append(q.levels[it.Priority], &it)
		q.ids[it.ID] = struct{}{}
	}
	q.broadcast()
	return nil
}

// Close stops the queue. In-flight items go back to their original position
// in their level; later enqueues fail with ErrClosed and blocked DequeueWait
// calls return.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, it := range q.inFlight {
		q.releaseLocked(it)
	}
	q.broadcast()
}

// Release hands an in-flight item back unsettled. It returns to its original
// position in its level without consuming an attempt, for work that was
// abandoned rather than attempted.
func (q *Queue) Release(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.inFlight[item.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, item.ID)
	}
	q.releaseLocked(it)
	q.stats.Released++
	q.broadcast()
	return nil
}

func (q *Queue) releaseLocked(it *Item) {
	it.State = StateQueued
	list := q.levels[it.Priority]
	i := sort.Search(len(list), func(i int) bool { return list[i].seq > it.seq })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = it
	q.levels[it.Priority] = list
	delete(q.inFlight, it.ID)
}
