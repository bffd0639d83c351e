package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"offline-sync-engine/internal/backend"
	"offline-sync-engine/internal/batch"
	"offline-sync-engine/internal/delta"
	"offline-sync-engine/internal/events"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/network"
	"offline-sync-engine/internal/priority"
	"offline-sync-engine/internal/queue"
	"offline-sync-engine/internal/syncerr"
)

const defaultCycleBatch = 200

// SyncEntity runs one sync cycle for entity and reports how many records it
// moved. It is the scheduler's sync function.
//
// Ready items are taken from the queue in priority order. Updates are
// reduced to the fields that differ from the last synced snapshot, and
// updates that change nothing settle without a call. Items touching the
// same record run in successive rounds so their order holds. Operations the
// backend rejects as conflicting, and updates of vanished records, go
// through the conflict engine. Items a cancelled cycle did not settle go
// back to the queue without losing an attempt.
func (m *Manager) SyncEntity(ctx context.Context, entity string) (int, error) {
	ent, ok := m.Entity(entity)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	q := m.monitor.Quality()
	if q == network.Offline {
		return 0, syncerr.Network("sync", ErrOffline)
	}
	if t := m.cfg.Sync.CycleTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	limit := ent.BatchSize
	if limit <= 0 {
		limit = m.cfg.Sync.CycleBatchSize
	}
	if limit <= 0 {
		limit = defaultCycleBatch
	}
	items := m.queue.DequeueBatch(entity, limit)
	if len(items) == 0 {
		return 0, nil
	}

	report := &CycleReport{ID: uuid.New().String(), Entity: entity, StartedAt: m.now()}
	start := time.Now()
	for _, round := range rounds(items) {
		m.runRound(ctx, ent, q, round, report)
	}
	report.Duration = time.Since(start)
	report.Operations = len(items)

	m.mu.Lock()
	m.stats.Cycles++
	m.stats.Operations += int64(report.Operations)
	m.stats.Succeeded += int64(report.Succeeded)
	m.stats.Failed += int64(report.Failed)
	m.stats.Skipped += int64(report.Skipped)
	m.stats.Conflicts += int64(report.Conflicts)
	m.stats.BytesOriginal += report.BytesOriginal
	m.stats.BytesSent += report.BytesSent
	m.mu.Unlock()

	m.saveHistory(report)

	logger.Log.Info("Sync cycle finished",
		zap.String("entity", entity),
		zap.Int("operations", report.Operations),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("released", report.Released),
		zap.Int64("bytes_original", report.BytesOriginal),
		zap.Int64("bytes_sent", report.BytesSent),
		zap.Duration("duration", report.Duration))

	if report.Released > 0 {
		return report.Changed(), fmt.Errorf("sync %s: cancelled with %d operations unsettled: %w", entity, report.Released, context.Canceled)
	}
	if report.Failed > 0 && report.Failed == report.Operations {
		return 0, fmt.Errorf("sync %s: all %d operations failed: %w", entity, report.Failed, report.Err)
	}
	return report.Changed(), nil
}

// rounds splits items so that every record appears at most once per round,
// keeping queue order within each record.
func rounds(items []queue.Item) [][]queue.Item {
	seen := make(map[string]int, len(items))
	var out [][]queue.Item
	for _, it := range items {
		key := it.EntityID
		if key == "" {
			key = "item:" + it.ID
		}
		n := seen[key]
		seen[key] = n + 1
		if n == len(out) {
			out = append(out, nil)
		}
		out[n] = append(out[n], it)
	}
	return out
}

func (m *Manager) runRound(ctx context.Context, ent Entity, q network.Quality, items []queue.Item, report *CycleReport) {
	ops := make([]batch.Operation, 0, len(items))
	owners := make([]queue.Item, 0, len(items))
	for _, it := range items {
		op, noop := m.prepare(ent, it)
		orig, sent := m.wireSize(it.Payload, op.Data, it.Priority, q)
		report.BytesOriginal += orig
		report.BytesSent += sent
		if noop {
			m.settleItem(m.queue.CompleteItem(it, backend.Result{Action: backend.ActionUpdate, Collection: ent.Name, ID: it.EntityID}))
			report.Skipped++
			continue
		}
		ops = append(ops, op)
		owners = append(owners, it)
	}
	if len(ops) == 0 {
		return
	}

	strategy := m.batchStrategy(ops, q)
	total := len(ops)
	res, err := m.executor.ExecuteBatch(ctx, ops, strategy, func(done, _ int) {
		m.publish(events.LifecycleEvent{Kind: events.Progress, Operation: "sync", Entity: ent.Name, Current: done, Total: total})
	})
	if err != nil {
		for _, it := range owners {
			m.settleItem(m.queue.FailItem(it, err))
		}
		report.Failed += len(owners)
		report.Err = err
		return
	}
	report.Strategy = string(res.Strategy)

	for k, or := range res.Results {
		m.settle(ctx, ent, owners[k], ops[k], or.Result, report)
	}
}

// prepare turns an item into an operation. noop is true for an update that
// changes nothing against the last synced snapshot.
func (m *Manager) prepare(ent Entity, it queue.Item) (op batch.Operation, noop bool) {
	op = batch.Operation{ID: it.ID, Collection: ent.Name, EntityID: it.EntityID}
	switch it.Operation {
	case queue.OpCreate:
		op.Type, op.Data = batch.OpCreate, it.Payload
	case queue.OpDelete:
		op.Type = batch.OpDelete
	default:
		op.Type, op.Data = batch.OpUpdate, it.Payload
		base := m.snapshot(ent.Name, it.EntityID)
		if base == nil {
			break
		}
		differ := delta.Differ{EntityType: ent.Name, IDField: ent.PrimaryKey}
		patch := differ.Diff(base, backend.Merge(base, it.Payload))
		if patch.IsEmpty() {
			return op, true
		}
		op.Data = lo.PickByKeys(it.Payload, lo.Keys(patch.Changes))
	}
	return op, false
}

// wireSize estimates the bytes the item would have cost as queued and the
// bytes it costs after delta reduction and compression.
func (m *Manager) wireSize(payload, data map[string]any, p priority.Level, q network.Quality) (int64, int64) {
	var orig int64
	if len(payload) > 0 {
		orig = int64(delta.Size(payload))
	}
	if len(data) == 0 {
		return orig, 0
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return orig, 0
	}
	st := m.compression.SelectStrategy(raw, q, p)
	res, err := m.compression.CompressLevel(raw, st.Algorithm, st.Level)
	if err != nil || !res.Worthwhile {
		return orig, int64(len(raw))
	}
	return orig, int64(res.CompressedSize)
}

func (m *Manager) batchStrategy(ops []batch.Operation, q network.Quality) batch.Strategy {
	s, auto := batch.StrategyFromConfig(m.cfg.Batch)
	if auto {
		s = batch.OptimizeBatchStrategy(ops, q, m.resources)
	}
	return s
}

func (m *Manager) settle(ctx context.Context, ent Entity, it queue.Item, op batch.Operation, res backend.Result, report *CycleReport) {
	if res.Err == nil {
		m.settleItem(m.queue.CompleteItem(it, res))
		m.remember(ent.Name, op, res)
		report.Succeeded++
		return
	}

	if m.abandoned(ctx, it, res.Err, report) {
		return
	}
	local, ok := m.conflictCandidate(ent, it, op, res.Err)
	if !ok {
		m.settleItem(m.queue.FailItem(it, res.Err))
		report.Failed++
		if report.Err == nil {
			report.Err = res.Err
		}
		return
	}

	out, err := m.reconcile(ctx, ent, op.EntityID, local)
	switch {
	case err != nil && m.abandoned(ctx, it, err, report):
	case err != nil:
		m.settleItem(m.queue.FailItem(it, err))
		report.Failed++
		if report.Err == nil {
			report.Err = err
		}
	case out.Action == ActionPending:
		// Retrying cannot help until someone picks a version.
		cause := fmt.Errorf("conflict %s awaits manual resolution", out.Conflict.ID)
		m.settleItem(m.queue.FailItem(it, syncerr.Validation("sync", cause)))
		report.Conflicts++
	default:
		m.settleItem(m.queue.CompleteItem(it, backend.Result{Action: res.Action, Collection: ent.Name, ID: op.EntityID, Data: out.Record}))
		if out.Conflict != nil {
			report.Conflicts++
		} else {
			report.Succeeded++
		}
	}
}

// abandoned gives the item back to the queue untouched when the cycle was
// cancelled under it. Cycle timeouts are real failures and take the retry
// path.
func (m *Manager) abandoned(ctx context.Context, it queue.Item, err error, report *CycleReport) bool {
	if ctx.Err() == nil || !errors.Is(err, context.Canceled) {
		return false
	}
	m.settleItem(m.queue.Release(it))
	report.Released++
	return true
}

// conflictCandidate decides whether a failed operation is a conflict worth
// reconciling and returns the local version of the record if so: any
// operation the backend rejected as conflicting, or an update of a record
// that vanished remotely since the last sync. A nil local version with
// ok=true stands for a local deletion.
func (m *Manager) conflictCandidate(ent Entity, it queue.Item, op batch.Operation, err error) (map[string]any, bool) {
	if op.EntityID == "" {
		return nil, false
	}
	conflicting := syncerr.KindOf(err) == syncerr.KindConflict
	switch op.Type {
	case batch.OpCreate:
		if conflicting {
			return it.Payload, true
		}
	case batch.OpUpdate:
		base := m.snapshot(ent.Name, op.EntityID)
		if conflicting || (base != nil && isNotFound(err)) {
			return backend.Merge(base, it.Payload), true
		}
	case batch.OpDelete:
		if conflicting {
			return nil, true
		}
	}
	return nil, false
}

// settleItem logs a queue bookkeeping failure. It only happens when the
// queue closed under a running cycle, which returns the item anyway.
func (m *Manager) settleItem(err error) {
	if err != nil {
		logger.Log.Debug("Queue item not settled", zap.Error(err))
	}
}

func (m *Manager) snapshot(entity, id string) map[string]any {
	if id == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return delta.Clone(m.snapshots[entity][id])
}

func (m *Manager) setSnapshot(entity, id string, rec map[string]any) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec == nil {
		delete(m.snapshots[entity], id)
		return
	}
	if m.snapshots[entity] == nil {
		m.snapshots[entity] = make(map[string]map[string]any)
	}
	m.snapshots[entity][id] = delta.Clone(rec)
}

// remember records what the backend now holds after a successful operation.
func (m *Manager) remember(entity string, op batch.Operation, res backend.Result) {
	id := res.ID
	if id == "" {
		id = op.EntityID
	}
	if op.Type == batch.OpDelete {
		m.setSnapshot(entity, id, nil)
		return
	}
	rec := res.Data
	if rec == nil {
		rec = backend.Merge(m.snapshot(entity, id), op.Data)
	}
	m.setSnapshot(entity, id, rec)
}
