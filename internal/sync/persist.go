package sync

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"offline-sync-engine/internal/conflict"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/priority"
	"offline-sync-engine/internal/queue"
	"offline-sync-engine/internal/scheduler"
	"offline-sync-engine/internal/store"
	"offline-sync-engine/internal/syncerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// storeTimeout bounds the writes made from hooks that have no caller context.
const storeTimeout = 5 * time.Second

func itemToRecord(it queue.Item) (*store.QueueRecord, error) {
	var payload []byte
	if it.Payload != nil {
		var err error
		if payload, err = json.Marshal(it.Payload); err != nil {
			return nil, fmt.Errorf("queue item %s: %w", it.ID, err)
		}
	}
	return &store.QueueRecord{
		ID:             it.ID,
		Entity:         it.Entity,
		EntityID:       it.EntityID,
		Operation:      string(it.Operation),
		Payload:        payload,
		Priority:       it.Priority.String(),
		State:          string(it.State),
		Attempts:       it.Attempts,
		LastError:      it.LastError,
		LastErrorKind:  string(it.LastErrorKind),
		CreatedAt:      it.CreatedAt,
		NextAttemptAt:  it.NextAttemptAt,
		DeadLetteredAt: it.DeadLetteredAt,
	}, nil
}

func recordToItem(r *store.QueueRecord) (queue.Item, error) {
	p, err := priority.Parse(r.Priority)
	if err != nil {
		return queue.Item{}, fmt.Errorf("queue item %s: %w", r.ID, err)
	}
	it := queue.Item{
		ID:             r.ID,
		Entity:         r.Entity,
		EntityID:       r.EntityID,
		Operation:      queue.Operation(r.Operation),
		Priority:       p,
		CreatedAt:      r.CreatedAt,
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		LastErrorKind:  syncerr.Kind(r.LastErrorKind),
		NextAttemptAt:  r.NextAttemptAt,
		State:          queue.State(r.State),
		DeadLetteredAt: r.DeadLetteredAt,
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &it.Payload); err != nil {
			return queue.Item{}, fmt.Errorf("queue item %s payload: %w", r.ID, err)
		}
	}
	return it, nil
}

func conflictToRecord(c *conflict.Conflict) (*store.ConflictRecord, error) {
	rec := &store.ConflictRecord{
		ID:           c.ID,
		Collection:   c.Collection,
		EntityID:     c.EntityID,
		ConflictType: string(c.Type),
		Fields:       c.Fields,
		Severity:     c.Severity,
		DetectedAt:   c.DetectedAt,
	}
	var err error
	for _, f := range []struct {
		dst *[]byte
		src map[string]any
	}{{&rec.LocalData, c.Local}, {&rec.RemoteData, c.Remote}, {&rec.BaseData, c.Base}} {
		if f.src == nil {
			continue
		}
		if *f.dst, err = json.Marshal(f.src); err != nil {
			return nil, fmt.Errorf("conflict %s: %w", c.ID, err)
		}
	}
	return rec, nil
}

func scheduleToState(sc scheduler.Schedule, mt scheduler.Metrics) *store.ScheduleState {
	return &store.ScheduleState{
		Entity:     sc.Entity,
		Priority:   sc.Priority.String(),
		Strategy:   string(sc.Strategy.Type),
		Interval:   sc.Interval,
		NextDue:    sc.NextDue,
		LastSync:   sc.LastSync,
		TotalSyncs: mt.TotalSyncs,
		Successes:  mt.Successes,
		Failures:   mt.Failures,
		LastError:  mt.LastError,
	}
}

func (m *Manager) hookContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// persistDeadLetter is the queue's dead-letter hook. The item is written at
// once so it survives a crash.
func (m *Manager) persistDeadLetter(it queue.Item) {
	if m.store == nil {
		return
	}
	rec, err := itemToRecord(it)
	if err == nil {
		ctx, cancel := m.hookContext()
		defer cancel()
		err = m.store.SaveQueueItem(ctx, rec)
	}
	if err != nil {
		logger.Log.Error("Failed to persist dead letter", zap.String("id", it.ID), zap.Error(err))
	}
}

func (m *Manager) forgetQueueItem(ctx context.Context, id string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteQueueItem(ctx, id); err != nil {
		logger.Log.Warn("Failed to delete stored queue item", zap.String("id", id), zap.Error(err))
	}
}

func (m *Manager) saveConflict(c *conflict.Conflict) {
	if m.store == nil {
		return
	}
	rec, err := conflictToRecord(c)
	if err == nil {
		ctx, cancel := m.hookContext()
		defer cancel()
		err = m.store.CreateConflict(ctx, rec)
	}
	if err != nil {
		logger.Log.Error("Failed to record conflict", zap.String("conflict_id", c.ID), zap.Error(err))
	}
}

func (m *Manager) markResolved(c *conflict.Conflict, res conflict.Resolution) {
	if m.store == nil {
		return
	}
	var data []byte
	var err error
	if res.Resolved != nil {
		data, err = json.Marshal(res.Resolved)
	}
	if err == nil {
		ctx, cancel := m.hookContext()
		defer cancel()
		err = m.store.ResolveConflict(ctx, c.ID, string(res.Strategy), data)
	}
	if err != nil {
		logger.Log.Error("Failed to record conflict resolution", zap.String("conflict_id", c.ID), zap.Error(err))
	}
}

func (m *Manager) saveHistory(r *CycleReport) {
	if m.store == nil {
		return
	}
	status := "completed"
	switch {
	case r.Released > 0:
		status = "cancelled"
	case r.Failed > 0 && r.Failed == r.Operations:
		status = "failed"
	case r.Failed > 0:
		status = "partial"
	}
	h := &store.SyncHistory{
		ID:            r.ID,
		Entity:        r.Entity,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.StartedAt.Add(r.Duration),
		Status:        status,
		Operations:    r.Operations,
		Succeeded:     r.Succeeded,
		Failed:        r.Failed,
		Conflicts:     r.Conflicts,
		BytesOriginal: r.BytesOriginal,
		BytesSent:     r.BytesSent,
		Strategy:      r.Strategy,
	}
	if r.Err != nil {
		h.ErrorMessage = r.Err.Error()
	}
	ctx, cancel := m.hookContext()
	defer cancel()
	if err := m.store.CreateSyncHistory(ctx, h); err != nil {
		logger.Log.Error("Failed to save sync history", zap.String("entity", r.Entity), zap.Error(err))
	}
}

// restore reloads the queue and the learned schedules saved by the last
// Stop. Items and schedules of entities no longer registered are dropped.
func (m *Manager) restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.ListQueueItems(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}
	items := make([]queue.Item, 0, len(records))
	for _, r := range records {
		if _, ok := m.entities[r.Entity]; !ok {
			continue
		}
		it, err := recordToItem(r)
		if err != nil {
			logger.Log.Warn("Skipping unreadable queue item", zap.Error(err))
			continue
		}
		items = append(items, it)
	}
	if err := m.queue.Restore(items); err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}

	states, err := m.store.ListScheduleStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	restored := 0
	for _, st := range states {
		if _, ok := m.entities[st.Entity]; !ok {
			continue
		}
		err := m.scheduler.Restore(st.Entity, st.Interval, st.NextDue, st.LastSync, scheduler.Metrics{
			TotalSyncs: st.TotalSyncs,
			Successes:  st.Successes,
			Failures:   st.Failures,
			LastError:  st.LastError,
		})
		if err != nil {
			return err
		}
		restored++
	}

	logger.Log.Info("Restored sync state",
		zap.Int("queue_items", len(items)),
		zap.Int("schedules", restored))
	return nil
}

// persist saves the queue, dead letters included, and every schedule.
func (m *Manager) persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snap := m.queue.Snapshot()
	records := make([]*store.QueueRecord, 0, len(snap))
	for _, it := range snap {
		rec, err := itemToRecord(it)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := m.store.ReplaceQueueItems(ctx, records); err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}

	for _, sc := range m.scheduler.Schedules() {
		mt, _ := m.scheduler.GetMetrics(sc.Entity)
		if err := m.store.SaveScheduleState(ctx, scheduleToState(sc, mt)); err != nil {
			return fmt.Errorf("failed to save schedule %s: %w", sc.Entity, err)
		}
	}
	logger.Log.Info("Saved sync state", zap.Int("queue_items", len(records)))
	return nil
}
