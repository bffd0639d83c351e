package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"offline-sync-engine/internal/backend"
	"offline-sync-engine/internal/conflict"
	"offline-sync-engine/internal/delta"
	"offline-sync-engine/internal/logger"
)

const (
	ActionNone     = "none"
	ActionPushed   = "pushed"
	ActionPulled   = "pulled"
	ActionResolved = "resolved"
	ActionPending  = "pending"
)

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}

// Reconcile brings one record of collection into agreement with the
// backend. local is the caller's current version, nil when it was deleted
// locally. The record is read back, compared against the last synced
// snapshot and either fast-forwarded in one direction or handed to the
// conflict engine with the entity's strategy. Conflicts the strategy cannot
// settle stay pending until ResolveConflict.
func (m *Manager) Reconcile(ctx context.Context, collection, id string, local map[string]any) (*ReconcileResult, error) {
	ent, ok := m.Entity(collection)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, collection)
	}
	if id == "" {
		return nil, errors.New("sync: record id is required")
	}
	return m.reconcile(ctx, ent, id, local)
}

func (m *Manager) reconcile(ctx context.Context, ent Entity, id string, local map[string]any) (*ReconcileResult, error) {
	remote, err := m.readRemote(ctx, ent.Name, id)
	if err != nil {
		return nil, err
	}
	base := m.snapshot(ent.Name, id)

	c := m.conflicts.Detect(ent.Name, id, conflict.Snapshots{Local: local, Remote: remote, Base: base})
	if c == nil {
		return m.fastForward(ctx, ent.Name, id, local, remote, base)
	}
	m.saveConflict(c)

	res := m.conflicts.Resolve(ctx, c, ent.Conflict)
	if !res.Success {
		if errors.Is(res.Err, conflict.ErrManualResolution) {
			m.mu.Lock()
			m.pending[c.ID] = c
			m.mu.Unlock()
			return &ReconcileResult{Action: ActionPending, Conflict: c, Resolution: &res}, nil
		}
		return nil, res.Err
	}

	rec, err := m.apply(ctx, ent.Name, id, remote != nil, res)
	if err != nil {
		return nil, err
	}
	m.markResolved(c, res)
	return &ReconcileResult{Action: ActionResolved, Record: rec, Conflict: c, Resolution: &res}, nil
}

func (m *Manager) readRemote(ctx context.Context, collection, id string) (map[string]any, error) {
	res := m.backend.Read(ctx, collection, id)
	switch {
	case res.Err == nil:
		return res.Data, nil
	case isNotFound(res.Err):
		return nil, nil
	}
	return nil, res.Err
}

// fastForward handles the records the conflict engine found no conflict
// in: at most one side moved since the snapshot, or both agree.
func (m *Manager) fastForward(ctx context.Context, collection, id string, local, remote, base map[string]any) (*ReconcileResult, error) {
	pull := func() (*ReconcileResult, error) {
		m.setSnapshot(collection, id, remote)
		return &ReconcileResult{Action: ActionPulled, Record: delta.Clone(remote)}, nil
	}

	switch {
	case local == nil && remote == nil:
		m.setSnapshot(collection, id, nil)
		return &ReconcileResult{Action: ActionNone}, nil
	case local != nil && remote != nil && delta.Checksum(local) == delta.Checksum(remote):
		m.setSnapshot(collection, id, remote)
		return &ReconcileResult{Action: ActionNone, Record: delta.Clone(remote)}, nil
	case local == nil:
		if base == nil {
			return pull()
		}
		return m.push(ctx, collection, id, nil, true)
	case remote == nil:
		if base != nil {
			return pull()
		}
		return m.push(ctx, collection, id, local, false)
	case base != nil && delta.Checksum(local) == delta.Checksum(base):
		return pull()
	}
	return m.push(ctx, collection, id, local, true)
}

func (m *Manager) push(ctx context.Context, collection, id string, local map[string]any, remoteExists bool) (*ReconcileResult, error) {
	rec, err := m.apply(ctx, collection, id, remoteExists, conflict.Resolution{Resolved: local, Deleted: local == nil})
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{Action: ActionPushed, Record: rec}, nil
}

// apply writes a resolved version back to the backend and makes it the new
// snapshot.
func (m *Manager) apply(ctx context.Context, collection, id string, remoteExists bool, res conflict.Resolution) (map[string]any, error) {
	var out backend.Result
	switch {
	case res.Deleted:
		out = m.backend.Delete(ctx, collection, id)
	case remoteExists:
		out = m.backend.Update(ctx, collection, id, res.Resolved)
	default:
		out = m.backend.Create(ctx, collection, id, res.Resolved)
	}
	if out.Err != nil {
		return nil, out.Err
	}
	if res.Deleted {
		m.setSnapshot(collection, id, nil)
		return nil, nil
	}
	rec := out.Data
	if rec == nil {
		rec = res.Resolved
	}
	m.setSnapshot(collection, id, rec)
	return delta.Clone(rec), nil
}

// PendingConflicts lists the conflicts waiting for ResolveConflict, oldest
// first.
func (m *Manager) PendingConflicts() []conflict.Conflict {
	m.mu.RLock()
	out := make([]conflict.Conflict, 0, len(m.pending))
	for _, c := range m.pending {
		out = append(out, *c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ResolveConflict settles a pending conflict with the caller's version of
// the record. A nil record resolves it as a deletion.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID string, record map[string]any) (*ReconcileResult, error) {
	m.mu.Lock()
	c, ok := m.pending[conflictID]
	delete(m.pending, conflictID)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConflict, conflictID)
	}

	res := m.conflicts.ResolveManually(c, record)
	remote, err := m.readRemote(ctx, c.Collection, c.EntityID)
	var rec map[string]any
	if err == nil {
		rec, err = m.apply(ctx, c.Collection, c.EntityID, remote != nil, res)
	}
	if err != nil {
		m.mu.Lock()
		m.pending[conflictID] = c
		m.mu.Unlock()
		logger.Log.Warn("Manual conflict resolution not applied",
			zap.String("conflict_id", conflictID),
			zap.Error(err))
		return nil, err
	}

	m.markResolved(c, res)
	return &ReconcileResult{Action: ActionResolved, Record: rec, Conflict: c, Resolution: &res}, nil
}
