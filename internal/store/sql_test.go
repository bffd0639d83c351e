package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-engine/internal/config"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), config.StateStorage{Type: "sqlite"})
	require.NoError(t, err)
	require.NotNil(t, s)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenNone(t *testing.T) {
	s, err := Open(context.Background(), config.StateStorage{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestScheduleStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st := &ScheduleState{Entity: "orders", Priority: "high", Strategy: "adaptive", Interval: 90 * time.Second,
		NextDue: due, TotalSyncs: 4, Successes: 3, Failures: 1, LastError: "timeout"}
	require.NoError(t, s.SaveScheduleState(ctx, st))

	st.Interval = 2 * time.Minute
	st.LastError = ""
	require.NoError(t, s.SaveScheduleState(ctx, st))

	got, err := s.GetScheduleState(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, got.Interval)
	assert.True(t, due.Equal(got.NextDue))
	assert.True(t, got.LastSync.IsZero())
	assert.Equal(t, 3, got.Successes)
	assert.Empty(t, got.LastError)

	_, err = s.GetScheduleState(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveScheduleState(ctx, &ScheduleState{Entity: "accounts", Priority: "low", Strategy: "fixed"}))
	all, err := s.ListScheduleStates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "accounts", all[0].Entity)
}

func TestQueueItems(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	items := []*QueueRecord{
		{ID: "b", Entity: "notes", EntityID: "2", Operation: "update", Payload: []byte(`{"x":1}`), Priority: "normal", State: "pending", CreatedAt: t0.Add(time.Second)},
		{ID: "a", Entity: "notes", EntityID: "1", Operation: "create", Priority: "high", State: "pending", CreatedAt: t0},
	}
	require.NoError(t, s.ReplaceQueueItems(ctx, items))

	got, err := s.ListQueueItems(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Nil(t, got[0].Payload)
	assert.JSONEq(t, `{"x":1}`, string(got[1].Payload))

	dead := &QueueRecord{ID: "c", Entity: "notes", EntityID: "3", Operation: "delete", Priority: "low", State: "dead_letter",
		Attempts: 5, LastError: "boom", LastErrorKind: "backend", CreatedAt: t0, DeadLetteredAt: t0.Add(time.Minute)}
	require.NoError(t, s.SaveQueueItem(ctx, dead))

	got, err = s.ListQueueItems(ctx, "dead_letter")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Attempts)
	assert.Equal(t, "backend", got[0].LastErrorKind)
	assert.True(t, t0.Add(time.Minute).Equal(got[0].DeadLetteredAt))

	require.NoError(t, s.DeleteQueueItem(ctx, "c"))
	require.NoError(t, s.ReplaceQueueItems(ctx, items[:1]))
	got, err = s.ListQueueItems(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestConflicts(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"c1", "c2"} {
		require.NoError(t, s.CreateConflict(ctx, &ConflictRecord{
			ID: id, Collection: "notes", EntityID: "n1", ConflictType: "update_update",
			LocalData: []byte(`{"a":1}`), RemoteData: []byte(`{"a":2}`), Fields: []string{"a"},
			Severity: 40, DetectedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	open, err := s.ListConflicts(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "c2", open[0].ID)
	assert.Equal(t, []string{"a"}, open[0].Fields)
	assert.Nil(t, open[0].BaseData)

	require.NoError(t, s.ResolveConflict(ctx, "c1", "merge", []byte(`{"a":2}`)))
	assert.ErrorIs(t, s.ResolveConflict(ctx, "ghost", "merge", nil), ErrNotFound)

	c, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.Resolved)
	assert.Equal(t, "merge", c.ResolutionStrategy)
	assert.False(t, c.ResolvedAt.IsZero())
	assert.JSONEq(t, `{"a":2}`, string(c.ResolvedData))

	done, err := s.ListConflicts(ctx, true, 10, 0)
	require.NoError(t, err)
	require.Len(t, done, 1)

	_, err = s.GetConflict(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncHistory(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i, entity := range []string{"notes", "tags", "notes"} {
		require.NoError(t, s.CreateSyncHistory(ctx, &SyncHistory{
			ID: string(rune('a' + i)), Entity: entity, StartedAt: t0.Add(time.Duration(i) * time.Minute),
			CompletedAt: t0.Add(time.Duration(i)*time.Minute + time.Second), Status: "completed",
			Operations: 3, Succeeded: 3, BytesOriginal: 300, BytesSent: 120, Strategy: "parallel",
		}))
	}

	h, err := s.GetSyncHistory(ctx, "notes", 10, 0)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "c", h[0].ID)
	assert.Equal(t, int64(120), h[0].BytesSent)

	h, err = s.GetSyncHistory(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "b", h[0].ID)
}
