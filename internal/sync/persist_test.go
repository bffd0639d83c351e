package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-engine/internal/conflict"
	"offline-sync-engine/internal/priority"
	"offline-sync-engine/internal/queue"
	"offline-sync-engine/internal/scheduler"
	"offline-sync-engine/internal/store"
	"offline-sync-engine/internal/syncerr"
)

func TestQueueRecordConversion(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	it := queue.Item{
		ID:            "q1",
		Entity:        "notes",
		EntityID:      "n1",
		Operation:     queue.OpUpdate,
		Payload:       map[string]any{"title": "a", "n": 2.0},
		Priority:      priority.Critical,
		CreatedAt:     at,
		Attempts:      3,
		LastError:     "timeout",
		LastErrorKind: syncerr.KindTimeout,
		NextAttemptAt: at.Add(time.Minute),
		State:         queue.StateRetryPending,
	}

	rec, err := itemToRecord(it)
	require.NoError(t, err)
	assert.Equal(t, "critical", rec.Priority)
	assert.Equal(t, "update", rec.Operation)
	assert.JSONEq(t, `{"title":"a","n":2}`, string(rec.Payload))

	back, err := recordToItem(rec)
	require.NoError(t, err)
	assert.Equal(t, it, back)

	del, err := itemToRecord(queue.Item{ID: "q2", Entity: "notes", EntityID: "n1", Operation: queue.OpDelete})
	require.NoError(t, err)
	assert.Nil(t, del.Payload)
}

func TestRecordToItemRejectsGarbage(t *testing.T) {
	_, err := recordToItem(&store.QueueRecord{ID: "x", Priority: "urgent-ish"})
	assert.Error(t, err)

	_, err = recordToItem(&store.QueueRecord{ID: "x", Priority: "normal", Payload: []byte("{not json")})
	assert.Error(t, err)
}

func TestConflictRecordConversion(t *testing.T) {
	c := &conflict.Conflict{
		ID:         "c1",
		Collection: "notes",
		EntityID:   "n1",
		Type:       conflict.UpdateDelete,
		Local:      map[string]any{"title": "mine"},
		Fields:     []string{"title"},
		Severity:   conflict.Severity(conflict.UpdateDelete),
		DetectedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	rec, err := conflictToRecord(c)
	require.NoError(t, err)
	assert.Equal(t, "update_delete", rec.ConflictType)
	assert.JSONEq(t, `{"title":"mine"}`, string(rec.LocalData))
	assert.Nil(t, rec.RemoteData)
	assert.Nil(t, rec.BaseData)
	assert.Equal(t, 100, rec.Severity)
}

func TestScheduleToState(t *testing.T) {
	sc := scheduler.Schedule{
		Entity:   "notes",
		Priority: priority.Low,
		Strategy: scheduler.Strategy{Type: scheduler.Adaptive},
		Interval: 3 * time.Minute,
	}
	st := scheduleToState(sc, scheduler.Metrics{TotalSyncs: 4, Failures: 1, LastError: "x"})
	assert.Equal(t, "low", st.Priority)
	assert.Equal(t, "adaptive", st.Strategy)
	assert.Equal(t, 3*time.Minute, st.Interval)
	assert.Equal(t, 4, st.TotalSyncs)
	assert.Equal(t, "x", st.LastError)
}
