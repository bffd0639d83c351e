package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-engine/internal/syncerr"
)

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created := m.Create(ctx, "notes", "n1", map[string]any{"title": "a", "n": 1})
	require.True(t, created.Success())
	assert.Equal(t, map[string]any{"title": "a", "n": 1.0}, created.Data)

	dup := m.Create(ctx, "notes", "n1", map[string]any{})
	assert.Equal(t, syncerr.KindConflict, syncerr.KindOf(dup.Err))

	updated := m.Update(ctx, "notes", "n1", map[string]any{"title": "b"})
	require.True(t, updated.Success())
	assert.Equal(t, map[string]any{"title": "b", "n": 1.0}, updated.Data)

	read := m.Read(ctx, "notes", "n1")
	require.True(t, read.Success())
	assert.Equal(t, "b", read.Data["title"])

	require.True(t, m.Delete(ctx, "notes", "n1").Success())
	missing := m.Read(ctx, "notes", "n1")
	assert.ErrorIs(t, missing.Err, ErrNotFound)
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(missing.Err))
	assert.True(t, m.Delete(ctx, "notes", "n1").Success(), "delete is idempotent")

	upd := m.Update(ctx, "notes", "ghost", map[string]any{"x": 1})
	assert.ErrorIs(t, upd.Err, ErrNotFound)
}

func TestMemoryAssignsIDs(t *testing.T) {
	m := NewMemory()
	r := m.Create(context.Background(), "notes", "", map[string]any{"x": 1})
	require.True(t, r.Success())
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, 1, m.Len("notes"))
}

func TestMemoryDoesNotShareMaps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	in := map[string]any{"x": 1}
	m.Create(ctx, "c", "1", in)
	in["x"] = 2

	r := m.Read(ctx, "c", "1")
	r.Data["x"] = 3
	assert.Equal(t, 1.0, m.Read(ctx, "c", "1").Data["x"])
}

func TestMemoryQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put("tasks", "a", map[string]any{"owner": "u1", "rank": 3})
	m.Put("tasks", "b", map[string]any{"owner": "u1", "rank": 1})
	m.Put("tasks", "c", map[string]any{"owner": "u2", "rank": 2})
	m.Put("tasks", "d", map[string]any{"owner": "u1", "rank": 2})

	rs, err := m.Query(ctx, "tasks", Query{Filter: map[string]any{"owner": "u1"}, OrderBy: "rank"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d", "a"}, ids(rs))

	rs, err = m.Query(ctx, "tasks", Query{OrderBy: "rank", Descending: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, ids(rs))

	rs, err = m.Query(ctx, "tasks", Query{Filter: map[string]any{"rank": 2}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(rs), "integer filters match decoded numbers")
}

func TestMemoryBatches(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailWith(func(action Action, _, id string) error {
		if id == "bad" {
			return syncerr.Validation(string(action), errors.New("rejected"))
		}
		return nil
	})

	rs := m.BatchCreate(ctx, "c", []BatchItem{{ID: "1", Data: map[string]any{"v": 1}}, {ID: "bad"}, {ID: "2"}})
	require.Len(t, rs, 3)
	assert.True(t, rs[0].Success())
	assert.False(t, rs[1].Success())
	assert.True(t, rs[2].Success())
	assert.Equal(t, ActionBatchCreate, rs[0].Action)

	rs = m.BatchUpdate(ctx, "c", []BatchItem{{ID: "1", Data: map[string]any{"v": 2}}})
	assert.True(t, rs[0].Success())
	assert.Equal(t, 2.0, m.Read(ctx, "c", "1").Data["v"])

	rs = m.BatchDelete(ctx, "c", []string{"1", "2"})
	assert.Len(t, rs, 2)
	assert.Zero(t, m.Len("c"))
	assert.Equal(t, 3, m.Calls(ActionCreate))
}

func TestMemoryLatencyHonoursContext(t *testing.T) {
	m := NewMemory()
	m.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	r := m.Create(ctx, "c", "1", nil)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, syncerr.KindTimeout, syncerr.KindOf(r.Err))
}

func ids(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
