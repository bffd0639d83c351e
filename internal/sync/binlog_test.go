package sync

import (
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-mysql-org/go-mysql/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/priority"
	"offline-sync-engine/internal/queue"
)

func notesTable() *schema.Table {
	return &schema.Table{
		Schema:    "app",
		Name:      "notes",
		Columns:   []schema.TableColumn{{Name: "id"}, {Name: "title"}},
		PKColumns: []int{0},
	}
}

func TestToChangeEventKeepsAfterImages(t *testing.T) {
	l := newListener(config.DatabaseConnection{}, map[string]string{"notes": ""})
	defer l.cancel()

	ev, ok := l.toChangeEvent(&canal.RowsEvent{
		Table:  notesTable(),
		Action: canal.UpdateAction,
		Rows: [][]interface{}{
			{int64(1), []byte("before")},
			{int64(1), []byte("after")},
		},
		Header: &replication.EventHeader{Timestamp: 1_700_000_000},
	})
	require.True(t, ok)
	assert.Equal(t, Update, ev.Type)
	assert.Equal(t, "app", ev.Schema)
	assert.Equal(t, "id", ev.PrimaryKey, "falls back to the table's primary key")
	assert.Equal(t, uint32(1_700_000_000), ev.Timestamp)
	assert.Equal(t, []map[string]any{{"id": int64(1), "title": "after"}}, ev.Rows)
}

func TestToChangeEventFiltersTables(t *testing.T) {
	l := newListener(config.DatabaseConnection{}, map[string]string{"notes": "uuid"})
	defer l.cancel()

	other := notesTable()
	other.Name = "audit"
	_, ok := l.toChangeEvent(&canal.RowsEvent{Table: other, Action: canal.InsertAction, Rows: [][]interface{}{{1, "x"}}})
	assert.False(t, ok)

	ev, ok := l.toChangeEvent(&canal.RowsEvent{Table: notesTable(), Action: canal.DeleteAction, Rows: [][]interface{}{{1, "x"}}})
	require.True(t, ok)
	assert.Equal(t, Delete, ev.Type)
	assert.Equal(t, "uuid", ev.PrimaryKey)
	assert.Zero(t, ev.Timestamp)

	_, ok = l.toChangeEvent(nil)
	assert.False(t, ok)
}

func TestOnRowPublishes(t *testing.T) {
	l := newListener(config.DatabaseConnection{}, map[string]string{"notes": ""})
	h := &eventHandler{listener: l}

	err := h.OnRow(&canal.RowsEvent{Table: notesTable(), Action: canal.InsertAction, Rows: [][]interface{}{{int64(3), "hi"}}})
	require.NoError(t, err)

	select {
	case ev := <-l.Events():
		assert.Equal(t, Insert, ev.Type)
		assert.Equal(t, "hi", ev.Rows[0]["title"])
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	l.cancel()
	for i := 0; i < cap(l.eventChan); i++ {
		l.eventChan <- ChangeEvent{}
	}
	err = h.OnRow(&canal.RowsEvent{Table: notesTable(), Action: canal.InsertAction, Rows: [][]interface{}{{int64(4), "full"}}})
	assert.Error(t, err, "a stopped listener does not block on a full channel")
}

func TestChangeEventItems(t *testing.T) {
	ent := Entity{Name: "notes", Priority: priority.High, PrimaryKey: "id"}
	ev := ChangeEvent{
		Type:      Insert,
		Table:     "notes",
		Timestamp: 1_700_000_000,
		Rows: []map[string]any{
			{"id": int64(1), "title": "a"},
			{"title": "no key yet"},
		},
	}
	items := ev.Items(ent)
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0].EntityID)
	assert.Equal(t, queue.OpCreate, items[0].Operation)
	assert.Equal(t, priority.High, items[0].Priority)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), items[0].CreatedAt)
	assert.Empty(t, items[1].EntityID)

	ev.Type = Update
	items = ev.Items(ent)
	require.Len(t, items, 1, "updates need a key")
	assert.Equal(t, queue.OpUpdate, items[0].Operation)

	ev.Type = Delete
	ev.Timestamp = 0
	items = ev.Items(ent)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Payload)
	assert.True(t, items[0].CreatedAt.IsZero())
}
