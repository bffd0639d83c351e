package sync

import (
	"fmt"
	"time"

	"offline-sync-engine/internal/conflict"
	"offline-sync-engine/internal/queue"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// Operation maps a captured row mutation onto a queue operation.
func (t EventType) Operation() queue.Operation {
	switch t {
	case Insert:
		return queue.OpCreate
	case Delete:
		return queue.OpDelete
	}
	return queue.OpUpdate
}

// ChangeEvent is one captured row mutation of a local table. Rows holds
// column-keyed records; updates carry only the after image.
type ChangeEvent struct {
	Type       EventType
	Schema     string
	Table      string
	PrimaryKey string
	Rows       []map[string]any
	Timestamp  uint32
	BinlogFile string
	BinlogPos  uint32
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("[%s] %s.%s (%d rows)", e.Type, e.Schema, e.Table, len(e.Rows))
}

// Items turns the event into queue items, one per row. Rows without a
// primary key value are skipped for updates and deletes.
func (e ChangeEvent) Items(ent Entity) []queue.Item {
	pk := ent.PrimaryKey
	if pk == "" {
		pk = e.PrimaryKey
	}
	op := e.Type.Operation()
	at := time.Unix(int64(e.Timestamp), 0).UTC()

	items := make([]queue.Item, 0, len(e.Rows))
	for _, row := range e.Rows {
		id := ""
		if v, ok := row[pk]; ok && v != nil {
			id = fmt.Sprint(v)
		}
		if id == "" && op != queue.OpCreate {
			continue
		}
		it := queue.Item{
			Entity:    ent.Name,
			EntityID:  id,
			Operation: op,
			Priority:  ent.Priority,
		}
		if e.Timestamp != 0 {
			it.CreatedAt = at
		}
		if op != queue.OpDelete {
			it.Payload = row
		}
		items = append(items, it)
	}
	return items
}

const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Stats are the manager's running totals across sync cycles.
type Stats struct {
	Cycles        int64 `json:"cycles"`
	Operations    int64 `json:"operations"`
	Succeeded     int64 `json:"succeeded"`
	Failed        int64 `json:"failed"`
	Skipped       int64 `json:"skipped"` // updates the delta reduced to nothing
	Conflicts     int64 `json:"conflicts"`
	BytesOriginal int64 `json:"bytes_original"`
	BytesSent     int64 `json:"bytes_sent"`
}

// Status is a point-in-time view of the whole engine.
type Status struct {
	State            string         `json:"state"`
	Network          string         `json:"network"`
	Entities         int            `json:"entities"`
	Queue            queue.Status   `json:"queue"`
	Breaker          string         `json:"breaker"`
	Conflicts        conflict.Stats `json:"conflicts"`
	PendingConflicts int            `json:"pending_conflicts"`
	Stats            Stats          `json:"stats"`
	DroppedEvents    uint64         `json:"dropped_events"`
}

// CycleReport describes one SyncEntity run.
type CycleReport struct {
	ID            string        `json:"id"`
	Entity        string        `json:"entity"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Operations    int           `json:"operations"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Conflicts     int           `json:"conflicts"`
	Released      int           `json:"released"` // handed back unsettled by a cancelled cycle
	BytesOriginal int64         `json:"bytes_original"`
	BytesSent     int64         `json:"bytes_sent"`
	Strategy      string        `json:"strategy"`
	Err           error         `json:"-"`
}

// Changed is the number of records the cycle moved.
func (r *CycleReport) Changed() int {
	return r.Succeeded + r.Conflicts
}

// ReconcileResult reports what Reconcile did with one record.
type ReconcileResult struct {
	Action     string               `json:"action"` // none, pushed, pulled, resolved or pending
	Record     map[string]any       `json:"record,omitempty"`
	Conflict   *conflict.Conflict   `json:"conflict,omitempty"`
	Resolution *conflict.Resolution `json:"resolution,omitempty"`
}
