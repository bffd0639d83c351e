package queue

import (
	"time"

	"offline-sync-engine/internal/priority"
	"offline-sync-engine/internal/syncerr"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

type State string

const (
	StateQueued       State = "queued"
	StateInFlight     State = "in_flight"
	StateRetryPending State = "retry_pending"
	StateDeadLettered State = "dead_lettered"
)

// Item is one pending local mutation. Callers get copies; the queue owns the
// canonical instance until the item completes or is purged.
type Item struct {
	ID             string         `json:"id"`
	Entity         string         `json:"entity"`
	EntityID       string         `json:"entity_id,omitempty"`
	Operation      Operation      `json:"operation"`
	Payload        map[string]any `json:"payload,omitempty"`
	Priority       priority.Level `json:"priority"`
	CreatedAt      time.Time      `json:"created_at"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	LastErrorKind  syncerr.Kind   `json:"last_error_kind,omitempty"`
	NextAttemptAt  time.Time      `json:"next_attempt_at,omitempty"`
	State          State          `json:"state"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at,omitempty"`

	seq uint64
}

func (it *Item) ready(now time.Time) bool {
	return !it.NextAttemptAt.After(now)
}

func (it *Item) copy() Item {
	c := *it
	c.seq = 0
	if it.Payload != nil {
		c.Payload = make(map[string]any, len(it.Payload))
		for k, v := range it.Payload {
			c.Payload[k] = v
		}
	}
	return c
}
