// Package store persists the engine state a host needs across restarts:
// schedules, queued and dead-lettered items, conflicts and sync history.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type Store interface {
	InitSchema(ctx context.Context) error

	// Schedules
	SaveScheduleState(ctx context.Context, state *ScheduleState) error
	GetScheduleState(ctx context.Context, entity string) (*ScheduleState, error)
	ListScheduleStates(ctx context.Context) ([]*ScheduleState, error)

	// Queue
	SaveQueueItem(ctx context.Context, item *QueueRecord) error
	DeleteQueueItem(ctx context.Context, id string) error
	ReplaceQueueItems(ctx context.Context, items []*QueueRecord) error
	ListQueueItems(ctx context.Context, state string) ([]*QueueRecord, error)

	// Conflicts
	CreateConflict(ctx context.Context, conflict *ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*ConflictRecord, error)
	ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, entity string, limit, offset int) ([]*SyncHistory, error)

	Close() error
}

type ScheduleState struct {
	Entity     string        `json:"entity"`
	Priority   string        `json:"priority"`
	Strategy   string        `json:"strategy"`
	Interval   time.Duration `json:"interval"`
	NextDue    time.Time     `json:"next_due"`
	LastSync   time.Time     `json:"last_sync"`
	TotalSyncs int           `json:"total_syncs"`
	Successes  int           `json:"successes"`
	Failures   int           `json:"failures"`
	LastError  string        `json:"last_error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// QueueRecord is a queue item at rest. Payload holds JSON.
type QueueRecord struct {
	ID             string    `json:"id"`
	Entity         string    `json:"entity"`
	EntityID       string    `json:"entity_id"`
	Operation      string    `json:"operation"`
	Payload        []byte    `json:"payload,omitempty"`
	Priority       string    `json:"priority"`
	State          string    `json:"state"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorKind  string    `json:"last_error_kind,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// ConflictRecord is a detected conflict at rest. The snapshot fields hold
// JSON.
type ConflictRecord struct {
	ID                 string    `json:"id"`
	Collection         string    `json:"collection"`
	EntityID           string    `json:"entity_id"`
	ConflictType       string    `json:"conflict_type"`
	LocalData          []byte    `json:"local_data,omitempty"`
	RemoteData         []byte    `json:"remote_data,omitempty"`
	BaseData           []byte    `json:"base_data,omitempty"`
	Fields             []string  `json:"fields,omitempty"`
	Severity           int       `json:"severity"`
	DetectedAt         time.Time `json:"detected_at"`
	Resolved           bool      `json:"resolved"`
	ResolutionStrategy string    `json:"resolution_strategy,omitempty"`
	ResolvedAt         time.Time `json:"resolved_at"`
	ResolvedData       []byte    `json:"resolved_data,omitempty"`
}

type SyncHistory struct {
	ID            string    `json:"id"`
	Entity        string    `json:"entity"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	Status        string    `json:"status"`
	Operations    int       `json:"operations"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	Conflicts     int       `json:"conflicts"`
	BytesOriginal int64     `json:"bytes_original"`
	BytesSent     int64     `json:"bytes_sent"`
	Strategy      string    `json:"strategy"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}
