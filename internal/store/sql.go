package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/database"
	"offline-sync-engine/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SQLStore implements Store over database/sql. Times are stored as unix
// milliseconds so both dialects read them back identically; zero means unset.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, d database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, now: time.Now}
}

// Open connects to the configured state database and creates its tables.
// A "none" storage type yields a nil store.
func Open(ctx context.Context, cfg config.StateStorage) (*SQLStore, error) {
	if cfg.Type == "" || cfg.Type == "none" {
		return nil, nil
	}
	db, d, err := database.Connect(ctx, database.ConnFromStateStorage(cfg))
	if err != nil {
		return nil, fmt.Errorf("state storage: %w", err)
	}
	s := NewSQLStore(db, d)
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Log.Info("State storage ready", zap.String("type", cfg.Type))
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) InitSchema(ctx context.Context) error {
	key, text := s.dialect.KeyType(), s.dialect.TextType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schedule_state (
			entity %[1]s NOT NULL PRIMARY KEY,
			priority %[1]s NOT NULL,
			strategy %[1]s NOT NULL,
			interval_ms BIGINT NOT NULL,
			next_due BIGINT NOT NULL,
			last_sync BIGINT NOT NULL,
			total_syncs INTEGER NOT NULL,
			successes INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			last_error %[2]s,
			updated_at BIGINT NOT NULL
		)`, key, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queue_items (
			id %[1]s NOT NULL PRIMARY KEY,
			entity %[1]s NOT NULL,
			entity_id %[1]s NOT NULL,
			operation %[1]s NOT NULL,
			payload %[2]s,
			priority %[1]s NOT NULL,
			state %[1]s NOT NULL,
			attempts INTEGER NOT NULL,
			last_error %[2]s,
			last_error_kind %[1]s,
			created_at BIGINT NOT NULL,
			next_attempt_at BIGINT NOT NULL,
			dead_lettered_at BIGINT NOT NULL
		)`, key, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conflicts (
			id %[1]s NOT NULL PRIMARY KEY,
			collection %[1]s NOT NULL,
			entity_id %[1]s NOT NULL,
			conflict_type %[1]s NOT NULL,
			local_data %[2]s,
			remote_data %[2]s,
			base_data %[2]s,
			fields %[2]s,
			severity INTEGER NOT NULL,
			detected_at BIGINT NOT NULL,
			resolved INTEGER NOT NULL,
			resolution_strategy %[1]s,
			resolved_at BIGINT NOT NULL,
			resolved_data %[2]s
		)`, key, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sync_history (
			id %[1]s NOT NULL PRIMARY KEY,
			entity %[1]s NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL,
			status %[1]s NOT NULL,
			operations INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			conflicts INTEGER NOT NULL,
			bytes_original BIGINT NOT NULL,
			bytes_sent BIGINT NOT NULL,
			strategy %[1]s,
			error_message %[2]s
		)`, key, text),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

var scheduleColumns = []string{"entity", "priority", "strategy", "interval_ms", "next_due", "last_sync",
	"total_syncs", "successes", "failures", "last_error", "updated_at"}

const scheduleSelect = `SELECT entity, priority, strategy, interval_ms, next_due, last_sync,
	total_syncs, successes, failures, last_error, updated_at FROM schedule_state`

func (s *SQLStore) SaveScheduleState(ctx context.Context, st *ScheduleState) error {
	st.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, s.dialect.Upsert("schedule_state", scheduleColumns, "entity"),
		st.Entity,
		st.Priority,
		st.Strategy,
		st.Interval.Milliseconds(),
		millis(st.NextDue),
		millis(st.LastSync),
		st.TotalSyncs,
		st.Successes,
		st.Failures,
		st.LastError,
		millis(st.UpdatedAt),
	)
	return err
}

func scanSchedule(row scanner) (*ScheduleState, error) {
	var (
		st                                    ScheduleState
		intervalMS, nextDue, lastSync, update int64
		lastError                             sql.NullString
	)
	err := row.Scan(
		&st.Entity,
		&st.Priority,
		&st.Strategy,
		&intervalMS,
		&nextDue,
		&lastSync,
		&st.TotalSyncs,
		&st.Successes,
		&st.Failures,
		&lastError,
		&update,
	)
	if err != nil {
		return nil, err
	}
	st.Interval = time.Duration(intervalMS) * time.Millisecond
	st.NextDue = fromMillis(nextDue)
	st.LastSync = fromMillis(lastSync)
	st.LastError = lastError.String
	st.UpdatedAt = fromMillis(update)
	return &st, nil
}

func (s *SQLStore) GetScheduleState(ctx context.Context, entity string) (*ScheduleState, error) {
	st, err := scanSchedule(s.db.QueryRowContext(ctx, scheduleSelect+` WHERE entity = ?`, entity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", entity, ErrNotFound)
	}
	return st, err
}

func (s *SQLStore) ListScheduleStates(ctx context.Context) ([]*ScheduleState, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+` ORDER BY entity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduleState
	for rows.Next() {
		st, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

var queueColumns = []string{"id", "entity", "entity_id", "operation", "payload", "priority", "state",
	"attempts", "last_error", "last_error_kind", "created_at", "next_attempt_at", "dead_lettered_at"}

const queueSelect = `SELECT id, entity, entity_id, operation, payload, priority, state,
	attempts, last_error, last_error_kind, created_at, next_attempt_at, dead_lettered_at FROM queue_items`

func queueArgs(r *QueueRecord) []any {
	return []any{
		r.ID,
		r.Entity,
		r.EntityID,
		r.Operation,
		string(r.Payload),
		r.Priority,
		r.State,
		r.Attempts,
		r.LastError,
		r.LastErrorKind,
		millis(r.CreatedAt),
		millis(r.NextAttemptAt),
		millis(r.DeadLetteredAt),
	}
}

func (s *SQLStore) SaveQueueItem(ctx context.Context, item *QueueRecord) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Upsert("queue_items", queueColumns, "id"), queueArgs(item)...)
	return err
}

func (s *SQLStore) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	return err
}

// ReplaceQueueItems swaps the stored queue for items in one transaction.
func (s *SQLStore) ReplaceQueueItems(ctx context.Context, items []*QueueRecord) error {
	return database.ExecTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
			return err
		}
		insert := s.dialect.Upsert("queue_items", queueColumns, "id")
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, insert, queueArgs(it)...); err != nil {
				return fmt.Errorf("queue item %s: %w", it.ID, err)
			}
		}
		return nil
	})
}

// ListQueueItems returns stored items in creation order; an empty state
// matches every state.
func (s *SQLStore) ListQueueItems(ctx context.Context, state string) ([]*QueueRecord, error) {
	query, args := queueSelect+` ORDER BY created_at, id`, []any{}
	if state != "" {
		query, args = queueSelect+` WHERE state = ? ORDER BY created_at, id`, []any{state}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueueRecord
	for rows.Next() {
		var (
			r                          QueueRecord
			payload, lastErr, errKind sql.NullString
			created, nextAttempt, dead int64
		)
		err := rows.Scan(
			&r.ID,
			&r.Entity,
			&r.EntityID,
			&r.Operation,
			&payload,
			&r.Priority,
			&r.State,
			&r.Attempts,
			&lastErr,
			&errKind,
			&created,
			&nextAttempt,
			&dead,
		)
		if err != nil {
			return nil, err
		}
		if payload.String != "" {
			r.Payload = []byte(payload.String)
		}
		r.LastError = lastErr.String
		r.LastErrorKind = errKind.String
		r.CreatedAt = fromMillis(created)
		r.NextAttemptAt = fromMillis(nextAttempt)
		r.DeadLetteredAt = fromMillis(dead)
		out = append(out, &r)
	}
	return out, rows.Err()
}

const conflictSelect = `SELECT id, collection, entity_id, conflict_type, local_data, remote_data, base_data,
	fields, severity, detected_at, resolved, resolution_strategy, resolved_at, resolved_data FROM conflicts`

func (s *SQLStore) CreateConflict(ctx context.Context, c *ConflictRecord) error {
	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return err
	}
	query := `INSERT INTO conflicts (id, collection, entity_id, conflict_type, local_data, remote_data, base_data,
		fields, severity, detected_at, resolved, resolution_strategy, resolved_at, resolved_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.Collection,
		c.EntityID,
		c.ConflictType,
		string(c.LocalData),
		string(c.RemoteData),
		string(c.BaseData),
		string(fields),
		c.Severity,
		millis(c.DetectedAt),
		c.Resolved,
		c.ResolutionStrategy,
		millis(c.ResolvedAt),
		string(c.ResolvedData),
	)
	return err
}

func scanConflict(row scanner) (*ConflictRecord, error) {
	var (
		c                                  ConflictRecord
		local, remote, base, fields, strat sql.NullString
		resolvedData                       sql.NullString
		detected, resolvedAt               int64
	)
	err := row.Scan(
		&c.ID,
		&c.Collection,
		&c.EntityID,
		&c.ConflictType,
		&local,
		&remote,
		&base,
		&fields,
		&c.Severity,
		&detected,
		&c.Resolved,
		&strat,
		&resolvedAt,
		&resolvedData,
	)
	if err != nil {
		return nil, err
	}
	raw := func(ns sql.NullString) []byte {
		if ns.String == "" {
			return nil
		}
		return []byte(ns.String)
	}
	c.LocalData, c.RemoteData, c.BaseData = raw(local), raw(remote), raw(base)
	c.ResolvedData = raw(resolvedData)
	if fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &c.Fields); err != nil {
			return nil, fmt.Errorf("conflict %s fields: %w", c.ID, err)
		}
	}
	c.ResolutionStrategy = strat.String
	c.DetectedAt = fromMillis(detected)
	c.ResolvedAt = fromMillis(resolvedAt)
	return &c, nil
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *SQLStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, conflictSelect+` WHERE resolved = ? ORDER BY detected_at DESC, id LIMIT ? OFFSET ?`,
		resolved, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error {
	query := `UPDATE conflicts SET resolved = ?, resolution_strategy = ?, resolved_data = ?, resolved_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, true, strategy, string(resolvedData), millis(s.now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) CreateSyncHistory(ctx context.Context, h *SyncHistory) error {
	query := `INSERT INTO sync_history (id, entity, started_at, completed_at, status, operations, succeeded, failed,
		conflicts, bytes_original, bytes_sent, strategy, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		h.ID,
		h.Entity,
		millis(h.StartedAt),
		millis(h.CompletedAt),
		h.Status,
		h.Operations,
		h.Succeeded,
		h.Failed,
		h.Conflicts,
		h.BytesOriginal,
		h.BytesSent,
		h.Strategy,
		h.ErrorMessage,
	)
	return err
}

// GetSyncHistory lists cycles newest first; an empty entity lists all.
func (s *SQLStore) GetSyncHistory(ctx context.Context, entity string, limit, offset int) ([]*SyncHistory, error) {
	base := `SELECT id, entity, started_at, completed_at, status, operations, succeeded, failed,
		conflicts, bytes_original, bytes_sent, strategy, error_message FROM sync_history`
	query, args := base+` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`, []any{limit, offset}
	if entity != "" {
		query, args = base+` WHERE entity = ? ORDER BY started_at DESC, id LIMIT ? OFFSET ?`, []any{entity, limit, offset}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var (
			h                  SyncHistory
			started, completed int64
			strategy, errMsg   sql.NullString
		)
		err := rows.Scan(
			&h.ID,
			&h.Entity,
			&started,
			&completed,
			&h.Status,
			&h.Operations,
			&h.Succeeded,
			&h.Failed,
			&h.Conflicts,
			&h.BytesOriginal,
			&h.BytesSent,
			&strategy,
			&errMsg,
		)
		if err != nil {
			return nil, err
		}
		h.StartedAt = fromMillis(started)
		h.CompletedAt = fromMillis(completed)
		h.Strategy = strategy.String
		h.ErrorMessage = errMsg.String
		history = append(history, &h)
	}
	return history, rows.Err()
}

var _ Store = (*SQLStore)(nil)
