package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"

	"offline-sync-engine/internal/backend"
	"offline-sync-engine/internal/syncerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var collectionName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,59}$`)

var errDuplicate = errors.New("record already exists")

// Backend stores every collection as a table of JSON documents keyed by id.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	mu     sync.Mutex
	tables map[string]bool
}

func NewBackend(db *sql.DB, d Dialect) *Backend {
	return &Backend{db: db, dialect: d, now: time.Now, tables: make(map[string]bool)}
}

func (b *Backend) DB() *sql.DB {
	return b.db
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func tableName(collection string) string {
	return "doc_" + collection
}

// ensure creates the collection's table on first use.
func (b *Backend) ensure(ctx context.Context, op, collection string) (string, error) {
	if !collectionName.MatchString(collection) {
		return "", syncerr.Validation(op, fmt.Errorf("invalid collection name %q", collection))
	}
	table := tableName(collection)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tables[collection] {
		return table, nil
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id %s NOT NULL PRIMARY KEY,
		data %s NOT NULL,
		updated_at BIGINT NOT NULL
	)`, table, b.dialect.KeyType(), b.dialect.TextType())
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return "", classify(op, err)
	}
	b.tables[collection] = true
	return table, nil
}

// classify maps driver errors onto sync error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Wrap(syncerr.KindOf(err), op, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return syncerr.Conflict(op, err)
	}
	if errors.Is(err, errDuplicate) {
		return syncerr.Conflict(op, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return syncerr.Network(op, err)
	}
	return syncerr.Backend(op, err)
}

func notFound(op, collection, id string) error {
	return syncerr.Validation(op, fmt.Errorf("%s/%s: %w", collection, id, backend.ErrNotFound))
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *Backend) load(ctx context.Context, q querier, table, id string) (map[string]any, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM %s WHERE id = ?", table), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (b *Backend) insert(ctx context.Context, q querier, table, collection, id string, data map[string]any) (map[string]any, error) {
	if _, exists, err := b.load(ctx, q, table, id); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, errDuplicate)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, syncerr.Validation("create", err)
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)", table),
		id, string(raw), b.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return roundTrip(raw), nil
}

func (b *Backend) merge(ctx context.Context, q querier, table, collection, id string, data map[string]any) (map[string]any, error) {
	cur, ok, err := b.load(ctx, q, table, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("update", collection, id)
	}
	raw, err := json.Marshal(backend.Merge(cur, data))
	if err != nil {
		return nil, syncerr.Validation("update", err)
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE id = ?", table),
		string(raw), b.now().UnixMilli(), id)
	if err != nil {
		return nil, err
	}
	return roundTrip(raw), nil
}

func roundTrip(raw []byte) map[string]any {
	var rec map[string]any
	_ = json.Unmarshal(raw, &rec)
	return rec
}

func (b *Backend) Create(ctx context.Context, collection, id string, data map[string]any) backend.Result {
	res := backend.Result{Action: backend.ActionCreate, Collection: collection, ID: id}
	table, err := b.ensure(ctx, "create", collection)
	if err != nil {
		res.Err = err
		return res
	}
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	err = ExecTx(ctx, b.db, func(tx *sql.Tx) error {
		rec, err := b.insert(ctx, tx, table, collection, res.ID, data)
		res.Data = rec
		return err
	})
	res.Err = classify("create", err)
	return res
}

func (b *Backend) Read(ctx context.Context, collection, id string) backend.Result {
	res := backend.Result{Action: backend.ActionRead, Collection: collection, ID: id}
	table, err := b.ensure(ctx, "read", collection)
	if err != nil {
		res.Err = err
		return res
	}
	rec, ok, err := b.load(ctx, b.db, table, id)
	switch {
	case err != nil:
		res.Err = classify("read", err)
	case !ok:
		res.Err = notFound("read", collection, id)
	default:
		res.Data = rec
	}
	return res
}

func (b *Backend) Update(ctx context.Context, collection, id string, data map[string]any) backend.Result {
	res := backend.Result{Action: backend.ActionUpdate, Collection: collection, ID: id}
	table, err := b.ensure(ctx, "update", collection)
	if err != nil {
		res.Err = err
		return res
	}
	err = ExecTx(ctx, b.db, func(tx *sql.Tx) error {
		rec, err := b.merge(ctx, tx, table, collection, id, data)
		res.Data = rec
		return err
	})
	res.Err = classify("update", err)
	return res
}

// Delete is idempotent: deleting a missing record succeeds.
func (b *Backend) Delete(ctx context.Context, collection, id string) backend.Result {
	res := backend.Result{Action: backend.ActionDelete, Collection: collection, ID: id}
	table, err := b.ensure(ctx, "delete", collection)
	if err != nil {
		res.Err = err
		return res
	}
	_, err = b.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	res.Err = classify("delete", err)
	return res
}

// Query loads the collection and filters it in process; the JSON column is
// opaque to both dialects.
func (b *Backend) Query(ctx context.Context, collection string, q backend.Query) ([]backend.Result, error) {
	table, err := b.ensure(ctx, "query", collection)
	if err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT id, data FROM %s", table))
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	var out []backend.Result
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, classify("query", err)
		}
		rec := roundTrip([]byte(raw))
		if backend.Matches(rec, q.Filter) {
			out = append(out, backend.Result{Action: backend.ActionQuery, Collection: collection, ID: id, Data: rec})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", err)
	}

	backend.SortResults(out, q.OrderBy, q.Descending)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// batch runs fn for every item in one transaction. Item-level failures
// (duplicates, missing records) are reported per item; any other error
// rolls the transaction back and fails every item.
func (b *Backend) batch(ctx context.Context, action backend.Action, collection string, ids []string, fn func(tx *sql.Tx, table string, i int) (map[string]any, error)) []backend.Result {
	op := string(action)
	results := lo.Map(ids, func(id string, _ int) backend.Result {
		return backend.Result{Action: action, Collection: collection, ID: id}
	})
	table, err := b.ensure(ctx, op, collection)
	if err != nil {
		for i := range results {
			results[i].Err = err
		}
		return results
	}

	err = ExecTx(ctx, b.db, func(tx *sql.Tx) error {
		for i := range results {
			rec, err := fn(tx, table, i)
			if err != nil {
				if itemLevel(err) {
					results[i].Err = classify(op, err)
					continue
				}
				return err
			}
			results[i].Data = rec
		}
		return nil
	})
	if err != nil {
		cerr := classify(op, err)
		for i := range results {
			results[i].Data = nil
			results[i].Err = cerr
		}
	}
	return results
}

func itemLevel(err error) bool {
	return errors.Is(err, errDuplicate) || errors.Is(err, backend.ErrNotFound) || syncerr.KindOf(err) == syncerr.KindValidation
}

func (b *Backend) BatchCreate(ctx context.Context, collection string, items []backend.BatchItem) []backend.Result {
	ids := lo.Map(items, func(it backend.BatchItem, _ int) string {
		if it.ID == "" {
			return uuid.New().String()
		}
		return it.ID
	})
	return b.batch(ctx, backend.ActionBatchCreate, collection, ids, func(tx *sql.Tx, table string, i int) (map[string]any, error) {
		return b.insert(ctx, tx, table, collection, ids[i], items[i].Data)
	})
}

func (b *Backend) BatchUpdate(ctx context.Context, collection string, items []backend.BatchItem) []backend.Result {
	ids := lo.Map(items, func(it backend.BatchItem, _ int) string { return it.ID })
	return b.batch(ctx, backend.ActionBatchUpdate, collection, ids, func(tx *sql.Tx, table string, i int) (map[string]any, error) {
		return b.merge(ctx, tx, table, collection, ids[i], items[i].Data)
	})
}

func (b *Backend) BatchDelete(ctx context.Context, collection string, ids []string) []backend.Result {
	return b.batch(ctx, backend.ActionBatchDelete, collection, ids, func(tx *sql.Tx, table string, i int) (map[string]any, error) {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), ids[i])
		return nil, err
	})
}

var _ backend.Backend = (*Backend)(nil)
