// Package backend defines the storage capability the engine syncs against.
// Adapters for concrete services implement Backend; the engine never builds
// requests itself.
package backend

import (
	"context"
	"errors"
)

type Action string

const (
	ActionCreate      Action = "create"
	ActionRead        Action = "read"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionQuery       Action = "query"
	ActionBatchCreate Action = "batch_create"
	ActionBatchUpdate Action = "batch_update"
	ActionBatchDelete Action = "batch_delete"
)

// ErrNotFound is wrapped by adapters when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Result is the outcome of one record-level call. Err is nil on success and
// should be a *syncerr.Error so callers can route the failure.
type Result struct {
	Action     Action         `json:"action"`
	Collection string         `json:"collection"`
	ID         string         `json:"id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Err        error          `json:"-"`
}

func (r Result) Success() bool {
	return r.Err == nil
}

// Query selects records whose fields equal every Filter entry.
type Query struct {
	Filter     map[string]any
	OrderBy    string
	Descending bool
	Limit      int
}

type BatchItem struct {
	ID   string
	Data map[string]any
}

// Backend is the generic capability. Create with an empty id lets the
// backend assign one. Update merges data into the stored record. Batch calls
// return one Result per item, in order.
type Backend interface {
	Create(ctx context.Context, collection, id string, data map[string]any) Result
	Read(ctx context.Context, collection, id string) Result
	Update(ctx context.Context, collection, id string, data map[string]any) Result
	Delete(ctx context.Context, collection, id string) Result
	Query(ctx context.Context, collection string, q Query) ([]Result, error)
	BatchCreate(ctx context.Context, collection string, items []BatchItem) []Result
	BatchUpdate(ctx context.Context, collection string, items []BatchItem) []Result
	BatchDelete(ctx context.Context, collection string, ids []string) []Result
}

// Merge returns a copy of base with the top-level keys of data overwritten.
func Merge(base, data map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(data))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Matches reports whether rec satisfies every equality in filter.
func Matches(rec, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := rec[k]
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	return true
}
