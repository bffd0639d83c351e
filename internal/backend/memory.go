package backend

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"

	"offline-sync-engine/internal/syncerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FailureFunc decides whether a call fails. A nil return lets it proceed.
type FailureFunc func(action Action, collection, id string) error

// Memory is an in-process Backend. Records are stored as JSON so callers
// never share maps with it.
type Memory struct {
	mu      sync.RWMutex
	data    map[string]map[string][]byte
	fail    FailureFunc
	latency time.Duration
	calls   map[Action]int
}

func NewMemory() *Memory {
	return &Memory{
		data:  make(map[string]map[string][]byte),
		calls: make(map[Action]int),
	}
}

// FailWith installs fn as the failure injector; nil removes it.
func (m *Memory) FailWith(fn FailureFunc) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

// SetLatency delays every call by d, honouring context cancellation.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Calls returns how many times action was invoked.
func (m *Memory) Calls(action Action) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[action]
}

// Len is the number of records in collection.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[collection])
}

// Put stores rec directly, bypassing failure injection. Tests use it to
// seed remote state.
func (m *Memory) Put(collection, id string, rec map[string]any) {
	b, _ := json.Marshal(rec)
	m.mu.Lock()
	m.table(collection)[id] = b
	m.mu.Unlock()
}

func (m *Memory) count(action Action) {
	m.mu.Lock()
	m.calls[action]++
	m.mu.Unlock()
}

func (m *Memory) table(collection string) map[string][]byte {
	t, ok := m.data[collection]
	if !ok {
		t = make(map[string][]byte)
		m.data[collection] = t
	}
	return t
}

func (m *Memory) begin(ctx context.Context, action Action, collection, id string) error {
	m.mu.Lock()
	m.calls[action]++
	fail, latency := m.fail, m.latency
	m.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return syncerr.Wrap(syncerr.KindOf(err), string(action), err)
	}
	if fail != nil {
		return fail(action, collection, id)
	}
	return nil
}

func decode(b []byte) map[string]any {
	var rec map[string]any
	_ = json.Unmarshal(b, &rec)
	return rec
}

func (m *Memory) Create(ctx context.Context, collection, id string, data map[string]any) Result {
	res := Result{Action: ActionCreate, Collection: collection, ID: id}
	if err := m.begin(ctx, ActionCreate, collection, id); err != nil {
		res.Err = err
		return res
	}
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	b, err := json.Marshal(data)
	if err != nil {
		res.Err = syncerr.Validation("create", err)
		return res
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(collection)
	if _, exists := t[res.ID]; exists {
		res.Err = syncerr.Conflict("create", fmt.Errorf("%s/%s already exists", collection, res.ID))
		return res
	}
	t[res.ID] = b
	res.Data = decode(b)
	return res
}

func (m *Memory) Read(ctx context.Context, collection, id string) Result {
	res := Result{Action: ActionRead, Collection: collection, ID: id}
	if err := m.begin(ctx, ActionRead, collection, id); err != nil {
		res.Err = err
		return res
	}
	m.mu.RLock()
	b, ok := m.data[collection][id]
	m.mu.RUnlock()
	if !ok {
		res.Err = syncerr.Validation("read", fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound))
		return res
	}
	res.Data = decode(b)
	return res
}

func (m *Memory) Update(ctx context.Context, collection, id string, data map[string]any) Result {
	res := Result{Action: ActionUpdate, Collection: collection, ID: id}
	if err := m.begin(ctx, ActionUpdate, collection, id); err != nil {
		res.Err = err
		return res
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(collection)
	b, ok := t[id]
	if !ok {
		res.Err = syncerr.Validation("update", fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound))
		return res
	}
	merged, err := json.Marshal(Merge(decode(b), data))
	if err != nil {
		res.Err = syncerr.Validation("update", err)
		return res
	}
	t[id] = merged
	res.Data = decode(merged)
	return res
}

// Delete is idempotent: deleting a missing record succeeds.
func (m *Memory) Delete(ctx context.Context, collection, id string) Result {
	res := Result{Action: ActionDelete, Collection: collection, ID: id}
	if err := m.begin(ctx, ActionDelete, collection, id); err != nil {
		res.Err = err
		return res
	}
	m.mu.Lock()
	delete(m.table(collection), id)
	m.mu.Unlock()
	return res
}

func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Result, error) {
	if err := m.begin(ctx, ActionQuery, collection, ""); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []Result
	for id, b := range m.data[collection] {
		rec := decode(b)
		if Matches(rec, q.Filter) {
			out = append(out, Result{Action: ActionQuery, Collection: collection, ID: id, Data: rec})
		}
	}
	m.mu.RUnlock()

	SortResults(out, q.OrderBy, q.Descending)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) BatchCreate(ctx context.Context, collection string, items []BatchItem) []Result {
	m.count(ActionBatchCreate)
	return lo.Map(items, func(it BatchItem, _ int) Result {
		r := m.Create(ctx, collection, it.ID, it.Data)
		r.Action = ActionBatchCreate
		return r
	})
}

func (m *Memory) BatchUpdate(ctx context.Context, collection string, items []BatchItem) []Result {
	m.count(ActionBatchUpdate)
	return lo.Map(items, func(it BatchItem, _ int) Result {
		r := m.Update(ctx, collection, it.ID, it.Data)
		r.Action = ActionBatchUpdate
		return r
	})
}

func (m *Memory) BatchDelete(ctx context.Context, collection string, ids []string) []Result {
	m.count(ActionBatchDelete)
	return lo.Map(ids, func(id string, _ int) Result {
		r := m.Delete(ctx, collection, id)
		r.Action = ActionBatchDelete
		return r
	})
}

// SortResults orders results by the field; ids break ties so the order is
// stable across calls. An empty field sorts by id.
func SortResults(rs []Result, field string, desc bool) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if desc {
			a, b = b, a
		}
		if field != "" {
			if c := compareValues(a.Data[field], b.Data[field]); c != 0 {
				return c < 0
			}
		}
		return a.ID < b.ID
	})
}

func compareValues(a, b any) int {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	switch {
	case aNum && bNum:
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func equalValues(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case jsoniter.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
