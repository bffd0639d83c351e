package conflict

import (
	"reflect"
	"sort"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"

	"offline-sync-engine/internal/delta"
)

// classify returns the conflict type between s.Local and s.Remote and the
// fields involved, or ok=false when the two can be combined without a
// decision.
func (e *Engine) classify(s Snapshots) (t Type, fields []string, ok bool) {
	local, remote, base := e.strip(s.Local), e.strip(s.Remote), e.strip(s.Base)

	switch {
	case s.Local == nil && s.Remote == nil:
		return "", nil, false

	case s.Base == nil:
		if s.Local == nil || s.Remote == nil {
			return "", nil, false
		}
		if delta.Checksum(local) == delta.Checksum(remote) {
			return "", nil, false
		}
		return CreateCreate, delta.Diff(local, remote).ChangedFields(), true

	case s.Local == nil:
		if changed := delta.Diff(base, remote).ChangedFields(); len(changed) > 0 {
			return DeleteUpdate, changed, true
		}
		return "", nil, false

	case s.Remote == nil:
		if changed := delta.Diff(base, local).ChangedFields(); len(changed) > 0 {
			return UpdateDelete, changed, true
		}
		return "", nil, false
	}

	localChanged := delta.Diff(base, local).ChangedFields()
	remoteChanged := delta.Diff(base, remote).ChangedFields()
	differing := delta.Diff(local, remote).ChangedFields()

	if len(differing) == 0 {
		lt, lok := timestampOf(s.Local, e.cfg.TimestampField)
		rt, rok := timestampOf(s.Remote, e.cfg.TimestampField)
		if lok && rok && absDuration(lt.Sub(rt)) > e.cfg.SkewTolerance {
			return TimestampSkew, []string{e.cfg.TimestampField}, true
		}
		return "", nil, false
	}
	if len(localChanged) == 0 || len(remoteChanged) == 0 {
		// One side is a fast-forward of the base.
		return "", nil, false
	}

	both := lo.Filter(lo.Intersect(localChanged, remoteChanged), func(f string, _ int) bool {
		return lo.Contains(differing, f)
	})
	sort.Strings(both)

	if structural := lo.Filter(both, func(f string, _ int) bool {
		lv, lok := local[f]
		rv, rok := remote[f]
		return lok && rok && lv != nil && rv != nil && kindOf(lv) != kindOf(rv)
	}); len(structural) > 0 {
		return Structural, structural, true
	}

	lv, lok := s.Local[e.cfg.VersionField]
	rv, rok := s.Remote[e.cfg.VersionField]
	if lok && rok && !sameVersion(lv, rv) {
		return VersionMismatch, differing, true
	}
	if len(both) > 0 {
		return UpdateUpdate, both, true
	}
	return FieldLevel, differing, true
}

// strip drops the bookkeeping fields, which differ on every write and never
// count as a conflict by themselves.
func (e *Engine) strip(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	return lo.OmitByKeys(rec, []string{e.cfg.TimestampField, e.cfg.VersionField})
}

func sameVersion(a, b any) bool {
	an, aok := number(a)
	bn, bok := number(b)
	if aok && bok {
		return an == bn
	}
	return reflect.DeepEqual(a, b)
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := number(v); ok {
		return "number"
	}
	return reflect.TypeOf(v).String()
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case jsoniter.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// timestampOf reads a modification time from rec[field]. It accepts
// time.Time, RFC 3339 strings and unix numbers; values above 1e12 are read as
// milliseconds.
func timestampOf(rec map[string]any, field string) (time.Time, bool) {
	if rec == nil || field == "" {
		return time.Time{}, false
	}
	switch v := rec[field].(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, true
		}
	}
	if _, isString := rec[field].(string); isString {
		return time.Time{}, false
	}
	n, ok := number(rec[field])
	if !ok {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	return time.Unix(int64(n), 0).UTC(), true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
