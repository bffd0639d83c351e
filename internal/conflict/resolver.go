package conflict

import (
	"context"
	"reflect"
	"sort"

	"github.com/samber/lo"

	"offline-sync-engine/internal/delta"
)

// Outcome is what a Resolver decides. Snapshot is nil when Deleted.
type Outcome struct {
	Snapshot     map[string]any
	Deleted      bool
	FieldWinners map[string]Side
}

// Resolver turns a conflict into one version of the record. Resolvers must
// be deterministic: the same conflict always yields the same outcome.
type Resolver interface {
	Strategy() Strategy
	Resolve(ctx context.Context, c Conflict) (Outcome, error)
}

// CustomFunc is an application-supplied resolution.
type CustomFunc func(ctx context.Context, c Conflict) (map[string]any, error)

func take(side Side, c Conflict) Outcome {
	snap := c.Remote
	if side == Local {
		snap = c.Local
	}
	return Outcome{Snapshot: delta.Clone(snap), Deleted: snap == nil}
}

type clientWins struct{}

func (clientWins) Strategy() Strategy { return ClientWins }

func (clientWins) Resolve(_ context.Context, c Conflict) (Outcome, error) {
	return take(Local, c), nil
}

type serverWins struct{}

func (serverWins) Strategy() Strategy { return ServerWins }

func (serverWins) Resolve(_ context.Context, c Conflict) (Outcome, error) {
	return take(Remote, c), nil
}

// newer picks the side with the later modification time; remote wins ties.
// A deleted side carries no time and loses to a surviving one.
func newer(c Conflict) Side {
	if c.LocalModified.After(c.RemoteModified) {
		return Local
	}
	return Remote
}

type timestampWins struct{}

func (timestampWins) Strategy() Strategy { return TimestampWins }

func (timestampWins) Resolve(_ context.Context, c Conflict) (Outcome, error) {
	return take(newer(c), c), nil
}

type versionWins struct {
	field string
}

func (versionWins) Strategy() Strategy { return VersionWins }

// Resolve keeps the side with the higher version counter. Missing counters
// count as zero and equal counters fall back to the modification time.
func (v versionWins) Resolve(_ context.Context, c Conflict) (Outcome, error) {
	lv, _ := number(c.Local[v.field])
	rv, _ := number(c.Remote[v.field])
	switch {
	case lv > rv:
		return take(Local, c), nil
	case rv > lv:
		return take(Remote, c), nil
	}
	return take(newer(c), c), nil
}

type merge struct{}

func (merge) Strategy() Strategy { return Merge }

// Resolve merges field by field against the base. A field changed on one
// side keeps that change; a field changed differently on both sides goes to
// the side modified last. Deletion conflicts have no fields to merge and
// resolve like timestampWins.
func (merge) Resolve(_ context.Context, c Conflict) (Outcome, error) {
	if c.Local == nil || c.Remote == nil {
		return take(newer(c), c), nil
	}
	tie := newer(c)

	keys := lo.Uniq(append(append(lo.Keys(c.Base), lo.Keys(c.Local)...), lo.Keys(c.Remote)...))
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	winners := make(map[string]Side)
	for _, k := range keys {
		bv, inBase := c.Base[k]
		lv, inLocal := c.Local[k]
		rv, inRemote := c.Remote[k]
		localChanged := inLocal != inBase || !reflect.DeepEqual(lv, bv)
		remoteChanged := inRemote != inBase || !reflect.DeepEqual(rv, bv)

		var side Side
		switch {
		case !localChanged && !remoteChanged:
			if inBase {
				out[k] = bv
			}
			continue
		case localChanged && !remoteChanged:
			side = Local
		case remoteChanged && !localChanged:
			side = Remote
		default:
			side = tie
		}
		winners[k] = side
		if side == Local && inLocal {
			out[k] = lv
		} else if side == Remote && inRemote {
			out[k] = rv
		}
	}
	return Outcome{Snapshot: delta.Clone(out), FieldWinners: winners}, nil
}

type manual struct{}

func (manual) Strategy() Strategy { return Manual }

func (manual) Resolve(context.Context, Conflict) (Outcome, error) {
	return Outcome{}, ErrManualResolution
}

type custom struct {
	fn CustomFunc
}

func (custom) Strategy() Strategy { return Custom }

func (r custom) Resolve(ctx context.Context, c Conflict) (Outcome, error) {
	if r.fn == nil {
		return merge{}.Resolve(ctx, c)
	}
	snap, err := r.fn(ctx, c)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Snapshot: delta.Clone(snap), Deleted: snap == nil}, nil
}
