package delta

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffDetectsChangesAndDeletions(t *testing.T) {
	old := map[string]any{"id": "n1", "title": "draft", "tags": []any{"a"}, "gone": true}
	new := map[string]any{"id": "n1", "title": "final", "tags": []any{"a", "b"}, "fresh": 1.0}

	p := Diff(old, new)

	assert.Equal(t, "n1", p.EntityID)
	assert.Equal(t, map[string]any{"title": "final", "tags": []any{"a", "b"}, "fresh": 1.0}, p.Changes)
	assert.Equal(t, []string{"gone"}, p.Deleted)
	assert.Equal(t, []string{"fresh", "gone", "tags", "title"}, p.ChangedFields())
	assert.False(t, p.IsFlat())
	assert.Positive(t, p.EstimatedSize)
}

func TestDiffNestedMapsProduceSubPatch(t *testing.T) {
	old := map[string]any{"meta": map[string]any{"color": "red", "size": 1.0, "extra": "x"}}
	new := map[string]any{"meta": map[string]any{"color": "blue", "size": 1.0}}

	p := Diff(old, new)

	sub, ok := p.Changes["meta"].(*Patch)
	require.True(t, ok, "nested maps are diffed recursively")
	assert.Equal(t, map[string]any{"color": "blue"}, sub.Changes)
	assert.Equal(t, []string{"extra"}, sub.Deleted)
	assert.Equal(t, new, Apply(old, p))
}

func TestDiffTypeChangeReplacesWholeValue(t *testing.T) {
	old := map[string]any{"v": map[string]any{"a": 1.0}}
	new := map[string]any{"v": "scalar"}

	p := Diff(old, new)
	assert.Equal(t, "scalar", p.Changes["v"])
	assert.True(t, p.IsFlat())
	assert.Equal(t, new, Apply(old, p))
}

func TestDiffOfIdenticalSnapshotsIsEmpty(t *testing.T) {
	a := map[string]any{"id": 1.0, "nested": map[string]any{"k": []any{1.0, "x"}}, "nil": nil}
	p := Diff(a, a)
	assert.True(t, p.IsEmpty())
	assert.Equal(t, a, Apply(a, p))
}

func TestApplyDoesNotMutateBase(t *testing.T) {
	base := map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{"a"}}
	target := map[string]any{"nested": map[string]any{"k": "w"}, "list": []any{"a", "b"}}

	out := Apply(base, Diff(base, target))
	out["nested"].(map[string]any)["k"] = "mutated"

	assert.Equal(t, "v", base["nested"].(map[string]any)["k"])
	assert.Equal(t, []any{"a"}, base["list"])
}

func TestNilMapVersusEmptyMap(t *testing.T) {
	old := map[string]any{"m": map[string]any(nil)}
	new := map[string]any{"m": map[string]any{}}
	assert.Equal(t, new, Apply(old, Diff(old, new)))
}

func TestChecksumsAndVerify(t *testing.T) {
	d := Differ{EntityType: "notes", Checksums: true}
	base := map[string]any{"id": "1", "x": 1.0}
	target := map[string]any{"id": "1", "x": 2.0}

	p := d.Diff(base, target)
	assert.Equal(t, "notes", p.EntityType)
	assert.Equal(t, Checksum(base), p.SourceChecksum)
	assert.Equal(t, Checksum(target), p.TargetChecksum)
	assert.NoError(t, Verify(base, p))
	assert.ErrorIs(t, Verify(target, p), ErrChecksumMismatch)
	assert.Equal(t, p.TargetChecksum, Checksum(Apply(base, p)))
}

func TestChecksumIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"a": 1.0, "b": map[string]any{"c": 2.0, "d": 3.0}}
	b := map[string]any{"b": map[string]any{"d": 3.0, "c": 2.0}, "a": 1.0}
	assert.Equal(t, Checksum(a), Checksum(b))
}

// randomRecord builds JSON-shaped records so the round-trip property is
// exercised across scalars, lists and nested maps.
func randomRecord(r *rand.Rand, depth int) map[string]any {
	rec := map[string]any{}
	n := r.Intn(6)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", r.Intn(8))
		switch r.Intn(6) {
		case 0:
			rec[key] = float64(r.Intn(4))
		case 1:
			rec[key] = fmt.Sprintf("s%d", r.Intn(3))
		case 2:
			rec[key] = r.Intn(2) == 0
		case 3:
			rec[key] = []any{float64(r.Intn(3)), "x"}
		case 4:
			rec[key] = nil
		case 5:
			if depth < 3 {
				rec[key] = randomRecord(r, depth+1)
			}
		}
	}
	return rec
}

func TestRoundTripProperty(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		a := randomRecord(r, 0)
		b := randomRecord(r, 0)
		p := Diff(a, b)
		require.Equal(t, b, Apply(a, p), "case %d: a=%v b=%v", i, a, b)
		require.True(t, Diff(a, a).IsEmpty(), "case %d", i)
	}
}

func TestDiffCollection(t *testing.T) {
	old := []map[string]any{
		{"id": "1", "title": "a"},
		{"id": "2", "title": "b"},
		{"id": "3", "title": "c"},
		{"title": "no id"},
	}
	new := []map[string]any{
		{"id": "1", "title": "a"},
		{"id": "2", "title": "B"},
		{"id": "4", "title": "d"},
	}

	cd := DiffCollection(old, new)

	assert.Equal(t, []map[string]any{{"id": "4", "title": "d"}}, cd.Added)
	assert.Equal(t, []string{"3"}, cd.Deleted)
	require.Len(t, cd.Modified, 1, "unchanged records are not included")
	assert.Equal(t, map[string]any{"title": "B"}, cd.Modified["2"].Changes)
	assert.Equal(t, 3, cd.ChangeCount())
	assert.Positive(t, cd.EstimatedSize)

	rebuilt := ApplyCollection(old[:3], cd)
	assert.Equal(t, new, rebuilt)
}

func TestDiffCollectionCustomIDField(t *testing.T) {
	d := Differ{IDField: "uuid", EntityType: "tasks"}
	old := []map[string]any{{"uuid": 7.0, "done": false}}
	new := []map[string]any{{"uuid": 7.0, "done": true}}

	cd := d.DiffCollection(old, new)
	require.Contains(t, cd.Modified, "7")
	assert.Equal(t, "tasks", cd.Modified["7"].EntityType)
	assert.True(t, DiffCollection(new, new).IsEmpty())
}
