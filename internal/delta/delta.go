// Package delta computes and applies field-level differences between two
// versions of a record, and between two snapshots of a collection.
//
// A Patch records keys whose value changed or appeared (Changes) and keys that
// disappeared (Deleted). When both versions hold a nested map under the same
// key the nested difference is stored as a *Patch under that key; any other
// unequal value is replaced whole. Applying Diff(a, b) to a reproduces b.
package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrChecksumMismatch = errors.New("delta: base does not match patch source checksum")

type Patch struct {
	EntityID       string         `json:"entity_id,omitempty"`
	EntityType     string         `json:"entity_type,omitempty"`
	Changes        map[string]any `json:"changes,omitempty"`
	Deleted        []string       `json:"deleted,omitempty"`
	SourceChecksum string         `json:"source_checksum,omitempty"`
	TargetChecksum string         `json:"target_checksum,omitempty"`
	EstimatedSize  int            `json:"-"`
}

func (p *Patch) IsEmpty() bool {
	return p == nil || (len(p.Changes) == 0 && len(p.Deleted) == 0)
}

// IsFlat reports whether the patch is a plain partial update: no deletions
// and no nested sub-patches.
func (p *Patch) IsFlat() bool {
	if p == nil {
		return true
	}
	if len(p.Deleted) > 0 {
		return false
	}
	for _, v := range p.Changes {
		if _, ok := v.(*Patch); ok {
			return false
		}
	}
	return true
}

// ChangedFields lists the top-level keys touched by the patch, sorted.
func (p *Patch) ChangedFields() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.Changes)+len(p.Deleted))
	for k := range p.Changes {
		out = append(out, k)
	}
	out = append(out, p.Deleted...)
	sort.Strings(out)
	return out
}

// Differ carries the options of a diff. The zero value diffs without
// checksums and matches collection records on "id".
type Differ struct {
	EntityType string
	IDField    string
	Checksums  bool
}

func (d Differ) idField() string {
	if d.IDField == "" {
		return "id"
	}
	return d.IDField
}

// Diff computes the patch turning old into new.
func Diff(old, new map[string]any) *Patch {
	return Differ{}.Diff(old, new)
}

// Apply returns base with patch applied. base is not modified.
func Apply(base map[string]any, patch *Patch) map[string]any {
	out := cloneMap(base)
	if out == nil {
		out = map[string]any{}
	}
	if patch == nil {
		return out
	}
	for _, k := range patch.Deleted {
		delete(out, k)
	}
	for k, v := range patch.Changes {
		if sub, ok := v.(*Patch); ok {
			nested, _ := out[k].(map[string]any)
			out[k] = Apply(nested, sub)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func (d Differ) Diff(old, new map[string]any) *Patch {
	p := diffMaps(old, new)
	p.EntityType = d.EntityType
	p.EntityID = recordID(new, d.idField())
	if p.EntityID == "" {
		p.EntityID = recordID(old, d.idField())
	}
	if d.Checksums {
		p.SourceChecksum = Checksum(old)
		p.TargetChecksum = Checksum(new)
	}
	p.EstimatedSize = Size(p)
	return p
}

func diffMaps(old, new map[string]any) *Patch {
	p := &Patch{}
	for k, ov := range old {
		nv, ok := new[k]
		if !ok {
			p.Deleted = append(p.Deleted, k)
			continue
		}
		if reflect.DeepEqual(ov, nv) {
			continue
		}
		om, oIsMap := ov.(map[string]any)
		nm, nIsMap := nv.(map[string]any)
		if oIsMap && nIsMap && om != nil && nm != nil {
			if sub := diffMaps(om, nm); !sub.IsEmpty() {
				p.set(k, sub)
				continue
			}
		}
		p.set(k, cloneValue(nv))
	}
	for k, nv := range new {
		if _, ok := old[k]; !ok {
			p.set(k, cloneValue(nv))
		}
	}
	sort.Strings(p.Deleted)
	return p
}

func (p *Patch) set(k string, v any) {
	if p.Changes == nil {
		p.Changes = make(map[string]any)
	}
	p.Changes[k] = v
}

// Verify checks that base is the snapshot the patch was computed from. A
// patch without a source checksum always verifies.
func Verify(base map[string]any, p *Patch) error {
	if p == nil || p.SourceChecksum == "" {
		return nil
	}
	if Checksum(base) != p.SourceChecksum {
		return ErrChecksumMismatch
	}
	return nil
}

// Checksum is the hex SHA-256 of the canonical (sorted-key) JSON encoding.
func Checksum(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Size is the serialized byte length of v; unserializable values count as 0.
func Size(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func recordID(rec map[string]any, field string) string {
	if rec == nil {
		return ""
	}
	v, ok := rec[field]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Clone deep-copies the maps and slices of a decoded JSON record.
func Clone(m map[string]any) map[string]any {
	return cloneMap(m)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case *Patch:
		return t
	default:
		return v
	}
}
