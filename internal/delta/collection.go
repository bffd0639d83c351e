package delta

import (
	"sort"
)

// CollectionDelta is the difference between two snapshots of a collection.
type CollectionDelta struct {
	EntityType    string            `json:"entity_type,omitempty"`
	Added         []map[string]any  `json:"added,omitempty"`
	Deleted       []string          `json:"deleted,omitempty"`
	Modified      map[string]*Patch `json:"modified,omitempty"`
	EstimatedSize int               `json:"-"`
}

func (c *CollectionDelta) IsEmpty() bool {
	return c == nil || (len(c.Added) == 0 && len(c.Deleted) == 0 && len(c.Modified) == 0)
}

// ChangeCount is the number of records added, deleted or modified.
func (c *CollectionDelta) ChangeCount() int {
	if c == nil {
		return 0
	}
	return len(c.Added) + len(c.Deleted) + len(c.Modified)
}

// DiffCollection matches records on their id field. Records without an id
// cannot be matched and are ignored.
func DiffCollection(oldRecords, newRecords []map[string]any) *CollectionDelta {
	return Differ{}.DiffCollection(oldRecords, newRecords)
}

func (d Differ) DiffCollection(oldRecords, newRecords []map[string]any) *CollectionDelta {
	field := d.idField()
	oldByID := index(oldRecords, field)
	newByID := index(newRecords, field)

	cd := &CollectionDelta{EntityType: d.EntityType}
	for _, rec := range newRecords {
		id := recordID(rec, field)
		if id == "" {
			continue
		}
		old, ok := oldByID[id]
		if !ok {
			cd.Added = append(cd.Added, cloneMap(rec))
			continue
		}
		if p := d.Diff(old, rec); !p.IsEmpty() {
			if cd.Modified == nil {
				cd.Modified = make(map[string]*Patch)
			}
			cd.Modified[id] = p
		}
	}
	for _, rec := range oldRecords {
		id := recordID(rec, field)
		if id == "" {
			continue
		}
		if _, ok := newByID[id]; !ok {
			cd.Deleted = append(cd.Deleted, id)
		}
	}
	sort.Strings(cd.Deleted)
	cd.EstimatedSize = Size(cd)
	return cd
}

// ApplyCollection rebuilds the new snapshot: surviving records keep their
// order, added records follow.
func ApplyCollection(oldRecords []map[string]any, cd *CollectionDelta) []map[string]any {
	return Differ{}.ApplyCollection(oldRecords, cd)
}

func (d Differ) ApplyCollection(oldRecords []map[string]any, cd *CollectionDelta) []map[string]any {
	field := d.idField()
	if cd == nil {
		cd = &CollectionDelta{}
	}
	deleted := make(map[string]bool, len(cd.Deleted))
	for _, id := range cd.Deleted {
		deleted[id] = true
	}

	out := make([]map[string]any, 0, len(oldRecords)+len(cd.Added))
	for _, rec := range oldRecords {
		id := recordID(rec, field)
		if deleted[id] {
			continue
		}
		if p, ok := cd.Modified[id]; ok {
			out = append(out, Apply(rec, p))
			continue
		}
		out = append(out, cloneMap(rec))
	}
	for _, rec := range cd.Added {
		out = append(out, cloneMap(rec))
	}
	return out
}

func index(records []map[string]any, field string) map[string]map[string]any {
	m := make(map[string]map[string]any, len(records))
	for _, rec := range records {
		if id := recordID(rec, field); id != "" {
			m[id] = rec
		}
	}
	return m
}
