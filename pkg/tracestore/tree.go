package tracestore

import (
	"sort"

	"github.com/ttdtools/timetrack/pkg/replay"
)

// Tree is the in-memory form of a completed trace, records indexed by
// parent.
type Tree struct {
	// Target describes the location the trace started from.
	Target string
	// Start is the position the trace started from.
	Start replay.Position

	records  []Record
	byID     map[int32]int
	children map[int32][]int
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{byID: make(map[int32]int), children: make(map[int32][]int)}
}

// Add adds r to the tree. Children are kept in the order they were added.
func (t *Tree) Add(r Record) {
	t.byID[r.ID] = len(t.records)
	t.children[r.ParentID] = append(t.children[r.ParentID], len(t.records))
	t.records = append(t.records, r)
}

// Len returns the number of records.
func (t *Tree) Len() int {
	return len(t.records)
}

// Records returns all records in ID order.
func (t *Tree) Records() []Record {
	r := make([]Record, len(t.records))
	copy(r, t.records)
	sort.SliceStable(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// Get returns the record with the given ID.
func (t *Tree) Get(id int32) (Record, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Record{}, false
	}
	return t.records[i], true
}

// Children returns the records whose parent is id. Roots have parent 0.
func (t *Tree) Children(id int32) []Record {
	idx := t.children[id]
	r := make([]Record, len(idx))
	for i, j := range idx {
		r[i] = t.records[j]
	}
	return r
}

// Roots returns the records without a parent.
func (t *Tree) Roots() []Record {
	return t.Children(0)
}
