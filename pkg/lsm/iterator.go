package lsm

import "container/heap"

// RecordIterator yields records in ascending (key, timestamp) order. The
// slice iterator (over Run.Scan and MemTable.Scan output) and the merge
// iterator below implement it, following
// the same "ordered merge iterator over one or more input iterators" the
// teacher's compaction_iterator.go and intellect4all's lsm/iterator.go
// both build runs from.
type RecordIterator interface {
	// Next returns the next record in order, or ok=false when exhausted.
	Next() (Record, bool)
}

// sliceIterator adapts an already-sorted slice of records to
// RecordIterator, used for memtable scans and in-memory run contents.
type sliceIterator struct {
	records []Record
	pos     int
}

// NewSliceIterator wraps a slice that is already sorted by (key,
// timestamp); callers are responsible for the sort (memtable.Scan already
// guarantees it).
func NewSliceIterator(records []Record) RecordIterator {
	return &sliceIterator{records: records}
}

func (it *sliceIterator) Next() (Record, bool) {
	if it.pos >= len(it.records) {
		return Record{}, false
	}
	r := it.records[it.pos]
	it.pos++
	return r, true
}

// mergeHeapItem pairs a pulled record with the index of the source
// iterator it came from, the payload of the k-way merge's min-heap.
type mergeHeapItem struct {
	rec Record
	src int
}

type mergeHeap struct {
	items  []mergeHeapItem
	schema Schema
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	return h.schema.CompareRecords(h.items[i].rec, h.items[j].rec) < 0
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(mergeHeapItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// MergeIterator performs an ordered k-way merge over multiple
// RecordIterator sources, the construction step spec §4.3 describes
// ("built from an ordered merge iterator over one or more input
// iterators"). It does not deduplicate — callers (Run construction, Level
// merge) decide dedup/tombstone-drop policy, mirroring how the teacher's
// Compactor collects everything first and then applies its own dedup pass.
type MergeIterator struct {
	sources []RecordIterator
	h       *mergeHeap
	started bool
}

// NewMergeIterator builds a k-way merge over sources, ordered by schema's
// (key, timestamp) comparator.
func NewMergeIterator(schema Schema, sources []RecordIterator) *MergeIterator {
	return &MergeIterator{
		sources: sources,
		h:       &mergeHeap{schema: schema},
	}
}

func (m *MergeIterator) ensureStarted() {
	if m.started {
		return
	}
	m.started = true
	heap.Init(m.h)
	for i, src := range m.sources {
		if rec, ok := src.Next(); ok {
			heap.Push(m.h, mergeHeapItem{rec: rec, src: i})
		}
	}
}

func (m *MergeIterator) Next() (Record, bool) {
	m.ensureStarted()
	if m.h.Len() == 0 {
		return Record{}, false
	}
	top := heap.Pop(m.h).(mergeHeapItem)
	if rec, ok := m.sources[top.src].Next(); ok {
		heap.Push(m.h, mergeHeapItem{rec: rec, src: top.src})
	}
	return top.rec, true
}

// DrainAll exhausts an iterator into a slice, used by callers (run
// construction, level merge) that need the full merged sequence to compute
// sparse index boundaries or to dedup in a single pass.
func DrainAll(it RecordIterator) []Record {
	out := make([]Record, 0, 64)
	for {
		rec, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

// DedupNewestWins collapses runs of records sharing the same key, keeping
// only the newest timestamp and (when dropTombstones is true — bottom-level
// merge only, per spec §4.4) discarding the result entirely if that newest
// record is a tombstone. records must already be sorted by (key,
// timestamp) with ties broken newest-first (schema.CompareRecords'
// convention), which is exactly what MergeIterator produces.
func DedupNewestWins(schema Schema, records []Record, dropTombstones bool) []Record {
	out := make([]Record, 0, len(records))
	for i := 0; i < len(records); {
		j := i + 1
		for j < len(records) && schema.cmp(records[j].Key, records[i].Key) == 0 {
			j++
		}
		newest := records[i] // first in group is newest due to timestamp-descending tie-break
		if !(dropTombstones && newest.Tombstone) {
			out = append(out, newest)
		}
		i = j
	}
	return out
}
