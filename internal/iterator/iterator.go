// Package iterator implements the merging layer above the memtable
// and SST readers: a single heap-ordered iterator over many sorted
// sources, applying MVCC visibility and tombstone filtering once in
// one place instead of in every caller.
package iterator

import "container/heap"

// Source is anything that can be driven forward in (key asc, trancID
// desc) order. Advancing never itself returns an error: concrete
// sources that can fail (SST reads off disk) record it into the error
// sink their adapter was built with and make Valid() false from that
// point on — see FromSSTable.
type Source interface {
	Valid() bool
	Key() []byte
	Value() []byte
	TrancID() uint64
	Next()
}

// SearchItem is one entry surfaced while merging, tagged with the
// index of the source it came from and its position within that
// source's scan, for stable tie-breaking and debugging.
type SearchItem struct {
	Key      []byte
	Value    []byte
	SourceIdx int
	IntraIdx  int
	TrancID   uint64
	tombstone bool
}

type heapItem struct {
	src       Source
	sourceIdx int
	intraIdx  int
}

type minHeap []*heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if c := compareBytes(a.src.Key(), b.src.Key()); c != 0 {
		return c < 0
	}
	// Equal keys: lower source index wins — callers number sources
	// newest-first (current memtable = 0, frozen generations next,
	// then L0 SSTs newest-first, then L1+).
	return a.sourceIdx < b.sourceIdx
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func compareBytes(a, b []byte) int {
	la, lb := len(a), len(b)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	default:
		return 0
	}
}

// HeapIterator merges many Sources into one (key asc) stream,
// dropping superseded versions of the same key and, unless
// WithTombstones is set, dropping tombstones as well. If snapshot is
// nonzero, entries with TrancID > snapshot are invisible and never
// surface.
type HeapIterator struct {
	h             minHeap
	snapshot      uint64
	showTombstone bool
	started       bool

	cur   SearchItem
	valid bool
}

// New builds a HeapIterator over sources, numbered by their position
// in the slice (lower index = newer, per the source-numbering
// convention above). snapshot == 0 disables MVCC filtering. The
// merge itself doesn't start until the first Valid/Key/Next call, so
// WithTombstones can still be chained on afterward and take effect
// from the very first entry.
func New(sources []Source, snapshot uint64) *HeapIterator {
	it := &HeapIterator{snapshot: snapshot}
	for i, s := range sources {
		it.pushFrom(s, i, 0)
	}
	heap.Init(&it.h)
	return it
}

// WithTombstones makes the iterator surface tombstones (Value() ==
// nil) instead of silently skipping the key, used by compaction into
// a non-deepest level where a tombstone must itself be rewritten
// forward rather than dropped.
func (it *HeapIterator) WithTombstones() *HeapIterator {
	it.showTombstone = true
	return it
}

func (it *HeapIterator) ensureStarted() {
	if !it.started {
		it.started = true
		it.advance()
	}
}

func (it *HeapIterator) pushFrom(s Source, sourceIdx, intraIdx int) {
	for s.Valid() {
		if it.snapshot != 0 && s.TrancID() > it.snapshot {
			s.Next()
			intraIdx++
			continue
		}
		heap.Push(&it.h, &heapItem{src: s, sourceIdx: sourceIdx, intraIdx: intraIdx})
		return
	}
}

// advance pops the next distinct key (the lowest-sourceIdx item
// among equal keys wins) and discards every other item sharing that
// key from the heap, advancing their sources past it.
func (it *HeapIterator) advance() {
	for it.h.Len() > 0 {
		top := heap.Pop(&it.h).(*heapItem)
		key := append([]byte(nil), top.src.Key()...)
		value := append([]byte(nil), top.src.Value()...)
		trancID := top.src.TrancID()
		tombstone := value == nil

		top.src.Next()
		it.pushFrom(top.src, top.sourceIdx, top.intraIdx+1)

		// Drop every other item carrying the same (now superseded) key.
		for it.h.Len() > 0 && compareBytes(it.h[0].src.Key(), key) == 0 {
			dup := heap.Pop(&it.h).(*heapItem)
			dup.src.Next()
			it.pushFrom(dup.src, dup.sourceIdx, dup.intraIdx+1)
		}

		if tombstone && !it.showTombstone {
			continue
		}

		it.cur = SearchItem{Key: key, Value: value, SourceIdx: top.sourceIdx, IntraIdx: top.intraIdx, TrancID: trancID, tombstone: tombstone}
		it.valid = true
		return
	}
	it.valid = false
}

func (it *HeapIterator) Valid() bool {
	it.ensureStarted()
	return it.valid
}
func (it *HeapIterator) Key() []byte {
	it.ensureStarted()
	return it.cur.Key
}
func (it *HeapIterator) Value() []byte {
	it.ensureStarted()
	return it.cur.Value
}
func (it *HeapIterator) TrancID() uint64 {
	it.ensureStarted()
	return it.cur.TrancID
}
func (it *HeapIterator) IsTombstone() bool {
	it.ensureStarted()
	return it.cur.tombstone
}
func (it *HeapIterator) Next() {
	it.ensureStarted()
	it.advance()
}
