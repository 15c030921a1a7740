package memtable

import (
	"container/heap"

	"github.com/r2faye/tinylsm/internal/skiplist"
	"github.com/r2faye/tinylsm/internal/utils"
)

// source wraps one generation's underlying iterator together with its
// recency rank (0 = current, 1 = most recently frozen, ...), used to
// break ties when two generations both carry a version of the same
// key: the lower rank wins.
type source struct {
	it   *skiplist.Iterator
	rank int
}

type iterHeap []*source

func (h iterHeap) Len() int { return len(h) }
func (h iterHeap) Less(i, j int) bool {
	a, b := h[i].it, h[j].it
	if c := utils.CompareBytes(a.Key(), b.Key()); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h iterHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *iterHeap) Push(x any)        { *h = append(*h, x.(*source)) }
func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Iterator walks the logical merge of every generation in a MemTable,
// newest generation winning ties on the same key, skipping any key
// whose newest visible entry is a tombstone.
type Iterator struct {
	h       iterHeap
	trancID uint64
	key     []byte
	value   []byte
	valid   bool
}

func (mt *MemTable) newIterator(open func(*skiplist.SkipList) *skiplist.Iterator, trancID uint64) *Iterator {
	it := &Iterator{trancID: trancID}

	mt.curMtx.RLock()
	if sub := open(mt.current); sub.Valid() {
		it.h = append(it.h, &source{it: sub, rank: 0})
	}
	mt.curMtx.RUnlock()

	mt.frozenMtx.RLock()
	rank := 1
	for e := mt.frozen.Front(); e != nil; e = e.Next() {
		sl := e.Value.(*skiplist.SkipList)
		if sub := open(sl); sub.Valid() {
			it.h = append(it.h, &source{it: sub, rank: rank})
		}
		rank++
	}
	mt.frozenMtx.RUnlock()

	heap.Init(&it.h)
	it.advance()
	return it
}

// advance pops entries for the next distinct key, picking the
// newest-generation, MVCC-visible version and skipping the key
// entirely if that version is a tombstone.
func (it *Iterator) advance() {
	for it.h.Len() > 0 {
		key := append([]byte(nil), it.h[0].it.Key()...)

		var value []byte
		var chosen bool
		for it.h.Len() > 0 && utils.CompareBytes(it.h[0].it.Key(), key) == 0 {
			top := it.h[0]
			if !chosen && (it.trancID == 0 || top.it.TrancID() <= it.trancID) {
				value = top.it.Value()
				chosen = true
			}
			top.it.Next()
			if top.it.Valid() {
				heap.Fix(&it.h, 0)
			} else {
				heap.Pop(&it.h)
			}
		}

		if !chosen {
			continue
		}
		if value == nil {
			// Tombstone: this key is deleted as of trancID, skip it
			// entirely rather than surfacing it or falling through to
			// whatever an older generation might still hold.
			continue
		}
		it.key = key
		it.value = append([]byte(nil), value...)
		it.valid = true
		return
	}
	it.valid = false
}

func (it *Iterator) Valid() bool { return it.valid }
func (it *Iterator) Key() []byte { return it.key }
func (it *Iterator) Value() []byte { return it.value }
func (it *Iterator) Next() { it.advance() }
