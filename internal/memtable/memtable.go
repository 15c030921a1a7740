// Package memtable holds the engine's mutable, in-memory write
// buffer: one active skiplist generation plus a queue of frozen
// generations waiting to be flushed into SST files.
package memtable

import (
	"container/list"
	"sync"

	"github.com/r2faye/tinylsm/internal/skiplist"
)

// DefaultFreezeSize is the approximate byte size at which the active
// generation should be frozen and a new one started.
const DefaultFreezeSize = 4 << 20

// MemTable owns one mutable skiplist (current) and an ordered queue of
// immutable ones (frozen, front = newest). Lock order is always
// curMtx then frozenMtx — frozenMtx is never held while acquiring
// curMtx, so FreezeCurrent (which holds both briefly while splicing)
// can never deadlock against a reader holding only one of the two.
type MemTable struct {
	curMtx  sync.RWMutex
	current *skiplist.SkipList

	frozenMtx sync.RWMutex
	frozen    *list.List // of *skiplist.SkipList, front = most recently frozen

	freezeSize int64
}

// New creates an empty MemTable. freezeSize <= 0 uses DefaultFreezeSize.
func New(freezeSize int64) *MemTable {
	if freezeSize <= 0 {
		freezeSize = DefaultFreezeSize
	}
	return &MemTable{
		current:    skiplist.New(),
		frozen:     list.New(),
		freezeSize: freezeSize,
	}
}

// Put records value for key under trancID in the active generation.
// A nil value is a tombstone.
func (mt *MemTable) Put(key, value []byte, trancID uint64) {
	mt.curMtx.RLock()
	defer mt.curMtx.RUnlock()
	mt.current.Put(key, value, trancID)
}

// Remove records a tombstone for key under trancID.
func (mt *MemTable) Remove(key []byte, trancID uint64) {
	mt.Put(key, nil, trancID)
}

// PutBatch applies every (key, value) pair under the same trancID.
func (mt *MemTable) PutBatch(pairs [][2][]byte, trancID uint64) {
	mt.curMtx.RLock()
	defer mt.curMtx.RUnlock()
	for _, kv := range pairs {
		mt.current.Put(kv[0], kv[1], trancID)
	}
}

// RemoveBatch tombstones every key in keys under the same trancID.
func (mt *MemTable) RemoveBatch(keys [][]byte, trancID uint64) {
	mt.curMtx.RLock()
	defer mt.curMtx.RUnlock()
	for _, k := range keys {
		mt.current.Put(k, nil, trancID)
	}
}

// Get returns the newest version of key visible at trancID, searching
// the active generation first, then frozen generations from newest to
// oldest. Generations are searched strictly newest-first and Get stops
// at the first hit, so a tombstone in a newer generation correctly
// shadows a non-tombstone value sitting in an older one. It does not
// distinguish "absent from the memtable" from "shadowed by a
// tombstone here" — callers that also need to consult SSTs below the
// memtable should use Resolve instead, since falling through to an
// SST after a tombstone would incorrectly resurrect an older value.
func (mt *MemTable) Get(key []byte, trancID uint64) ([]byte, bool) {
	v, found, _ := mt.Resolve(key, trancID)
	return v, found
}

// Resolve is Get plus a definitive flag: true means the memtable
// itself settled the lookup (a value was found, or a tombstone shadows
// anything older), and the caller must not fall through to the SST
// levels below. false means the key simply isn't present in the
// memtable at all yet, so the caller should keep searching on disk.
func (mt *MemTable) Resolve(key []byte, trancID uint64) (value []byte, found bool, definitive bool) {
	mt.curMtx.RLock()
	if v, ok := mt.current.Get(key, trancID); ok {
		mt.curMtx.RUnlock()
		return v, true, true
	}
	shadowed := mt.current.HasTombstone(key, trancID)
	mt.curMtx.RUnlock()
	if shadowed {
		return nil, false, true
	}

	mt.frozenMtx.RLock()
	defer mt.frozenMtx.RUnlock()
	for e := mt.frozen.Front(); e != nil; e = e.Next() {
		sl := e.Value.(*skiplist.SkipList)
		if v, ok := sl.Get(key, trancID); ok {
			return v, true, true
		}
		if sl.HasTombstone(key, trancID) {
			return nil, false, true
		}
	}
	return nil, false, false
}

// GetBatch looks up every key in keys, returning a value slice (nil
// entries for tombstones/misses) and a found-mask of the same length.
func (mt *MemTable) GetBatch(keys [][]byte, trancID uint64) ([][]byte, []bool) {
	values := make([][]byte, len(keys))
	found := make([]bool, len(keys))
	for i, k := range keys {
		v, ok := mt.Get(k, trancID)
		values[i] = v
		found[i] = ok
	}
	return values, found
}

// IterPrefix returns a merged iterator over every visible entry whose
// key carries prefix, across the active generation and every frozen
// one, newest version winning.
func (mt *MemTable) IterPrefix(prefix []byte, trancID uint64) *Iterator {
	return mt.newIterator(func(sl *skiplist.SkipList) *skiplist.Iterator {
		return sl.BeginPrefix(prefix)
	}, trancID)
}

// IterPredicate returns a merged iterator filtered by a monotone
// three-way predicate over keys (see skiplist.IterMonotonyPredicate).
func (mt *MemTable) IterPredicate(pred func(key []byte) int, trancID uint64) *Iterator {
	return mt.newIterator(func(sl *skiplist.SkipList) *skiplist.Iterator {
		return sl.IterMonotonyPredicate(pred)
	}, trancID)
}

// FreezeCurrent pushes the active generation onto the front of the
// frozen queue and installs a fresh empty one, returning the frozen
// generation's approximate size. Safe to call whether or not the
// caller has already checked ShouldFreeze.
func (mt *MemTable) FreezeCurrent() int64 {
	mt.curMtx.Lock()
	mt.frozenMtx.Lock()
	frozen := mt.current
	mt.current = skiplist.New()
	mt.frozen.PushFront(frozen)
	mt.frozenMtx.Unlock()
	mt.curMtx.Unlock()

	return frozen.Size()
}

// ShouldFreeze reports whether the active generation has crossed the
// freeze-size threshold.
func (mt *MemTable) ShouldFreeze() bool {
	mt.curMtx.RLock()
	defer mt.curMtx.RUnlock()
	return mt.current.Size() >= mt.freezeSize
}

// OldestFrozen returns the oldest frozen generation without removing
// it, or nil if none are queued. Flush callers read it to build an
// SST, then call PopOldestFrozen once the SST and manifest update are
// durable.
func (mt *MemTable) OldestFrozen() *skiplist.SkipList {
	mt.frozenMtx.RLock()
	defer mt.frozenMtx.RUnlock()
	back := mt.frozen.Back()
	if back == nil {
		return nil
	}
	return back.Value.(*skiplist.SkipList)
}

// PopOldestFrozen drops the oldest frozen generation once its flush to
// SST is durable.
func (mt *MemTable) PopOldestFrozen() {
	mt.frozenMtx.Lock()
	defer mt.frozenMtx.Unlock()
	if back := mt.frozen.Back(); back != nil {
		mt.frozen.Remove(back)
	}
}

// FrozenCount reports how many frozen generations are queued.
func (mt *MemTable) FrozenCount() int {
	mt.frozenMtx.RLock()
	defer mt.frozenMtx.RUnlock()
	return mt.frozen.Len()
}

// Size returns the active generation's approximate byte footprint.
func (mt *MemTable) Size() int64 {
	mt.curMtx.RLock()
	defer mt.curMtx.RUnlock()
	return mt.current.Size()
}

// FrozenBytes sums the approximate byte footprint of every queued
// frozen generation.
func (mt *MemTable) FrozenBytes() int64 {
	mt.frozenMtx.RLock()
	defer mt.frozenMtx.RUnlock()
	var total int64
	for e := mt.frozen.Front(); e != nil; e = e.Next() {
		total += e.Value.(*skiplist.SkipList).Size()
	}
	return total
}
