package iterator

import (
	"github.com/r2faye/tinylsm/internal/memtable"
	"github.com/r2faye/tinylsm/internal/skiplist"
	"github.com/r2faye/tinylsm/internal/sstable"
)

// FromSkipList adapts a skiplist.Iterator into a Source.
func FromSkipList(it *skiplist.Iterator) Source {
	return skiplistSource{it}
}

type skiplistSource struct{ it *skiplist.Iterator }

func (s skiplistSource) Valid() bool      { return s.it.Valid() }
func (s skiplistSource) Key() []byte      { return s.it.Key() }
func (s skiplistSource) Value() []byte    { return s.it.Value() }
func (s skiplistSource) TrancID() uint64  { return s.it.TrancID() }
func (s skiplistSource) Next()            { s.it.Next() }

// FromMemTable adapts a memtable.Iterator (which already resolved
// MVCC/tombstones across the memtable's own generations) into a
// Source whose TrancID is always the snapshot's, since by the time an
// entry reaches here it is already the single winning version.
func FromMemTable(it *memtable.Iterator, snapshot uint64) Source {
	return memtableSource{it: it, snapshot: snapshot}
}

type memtableSource struct {
	it       *memtable.Iterator
	snapshot uint64
}

func (s memtableSource) Valid() bool     { return s.it.Valid() }
func (s memtableSource) Key() []byte     { return s.it.Key() }
func (s memtableSource) Value() []byte   { return s.it.Value() }
func (s memtableSource) TrancID() uint64 { return s.snapshot }
func (s memtableSource) Next()           { s.it.Next() }

// FromSSTable adapts an sstable.Iterator into a Source. Any read
// error encountered while advancing is recorded into *errSink and the
// source reports itself invalid from then on, so a HeapIterator built
// over it simply stops surfacing entries from this table; callers
// should check *errSink after draining the HeapIterator.
func FromSSTable(it *sstable.Iterator, errSink *error) Source {
	return &sstableSource{it: it, errSink: errSink}
}

type sstableSource struct {
	it      *sstable.Iterator
	errSink *error
	failed  bool
}

func (s *sstableSource) Valid() bool {
	return !s.failed && s.it.Valid()
}

func (s *sstableSource) Key() []byte { return s.it.Key() }

func (s *sstableSource) Value() []byte {
	if s.it.IsTombstone() {
		return nil
	}
	return s.it.Value()
}

func (s *sstableSource) TrancID() uint64 { return s.it.TrancID() }

func (s *sstableSource) Next() {
	if err := s.it.Next(); err != nil {
		if s.errSink != nil {
			*s.errSink = err
		}
		s.failed = true
	}
}
