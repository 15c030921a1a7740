package sstable

import (
	"encoding/binary"
	"errors"
	"os"

	"github.com/r2faye/tinylsm/internal/utils"
)

var ErrEmptyBuild = errors.New("sstable: nothing to build")

// Options configures a Builder.
type Options struct {
	BlockSize   int     // target bytes per data block before sealing
	BloomFPRate float64 // desired bloom filter false positive rate
	UseSnappy   bool    // compress data blocks with snappy
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = 0.01
	}
	return o
}

// Builder accumulates (key, value, trancID) triples in sorted order
// and assembles them into one immutable SST file. Callers must add
// entries in ascending (key asc, trancID desc) order — the same order
// skiplist.Flush and the compaction merge iterator already produce.
type Builder struct {
	opts Options

	cur         *BlockBuilder
	curFirstKey []byte
	sealed      []sealedBlock

	bloom    *BloomFilter
	firstKey []byte
	lastKey  []byte
	minTID   uint64
	maxTID   uint64
	haveTID  bool
}

type sealedBlock struct {
	firstKey []byte
	data     []byte
}

// NewBuilder creates a Builder. approxKeys sizes the bloom filter.
func NewBuilder(approxKeys int, opts Options) *Builder {
	opts = opts.withDefaults()
	if approxKeys <= 0 {
		approxKeys = 1
	}
	return &Builder{
		opts:  opts,
		cur:   NewBlockBuilder(),
		bloom: NewBloomFilter(uint32(approxKeys), opts.BloomFPRate),
	}
}

// Add appends one entry, sealing the current block first if it has
// already reached the target block size.
func (b *Builder) Add(key, value []byte, trancID uint64) {
	if b.cur.Len() > 0 && b.cur.EstimatedSize() >= b.opts.BlockSize {
		b.sealCurrent()
	}
	if b.cur.Len() == 0 {
		b.curFirstKey = utils.CopyBytes(key)
	}
	b.cur.Add(key, value, trancID)
	b.bloom.Add(key)

	if b.firstKey == nil {
		b.firstKey = utils.CopyBytes(key)
	}
	b.lastKey = utils.CopyBytes(key)

	if !b.haveTID || trancID < b.minTID {
		b.minTID = trancID
	}
	if !b.haveTID || trancID > b.maxTID {
		b.maxTID = trancID
	}
	b.haveTID = true
}

func (b *Builder) sealCurrent() {
	if b.cur.Len() == 0 {
		return
	}
	raw := b.cur.Finish()
	data := compressBlock(raw, b.opts.UseSnappy)
	b.sealed = append(b.sealed, sealedBlock{firstKey: b.curFirstKey, data: data})
	b.cur = NewBlockBuilder()
	b.curFirstKey = nil
}

// Build writes every accumulated block, the index, bloom filter, and
// footer to path, fsyncs, and returns a read-only Table handle backed
// by cache (which may be nil to disable caching).
func (b *Builder) Build(id uint64, path string, cache *BlockCache) (*Table, error) {
	b.sealCurrent()
	if len(b.sealed) == 0 {
		return nil, ErrEmptyBuild
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	idx := &blockIndex{}
	var offset uint32
	for _, blk := range b.sealed {
		if _, err := f.Write(blk.data); err != nil {
			f.Close()
			return nil, err
		}
		idx.add(blk.firstKey, offset, uint32(len(blk.data)), b.opts.UseSnappy)
		offset += uint32(len(blk.data))
	}

	indexBytes := idx.serialize()
	indexOffset := offset
	if _, err := f.Write(indexBytes); err != nil {
		f.Close()
		return nil, err
	}
	offset += uint32(len(indexBytes))

	bloomBytes := b.bloom.Bytes()
	bloomOffset := offset
	if _, err := f.Write(bloomBytes); err != nil {
		f.Close()
		return nil, err
	}
	offset += uint32(len(bloomBytes))

	ft := &footer{
		indexOffset: indexOffset,
		indexLen:    uint32(len(indexBytes)),
		bloomOffset: bloomOffset,
		bloomLen:    uint32(len(bloomBytes)),
		firstKey:    b.firstKey,
		lastKey:     b.lastKey,
		minTrancID:  b.minTID,
		maxTrancID:  b.maxTID,
	}
	footerBytes := ft.serialize()
	if _, err := f.Write(footerBytes); err != nil {
		f.Close()
		return nil, err
	}

	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, uint32(len(footerBytes)))
	if _, err := f.Write(trailer); err != nil {
		f.Close()
		return nil, err
	}

	if err := utils.CloseSynced(f); err != nil {
		return nil, err
	}

	return Open(id, path, cache)
}

// Table is a read-only handle on a built SST file.
type Table struct {
	ID     uint64
	Path   string
	index  *blockIndex
	bloom  *BloomFilter
	footer *footer
	cache  *BlockCache

	file *os.File
}

// Open loads an existing SST file from disk and parses its footer,
// index, and bloom filter.
func Open(id uint64, path string, cache *BlockCache) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	lenBuf := make([]byte, 4)
	if _, err := f.ReadAt(lenBuf, stat.Size()-4); err != nil {
		f.Close()
		return nil, err
	}
	footerLen := binary.LittleEndian.Uint32(lenBuf)

	footerBuf := make([]byte, footerLen)
	if _, err := f.ReadAt(footerBuf, stat.Size()-4-int64(footerLen)); err != nil {
		f.Close()
		return nil, err
	}
	ft, err := deserializeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	indexBuf := make([]byte, ft.indexLen)
	if _, err := f.ReadAt(indexBuf, int64(ft.indexOffset)); err != nil {
		f.Close()
		return nil, err
	}
	idx, err := deserializeBlockIndex(indexBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	bloomBuf := make([]byte, ft.bloomLen)
	if _, err := f.ReadAt(bloomBuf, int64(ft.bloomOffset)); err != nil {
		f.Close()
		return nil, err
	}
	bloom, err := LoadBloomFilter(bloomBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Table{ID: id, Path: path, index: idx, bloom: bloom, footer: ft, cache: cache, file: f}, nil
}

func (t *Table) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}

// FirstKey and LastKey bound the table's key range (I5: disjoint
// ranges within a level >= 1).
func (t *Table) FirstKey() []byte   { return t.footer.firstKey }
func (t *Table) LastKey() []byte    { return t.footer.lastKey }
func (t *Table) MinTrancID() uint64 { return t.footer.minTrancID }
func (t *Table) MaxTrancID() uint64 { return t.footer.maxTrancID }

// MayOverlap reports whether [lo,hi] (either bound nil meaning
// unbounded) could intersect this table's key range.
func (t *Table) MayOverlap(lo, hi []byte) bool {
	if hi != nil && utils.CompareBytes(hi, t.FirstKey()) < 0 {
		return false
	}
	if lo != nil && utils.CompareBytes(lo, t.LastKey()) > 0 {
		return false
	}
	return true
}

func (t *Table) blockCount() int { return len(t.index.entries) }

func (t *Table) loadBlock(blockIdx int) (*Block, error) {
	if t.cache != nil {
		if blk, ok := t.cache.Get(t.ID, blockIdx); ok {
			return blk, nil
		}
	}

	e := t.index.entries[blockIdx]
	raw := make([]byte, e.length)
	if _, err := t.file.ReadAt(raw, int64(e.offset)); err != nil {
		return nil, err
	}
	decompressed, err := decompressBlock(raw, e.compressed)
	if err != nil {
		return nil, err
	}
	blk, err := DecodeBlock(decompressed)
	if err != nil {
		return nil, err
	}

	if t.cache != nil {
		t.cache.Put(t.ID, blockIdx, blk)
	}
	return blk, nil
}

// Get returns the newest entry for key visible at snapshot (trancID
// == 0 disables MVCC filtering). found reports whether this table
// holds any visible version of key at all — value or tombstone.
// tombstone reports whether that visible version is a delete marker;
// callers must treat a tombstone as authoritative and not search
// older tables or deeper levels for a stale value to resurrect.
func (t *Table) Get(key []byte, snapshot uint64) (value []byte, found bool, tombstone bool, err error) {
	if !t.bloom.MayContain(key) {
		return nil, false, false, nil
	}
	if utils.CompareBytes(key, t.FirstKey()) < 0 || utils.CompareBytes(key, t.LastKey()) > 0 {
		return nil, false, false, nil
	}

	idx := t.index.find(key)
	if idx < 0 {
		return nil, false, false, nil
	}
	// Versions of key run newest first and may begin in an earlier
	// block, so start from the last block whose first key sorts before
	// key and continue while the next block still starts with key.
	for idx > 0 && utils.CompareBytes(t.index.entries[idx].firstKey, key) == 0 {
		idx--
	}

	snap := snapshot
	if snap == 0 {
		snap = ^uint64(0)
	}
	for ; idx < t.blockCount(); idx++ {
		blk, loadErr := t.loadBlock(idx)
		if loadErr != nil {
			return nil, false, false, loadErr
		}
		if e, ok := blk.get(key, snap); ok {
			if e.tombstone {
				return nil, true, true, nil
			}
			return utils.CopyBytes(e.value), true, false, nil
		}
		if idx+1 < t.blockCount() && utils.CompareBytes(t.index.entries[idx+1].firstKey, key) != 0 {
			break
		}
	}
	return nil, false, false, nil
}

// Iterator walks every entry across every block in key order,
// including every (key, trancID) version and tombstones; callers
// needing MVCC filtering or tombstone dropping do so at the
// internal/iterator layer, not here.
type Iterator struct {
	t        *Table
	blockIdx int
	entryIdx int
	cur      *Block
}

// IterFrom returns an iterator positioned at the first entry for
// which the monotone predicate pred no longer sorts negative (the
// same three-way contract as skiplist.IterMonotonyPredicate), letting
// a range or prefix scan skip straight to the relevant block instead
// of walking the table from the start.
func (t *Table) IterFrom(pred func(key []byte) int) (*Iterator, error) {
	startBlock := 0
	for i, e := range t.index.entries {
		if pred(e.firstKey) < 0 {
			startBlock = i
		} else {
			break
		}
	}

	it := &Iterator{t: t, blockIdx: startBlock}
	if t.blockCount() == 0 {
		return it, nil
	}
	blk, err := t.loadBlock(startBlock)
	if err != nil {
		return nil, err
	}
	it.cur = blk

	for it.Valid() && pred(it.Key()) < 0 {
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Iter returns an iterator positioned at the table's first entry.
func (t *Table) Iter() (*Iterator, error) {
	it := &Iterator{t: t}
	if t.blockCount() == 0 {
		return it, nil
	}
	blk, err := t.loadBlock(0)
	if err != nil {
		return nil, err
	}
	it.cur = blk
	return it, nil
}

func (it *Iterator) Valid() bool {
	return it.cur != nil && it.entryIdx < it.cur.entryCount()
}

func (it *Iterator) Key() []byte       { return it.cur.entries[it.entryIdx].key }
func (it *Iterator) Value() []byte     { return it.cur.entries[it.entryIdx].value }
func (it *Iterator) TrancID() uint64   { return it.cur.entries[it.entryIdx].trancID }
func (it *Iterator) IsTombstone() bool { return it.cur.entries[it.entryIdx].tombstone }

func (it *Iterator) Next() error {
	it.entryIdx++
	if it.entryIdx < it.cur.entryCount() {
		return nil
	}
	it.blockIdx++
	it.entryIdx = 0
	if it.blockIdx >= it.t.blockCount() {
		it.cur = nil
		return nil
	}
	blk, err := it.t.loadBlock(it.blockIdx)
	if err != nil {
		return err
	}
	it.cur = blk
	return nil
}
