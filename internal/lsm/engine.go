// Package lsm assembles the skiplist, SST, WAL, and iterator layers
// into a single embeddable storage engine: Engine owns the on-disk
// layout and background flush/compaction work, TransactionManager
// layers MVCC transactions on top of it.
package lsm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/r2faye/tinylsm/internal/iterator"
	"github.com/r2faye/tinylsm/internal/memtable"
	"github.com/r2faye/tinylsm/internal/metrics"
	"github.com/r2faye/tinylsm/internal/sstable"
	"github.com/r2faye/tinylsm/internal/utils"
	"github.com/r2faye/tinylsm/internal/wal"
)

var ErrClosed = errors.New("lsm: engine is closed")

const sstDirName = "sst"

const defaultNumLevels = 4

// Options configures an Engine. Each tunable corresponds to one
// on-disk configuration key; internal/config's Load maps the keys onto
// these fields.
type Options struct {
	DataDir string

	MemFreezeSize      int64
	TolMemSizeLimit    int64
	SSTLevelRatio      int
	Level0Count        int
	BlockSize          int
	BlockCacheCapacity int
	UseSnappy          bool
	NumLevels          int

	WALBufferSize     int
	WALFileSizeLimit  int64
	WALCleanInterval  time.Duration
	WALCleanMinSealed int

	// Metrics, if non-nil, receives flush/compaction/cache/WAL counters
	// as the engine runs. Left nil, instrumentation is skipped entirely.
	Metrics *metrics.Collectors
}

func (o Options) withDefaults() Options {
	if o.MemFreezeSize <= 0 {
		o.MemFreezeSize = memtable.DefaultFreezeSize
	}
	if o.TolMemSizeLimit <= 0 {
		o.TolMemSizeLimit = 4 * o.MemFreezeSize
	}
	if o.SSTLevelRatio <= 0 {
		o.SSTLevelRatio = 4
	}
	if o.Level0Count <= 0 {
		o.Level0Count = 4
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BlockCacheCapacity <= 0 {
		o.BlockCacheCapacity = 1024
	}
	if o.NumLevels <= 0 {
		o.NumLevels = defaultNumLevels
	}
	if o.WALBufferSize <= 0 {
		o.WALBufferSize = 64
	}
	if o.WALFileSizeLimit <= 0 {
		o.WALFileSizeLimit = 64 << 20
	}
	if o.WALCleanInterval <= 0 {
		o.WALCleanInterval = 30 * time.Second
	}
	if o.WALCleanMinSealed <= 0 {
		o.WALCleanMinSealed = 1
	}
	return o
}

// level holds the live SST handles for one level. L0's tables may
// overlap in key range and are searched newest-appended-first; L1+
// are kept disjoint (I5) and searched by range.
type level struct {
	tables []*sstable.Table
}

func (l *level) totalSize() int64 {
	var sum int64
	for _, t := range l.tables {
		if st, err := os.Stat(t.Path); err == nil {
			sum += st.Size()
		}
	}
	return sum
}

// Engine is the embeddable storage engine: one memtable, N levels of
// SSTs, a shared block cache, and the WAL backing durability. Reads
// and single-key writes go through it directly; multi-operation
// transactions go through a TransactionManager built on top (see
// txn.go).
type Engine struct {
	opts Options

	mem *memtable.MemTable

	levelsMu sync.RWMutex
	levels   []level

	cache *sstable.BlockCache

	walMu sync.Mutex
	wal   *wal.Writer

	manifestMu sync.Mutex
	manifest   *manifestState

	nextSSTID atomic.Uint64

	metrics *metrics.Collectors

	txns *TransactionManager

	flushCh   chan struct{}
	compactCh chan int

	// ctx/cancel/wg manage the flush and compaction background
	// goroutines, replacing a hand-rolled WaitGroup with errgroup's
	// Go/Wait pattern; an unexpected error from either loop cancels
	// ctx and stops the other.
	ctx    context.Context
	cancel context.CancelFunc
	wg     *errgroup.Group

	stopCleaner func()

	closed atomic.Bool
}

// Open loads (or creates) an engine rooted at opts.DataDir: reads the
// manifest, opens every live SST it names, replays committed WAL
// records into a fresh memtable, and starts the background
// flush/compaction worker and WAL cleaner.
func Open(opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if opts.DataDir == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}
	sstDir := filepath.Join(opts.DataDir, sstDirName)
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		return nil, err
	}

	manifest, err := loadOrCreateManifest(opts.DataDir, opts.NumLevels)
	if err != nil {
		return nil, fmt.Errorf("lsm: loading manifest: %w", err)
	}

	cache := sstable.NewBlockCache(opts.BlockCacheCapacity)
	if opts.Metrics != nil {
		cache.OnHit = opts.Metrics.CacheHit
		cache.OnMiss = opts.Metrics.CacheMiss
	}

	levels := make([]level, opts.NumLevels)
	for lvl, ids := range manifest.Levels {
		for _, id := range ids {
			tbl, err := sstable.Open(id, sstPath(sstDir, id), cache)
			if err != nil {
				return nil, fmt.Errorf("lsm: opening sst %d: %w", id, err)
			}
			levels[lvl].tables = append(levels[lvl].tables, tbl)
		}
	}

	res, err := wal.Recover(opts.DataDir, manifest.MaxFinishedTrancID)
	if err != nil {
		return nil, fmt.Errorf("lsm: recovering wal: %w", err)
	}

	// manifest.MaxFinishedTrancID is the durable floor: the point below
	// which every transaction is known captured in an SST. Replaying
	// committed WAL groups above that floor brings them back into the
	// live memtable, but they are NOT yet durable again until the next
	// flush, so the floor itself must not move just because of replay
	// — only flushOldest advances it (see compaction.go).
	mt := memtable.New(opts.MemFreezeSize)
	maxReplayedTrancID := manifest.MaxFinishedTrancID
	replayedIDs := make([]uint64, 0, len(res.Committed))
	for trancID, recs := range res.Committed {
		for _, r := range recs {
			switch r.Op {
			case wal.OpPut:
				mt.Put(r.Key, r.Value, trancID)
			case wal.OpDelete:
				mt.Remove(r.Key, trancID)
			}
		}
		replayedIDs = append(replayedIDs, trancID)
		if trancID > maxReplayedTrancID {
			maxReplayedTrancID = trancID
		}
	}
	sort.Slice(replayedIDs, func(i, j int) bool { return replayedIDs[i] < replayedIDs[j] })
	if manifest.NextTrancID <= maxReplayedTrancID {
		manifest.NextTrancID = maxReplayedTrancID + 1
	}

	walSeq := manifest.WALSeq
	if res.LastSeq > walSeq {
		walSeq = res.LastSeq
	}
	w, err := wal.NewWriter(opts.DataDir, walSeq, wal.Options{
		BufferSizeLimit: opts.WALBufferSize,
		FileSizeLimit:   opts.WALFileSizeLimit,
	})
	if err != nil {
		return nil, err
	}
	manifest.WALSeq = walSeq

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	e := &Engine{
		opts:      opts,
		mem:       mt,
		levels:    levels,
		cache:     cache,
		wal:       w,
		manifest:  manifest,
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan int, opts.NumLevels),
		ctx:       gctx,
		cancel:    cancel,
		wg:        g,
		metrics:   opts.Metrics,
	}
	e.nextSSTID.Store(manifest.NextSSTID)
	e.txns = newTransactionManager(e, manifest.NextTrancID, manifest.MaxFinishedTrancID)
	// Re-derive the in-memory MVCC watermark from the durable floor plus
	// every committed group replay just brought back to life, using the
	// same contiguous-gap bookkeeping finish() uses at runtime.
	for _, id := range replayedIDs {
		e.txns.finish(id)
	}

	if err := e.manifest.save(opts.DataDir); err != nil {
		return nil, err
	}

	e.stopCleaner = w.StartCleaner(opts.WALCleanInterval, opts.WALCleanMinSealed, e.isDurable)

	e.wg.Go(e.flushLoop)
	e.wg.Go(e.compactionLoop)

	return e, nil
}

func sstPath(sstDir string, id uint64) string {
	return filepath.Join(sstDir, fmt.Sprintf("%d.sst", id))
}

// walLog appends records to the active WAL segment, serialized
// through a single mutex since internal/wal's own Writer expects
// callers not to interleave concurrent Log calls.
func (e *Engine) walLog(recs []wal.Record, force bool) error {
	e.walMu.Lock()
	defer e.walMu.Unlock()
	if err := e.wal.Log(recs, force); err != nil {
		return err
	}
	if e.metrics != nil {
		var n int
		for _, r := range recs {
			n += r.Len()
		}
		e.metrics.WALBytes(n)
	}
	return nil
}

// BeginTxn starts a new transaction at the given isolation level.
func (e *Engine) BeginTxn(isolation IsolationLevel) (*TxnContext, error) {
	return e.txns.BeginTxn(isolation)
}

// Put, Get, and Delete are single-operation convenience wrappers
// around an auto-committed transaction, for callers that don't need
// multi-key atomicity.
func (e *Engine) Put(key, value []byte) error {
	txn, err := e.BeginTxn(ReadCommitted)
	if err != nil {
		return err
	}
	if err := txn.Put(key, value); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit(true)
}

func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	txn, err := e.BeginTxn(ReadCommitted)
	if err != nil {
		return nil, false, err
	}
	defer txn.Rollback()
	return txn.Get(key)
}

func (e *Engine) Delete(key []byte) error {
	txn, err := e.BeginTxn(ReadCommitted)
	if err != nil {
		return err
	}
	if err := txn.Remove(key); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit(true)
}

// isDurable reports whether every record tagged trancID is already
// reflected in a durable SST, the condition internal/wal's cleaner
// requires before it may delete a sealed segment.
func (e *Engine) isDurable(trancID uint64) bool {
	e.manifestMu.Lock()
	defer e.manifestMu.Unlock()
	return trancID <= e.manifest.MaxFinishedTrancID
}

// flushLoop drains flush requests until ctx is canceled, building an
// SST from every already-frozen generation each time it wakes.
func (e *Engine) flushLoop() error {
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case <-e.flushCh:
			for e.mem.FrozenCount() > 0 {
				if err := e.flushOldest(); err != nil {
					return err
				}
			}
		}
	}
}

// compactionLoop drains compaction requests until ctx is canceled.
// Running on its own goroutine from flushLoop means a flush can keep
// queuing frozen generations while a compaction is in flight, at the
// cost of levels needing their own locking (already provided by
// levelsMu) since the two loops now run concurrently.
func (e *Engine) compactionLoop() error {
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case lvl := <-e.compactCh:
			e.maybeCompact(lvl)
		}
	}
}

func (e *Engine) requestFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Engine) requestCompact(lvl int) {
	select {
	case e.compactCh <- lvl:
	default:
	}
}

// Close stops the background flush/compaction goroutines (requests
// still queued are not processed), stops the WAL cleaner,
// closes every open SST and the WAL segment, and persists a final
// manifest snapshot.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.cancel()
	var firstErr error
	if err := e.wg.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}

	if e.stopCleaner != nil {
		e.stopCleaner()
	}

	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.levelsMu.Lock()
	for _, lvl := range e.levels {
		for _, t := range lvl.tables {
			if err := t.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	e.levelsMu.Unlock()

	if err := e.saveManifest(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// saveManifest persists the current SST ids and next-transaction
// counter. MaxFinishedTrancID (the durable floor used by WAL recovery
// and the cleaner) is deliberately left untouched here — it only ever
// advances in flushOldest, when data actually lands in an SST.
func (e *Engine) saveManifest() error {
	e.manifestMu.Lock()
	defer e.manifestMu.Unlock()
	e.manifest.NextSSTID = e.nextSSTID.Load()
	if e.txns != nil {
		e.manifest.NextTrancID = e.txns.nextTrancID.Load()
	}
	return e.manifest.save(e.opts.DataDir)
}

// get resolves key's newest version visible at snapshot (snapshot ==
// 0 disables MVCC filtering), searching the memtable first, then L0
// newest-appended-first, then L1+ by key range.
func (e *Engine) get(key []byte, snapshot uint64) ([]byte, bool, error) {
	if v, found, definitive := e.mem.Resolve(key, snapshot); definitive {
		return v, found, nil
	}

	e.levelsMu.RLock()
	defer e.levelsMu.RUnlock()

	if l0 := e.levels[0]; len(l0.tables) > 0 {
		for i := len(l0.tables) - 1; i >= 0; i-- {
			t := l0.tables[i]
			if !t.MayOverlap(key, key) {
				continue
			}
			v, found, tombstone, err := t.Get(key, snapshot)
			if err != nil {
				return nil, false, err
			}
			if !found {
				continue
			}
			// This table carries the newest visible version across
			// the whole engine: a tombstone here is authoritative and
			// must not fall through to an older L0 table or a deeper
			// level that may still hold the value it deleted.
			if tombstone {
				return nil, false, nil
			}
			return v, true, nil
		}
	}

	for lvl := 1; lvl < len(e.levels); lvl++ {
		for _, t := range e.levels[lvl].tables {
			if !t.MayOverlap(key, key) {
				continue
			}
			v, found, tombstone, err := t.Get(key, snapshot)
			if err != nil {
				return nil, false, err
			}
			if !found {
				// Ranges are not disjoint across levels: this table's
				// span merely includes key, it doesn't hold it, so a
				// deeper level may still have a real version.
				continue
			}
			if tombstone {
				return nil, false, nil
			}
			return v, true, nil
		}
	}

	return nil, false, nil
}

// scan walks every visible entry for which pred(key) == 0 in
// ascending key order, calling fn until it returns false or the
// predicate range is exhausted.
func (e *Engine) scan(pred func(key []byte) int, snapshot uint64, fn func(key, value []byte) bool) error {
	memIt := e.mem.IterPredicate(pred, snapshot)

	e.levelsMu.RLock()
	tables := make([]*sstable.Table, 0)
	// L0 tables may overlap and rank by recency, newest-appended first,
	// matching the same tie-break get() uses; L1+ are disjoint so their
	// relative order never matters for a tie.
	l0 := e.levels[0].tables
	for i := len(l0) - 1; i >= 0; i-- {
		tables = append(tables, l0[i])
	}
	for lvl := 1; lvl < len(e.levels); lvl++ {
		tables = append(tables, e.levels[lvl].tables...)
	}
	e.levelsMu.RUnlock()

	sources := make([]iterator.Source, 0, 1+len(tables))
	sources = append(sources, iterator.FromMemTable(memIt, snapshot))

	var readErr error
	for _, t := range tables {
		it, err := t.IterFrom(pred)
		if err != nil {
			return err
		}
		sources = append(sources, iterator.FromSSTable(it, &readErr))
	}

	merged := iterator.New(sources, snapshot)
	for merged.Valid() {
		if pred(merged.Key()) != 0 {
			break
		}
		if !fn(merged.Key(), merged.Value()) {
			break
		}
		merged.Next()
	}
	return readErr
}

// prefixPredicate returns the monotone three-way predicate matching
// keys carrying prefix, mirroring skiplist's own prefixCompare.
func prefixPredicate(prefix []byte) func(key []byte) int {
	return func(key []byte) int {
		n := len(prefix)
		if n > len(key) {
			if utils.CompareBytes(key, prefix) < 0 {
				return -1
			}
			return 1
		}
		c := utils.CompareBytes(key[:n], prefix)
		if c != 0 {
			return c
		}
		return 0
	}
}
