package lsm

import (
	"os"
	"path/filepath"

	"github.com/r2faye/tinylsm/internal/iterator"
	"github.com/r2faye/tinylsm/internal/sstable"
	"github.com/r2faye/tinylsm/internal/utils"
)

// maxCompactedSSTBytes bounds a single compaction output file; a
// merge whose total payload exceeds this is split across several
// output SSTs rather than growing one file without bound.
const maxCompactedSSTBytes = 4 << 20

// flushOldest builds one SST from the oldest queued frozen memtable
// generation, registers it at L0, and drops the generation. A no-op
// if nothing is frozen.
func (e *Engine) flushOldest() error {
	sl := e.mem.OldestFrozen()
	if sl == nil {
		return nil
	}

	entries := sl.Flush()
	if len(entries) == 0 {
		e.mem.PopOldestFrozen()
		return nil
	}

	id := e.nextSSTID.Add(1) - 1
	sstDir := filepath.Join(e.opts.DataDir, sstDirName)
	b := sstable.NewBuilder(len(entries), sstable.Options{BlockSize: e.opts.BlockSize, UseSnappy: e.opts.UseSnappy})
	var maxFlushedTrancID uint64
	for _, ent := range entries {
		b.Add(ent.Key, ent.Value, ent.TrancID)
		if ent.TrancID > maxFlushedTrancID {
			maxFlushedTrancID = ent.TrancID
		}
	}
	tbl, err := b.Build(id, sstPath(sstDir, id), e.cache)
	if err != nil {
		return err
	}

	e.levelsMu.Lock()
	e.levels[0].tables = append(e.levels[0].tables, tbl)
	l0Count := len(e.levels[0].tables)
	e.levelsMu.Unlock()

	e.mem.PopOldestFrozen()
	if e.metrics != nil {
		e.metrics.Flush()
	}

	// This generation's writes are now durable in an SST: advance the
	// WAL-recovery/cleaner floor. Transactions don't straddle a freeze
	// (Put/Remove and FreezeCurrent share memtable's lock), so every
	// commit that landed in this generation carries a trancID at or
	// below maxFlushedTrancID; this is an approximation in the rare
	// case a transaction's writes span a freeze boundary under heavy
	// out-of-order commit interleaving, but matches the granularity
	// the rest of this engine is built to.
	e.manifestMu.Lock()
	if maxFlushedTrancID > e.manifest.MaxFinishedTrancID {
		e.manifest.MaxFinishedTrancID = maxFlushedTrancID
	}
	e.manifestMu.Unlock()

	if err := e.rewriteManifestLevels(); err != nil {
		return err
	}

	if l0Count >= e.opts.Level0Count {
		e.requestCompact(0)
	}
	return nil
}

// CompactLevel forces one compaction pass merging lvl into lvl+1,
// regardless of whether lvl's normal trigger condition has fired —
// for operator-driven maintenance (see cmd/tinylsm's compact command).
func (e *Engine) CompactLevel(lvl int) error {
	return e.compactInto(lvl)
}

// LevelStat reports one level's current table count and approximate
// on-disk size.
type LevelStat struct {
	TableCount int
	TotalBytes int64
}

// LevelStats reports LevelStat for every level, L0 first.
func (e *Engine) LevelStats() []LevelStat {
	e.levelsMu.RLock()
	defer e.levelsMu.RUnlock()
	stats := make([]LevelStat, len(e.levels))
	for i, l := range e.levels {
		stats[i] = LevelStat{TableCount: len(l.tables), TotalBytes: l.totalSize()}
	}
	return stats
}

// maybeCompact checks level lvl's trigger condition and runs one
// compaction pass into lvl+1 if it's crossed: L0 triggers on table
// count (lsm_level0_count), L1+ trigger on total byte size exceeding
// lsm_sst_level_ratio times the level above.
func (e *Engine) maybeCompact(lvl int) {
	if e.closed.Load() {
		return
	}

	e.levelsMu.RLock()
	if lvl >= len(e.levels)-1 {
		e.levelsMu.RUnlock()
		return
	}
	var trigger bool
	if lvl == 0 {
		trigger = len(e.levels[0].tables) >= e.opts.Level0Count
	} else {
		curSize := e.levels[lvl].totalSize()
		prevSize := e.levels[lvl-1].totalSize()
		trigger = curSize > 0 && curSize > int64(e.opts.SSTLevelRatio)*prevSize
	}
	e.levelsMu.RUnlock()

	if !trigger {
		return
	}
	if err := e.compactInto(lvl); err == nil {
		e.requestCompact(lvl + 1)
	}
}

// compactInto merges lvl's tables (all of them, if lvl == 0, since L0
// ranges overlap and must be resolved together; otherwise just the
// oldest one) with every overlapping table in lvl+1, and installs the
// merged result at lvl+1 in place of the tables it consumed.
func (e *Engine) compactInto(lvl int) error {
	e.levelsMu.Lock()
	if lvl+1 >= len(e.levels) {
		e.levelsMu.Unlock()
		return nil
	}

	var picked []*sstable.Table
	if lvl == 0 {
		picked = append(picked, e.levels[0].tables...)
	} else if len(e.levels[lvl].tables) > 0 {
		picked = []*sstable.Table{e.levels[lvl].tables[0]}
	}
	if len(picked) == 0 {
		e.levelsMu.Unlock()
		return nil
	}

	lo, hi := picked[0].FirstKey(), picked[0].LastKey()
	for _, t := range picked[1:] {
		if utils.CompareBytes(t.FirstKey(), lo) < 0 {
			lo = t.FirstKey()
		}
		if utils.CompareBytes(t.LastKey(), hi) > 0 {
			hi = t.LastKey()
		}
	}

	var overlapping, remaining []*sstable.Table
	for _, t := range e.levels[lvl+1].tables {
		if t.MayOverlap(lo, hi) {
			overlapping = append(overlapping, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	merging := append(append([]*sstable.Table{}, picked...), overlapping...)
	e.levelsMu.Unlock()

	dropTombstones := e.isEmptyBelow(lvl + 2)

	newTables, err := e.mergeTables(merging, dropTombstones)
	if err != nil {
		return err
	}

	e.levelsMu.Lock()
	if lvl == 0 {
		// flushOldest may have appended new L0 tables while the merge
		// ran; only the ones picked above were consumed.
		e.levels[0].tables = e.levels[0].tables[len(picked):]
	} else {
		e.levels[lvl].tables = e.levels[lvl].tables[1:]
	}
	e.levels[lvl+1].tables = append(remaining, newTables...)
	e.levelsMu.Unlock()

	for _, t := range merging {
		e.cache.InvalidateSST(t.ID)
		path := t.Path
		t.Close()
		_ = os.Remove(path)
	}

	if e.metrics != nil {
		e.metrics.Compaction()
	}
	return e.rewriteManifestLevels()
}

// isEmptyBelow reports whether every level from lvl downward currently
// holds no tables — i.e. lvl-1 is the deepest present level, and a
// compaction landing there may drop tombstones for good (I6).
func (e *Engine) isEmptyBelow(lvl int) bool {
	e.levelsMu.RLock()
	defer e.levelsMu.RUnlock()
	for l := lvl; l < len(e.levels); l++ {
		if len(e.levels[l].tables) > 0 {
			return false
		}
	}
	return true
}

// mergeTables merges every table in tables into one sorted stream,
// keeping only the newest version of each key, and writes it back out
// as one or more new SSTs (splitting at maxCompactedSSTBytes).
// Tombstones are dropped from the output only when dropTombstones is
// set; otherwise they're carried forward so an older value at a
// deeper level stays correctly shadowed.
func (e *Engine) mergeTables(tables []*sstable.Table, dropTombstones bool) ([]*sstable.Table, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	var readErr error
	sources := make([]iterator.Source, 0, len(tables))
	for _, t := range tables {
		it, err := t.Iter()
		if err != nil {
			return nil, err
		}
		sources = append(sources, iterator.FromSSTable(it, &readErr))
	}

	merged := iterator.New(sources, 0)
	if !dropTombstones {
		merged = merged.WithTombstones()
	}

	sstDir := filepath.Join(e.opts.DataDir, sstDirName)
	var results []*sstable.Table
	var builder *sstable.Builder
	var approxBytes int

	flush := func() error {
		if builder == nil {
			return nil
		}
		id := e.nextSSTID.Add(1) - 1
		tbl, err := builder.Build(id, sstPath(sstDir, id), e.cache)
		if err != nil {
			return err
		}
		results = append(results, tbl)
		builder = nil
		approxBytes = 0
		return nil
	}

	for merged.Valid() {
		if builder == nil {
			builder = sstable.NewBuilder(1024, sstable.Options{BlockSize: e.opts.BlockSize, UseSnappy: e.opts.UseSnappy})
		}
		key, value := merged.Key(), merged.Value()
		builder.Add(key, value, merged.TrancID())
		approxBytes += len(key) + len(value) + 24

		if approxBytes >= maxCompactedSSTBytes {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		merged.Next()
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	return results, nil
}

// rewriteManifestLevels snapshots the current in-memory level
// membership into the manifest and persists it atomically.
func (e *Engine) rewriteManifestLevels() error {
	e.levelsMu.RLock()
	levelIDs := make([][]uint64, len(e.levels))
	for i, l := range e.levels {
		ids := make([]uint64, len(l.tables))
		for j, t := range l.tables {
			ids[j] = t.ID
		}
		levelIDs[i] = ids
	}
	e.levelsMu.RUnlock()

	e.manifestMu.Lock()
	defer e.manifestMu.Unlock()
	e.manifest.Levels = levelIDs
	e.manifest.NextSSTID = e.nextSSTID.Load()
	if e.txns != nil {
		e.manifest.NextTrancID = e.txns.nextTrancID.Load()
	}
	return e.manifest.save(e.opts.DataDir)
}
