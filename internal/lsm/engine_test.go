package lsm

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutGetDelete(t *testing.T) {
	e := openTestEngine(t, Options{})

	require.NoError(t, e.Put([]byte("key1"), []byte("value1")))
	v, found, err := e.Get([]byte("key1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "value1", string(v))

	require.NoError(t, e.Delete([]byte("key1")))
	_, found, err = e.Get([]byte("key1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReopenRecoversCommittedWrites(t *testing.T) {
	dir := t.TempDir()

	e1, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, e1.Put([]byte("a"), []byte("1")))
	require.NoError(t, e1.Put([]byte("b"), []byte("2")))
	require.NoError(t, e1.Close())

	e2, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer e2.Close()

	v, found, err := e2.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", string(v))

	v, found, err = e2.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(v))
}

func TestReopenDoesNotReplayRolledBackTxn(t *testing.T) {
	dir := t.TempDir()

	e1, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	txn, err := e1.BeginTxn(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("ghost"), []byte("x")))
	require.NoError(t, txn.Rollback())
	require.NoError(t, e1.Close())

	e2, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer e2.Close()

	_, found, err := e2.Get([]byte("ghost"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTxnWritesInvisibleUntilCommit(t *testing.T) {
	e := openTestEngine(t, Options{})

	txn, err := e.BeginTxn(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("key1"), []byte("value1")))

	// Own transaction sees its own pending write.
	v, found, err := txn.Get([]byte("key1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "value1", string(v))

	// Engine-level reads (a separate auto-committed transaction) do not,
	// since the write hasn't applied to the memtable yet.
	_, found, err = e.Get([]byte("key1"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, txn.Commit(true))

	v, found, err = e.Get([]byte("key1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "value1", string(v))
}

func TestRepeatableReadFixesSnapshot(t *testing.T) {
	e := openTestEngine(t, Options{})
	require.NoError(t, e.Put([]byte("key1"), []byte("before")))

	txn, err := e.BeginTxn(RepeatableRead)
	require.NoError(t, err)

	v, found, err := txn.Get([]byte("key1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "before", string(v))

	// A concurrent commit must not be visible to the already-running
	// RepeatableRead transaction's later reads.
	require.NoError(t, e.Put([]byte("key1"), []byte("after")))

	v, found, err = txn.Get([]byte("key1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "before", string(v))
	require.NoError(t, txn.Rollback())

	v, found, err = e.Get([]byte("key1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "after", string(v))
}

func TestSerializableDetectsReadWriteConflict(t *testing.T) {
	e := openTestEngine(t, Options{})
	require.NoError(t, e.Put([]byte("key1"), []byte("v0")))

	txn, err := e.BeginTxn(Serializable)
	require.NoError(t, err)

	_, _, err = txn.Get([]byte("key1"))
	require.NoError(t, err)

	// A different transaction commits a write to the same key the
	// Serializable transaction already read.
	require.NoError(t, e.Put([]byte("key1"), []byte("v1")))

	require.NoError(t, txn.Put([]byte("key2"), []byte("unrelated")))
	err = txn.Commit(true)
	assert.ErrorIs(t, err, ErrConflict)

	// The conflicting write never applied.
	_, found, err := e.Get([]byte("key2"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSerializableCommitsWithoutConflict(t *testing.T) {
	e := openTestEngine(t, Options{})

	txn, err := e.BeginTxn(Serializable)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("key1"), []byte("v1")))
	require.NoError(t, txn.Commit(true))

	v, found, err := e.Get([]byte("key1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", string(v))
}

func TestIterPrefixMergesPendingAndCommitted(t *testing.T) {
	e := openTestEngine(t, Options{})
	require.NoError(t, e.Put([]byte("user:1"), []byte("a")))
	require.NoError(t, e.Put([]byte("user:2"), []byte("b")))

	txn, err := e.BeginTxn(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("user:3"), []byte("c")))
	require.NoError(t, txn.Remove([]byte("user:1")))

	var keys []string
	err = txn.IterPrefix([]byte("user:"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:2", "user:3"}, keys)
	require.NoError(t, txn.Rollback())
}

func TestFlushAndGetAfterRestartSurvivesCompaction(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{
		DataDir:       dir,
		MemFreezeSize: 256,
		Level0Count:   2,
		BlockSize:     256,
	})
	require.NoError(t, err)

	const n = 2000
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%05d", i))
		v := []byte(fmt.Sprintf("value-%05d", i))
		require.NoError(t, e.Put(k, v))
	}
	// Overwrite a slice of keys so compaction must resolve to the
	// newest version, not merely concatenate SSTs.
	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, e.Put(k, []byte("overwritten")))
	}
	require.NoError(t, e.Close())

	e2, err := Open(Options{DataDir: dir, MemFreezeSize: 256, Level0Count: 2, BlockSize: 256})
	require.NoError(t, err)
	defer e2.Close()

	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%05d", i))
		v, found, err := e2.Get(k)
		require.NoError(t, err)
		require.True(t, found, "key %s missing after restart", k)
		if i < 100 {
			assert.Equal(t, "overwritten", string(v))
		} else {
			assert.Equal(t, fmt.Sprintf("value-%05d", i), string(v))
		}
	}
}

func TestConcurrentWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large concurrency test in short mode")
	}
	e := openTestEngine(t, Options{MemFreezeSize: 1 << 16, Level0Count: 4, BlockSize: 4096})

	const writers = 40
	const perWriter = 10000

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := []byte(fmt.Sprintf("w%02d-k%05d", w, i))
				v := []byte(fmt.Sprintf("v%02d-%05d", w, i))
				if err := e.Put(k, v); err != nil {
					t.Errorf("put failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i += 997 {
			k := []byte(fmt.Sprintf("w%02d-k%05d", w, i))
			_, found, err := e.Get(k)
			require.NoError(t, err)
			assert.True(t, found, "key %s missing", k)
		}
	}
}

func TestCompactionCorrectness(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large compaction test in short mode")
	}
	dir := t.TempDir()
	e, err := Open(Options{
		DataDir:       dir,
		MemFreezeSize: 1 << 15,
		Level0Count:   3,
		BlockSize:     2048,
		SSTLevelRatio: 2,
	})
	require.NoError(t, err)
	defer e.Close()

	const n = 100000
	model := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%06d", i)
		v := fmt.Sprintf("value-%06d-r0", i)
		require.NoError(t, e.Put([]byte(k), []byte(v)))
		model[k] = v
	}
	// A second revision for a third of the keys, and tombstones for
	// another third, exercising both version-shadowing and
	// tombstone-dropping during compaction.
	for i := 0; i < n; i += 3 {
		k := fmt.Sprintf("key-%06d", i)
		if i%2 == 0 {
			v := fmt.Sprintf("value-%06d-r1", i)
			require.NoError(t, e.Put([]byte(k), []byte(v)))
			model[k] = v
		} else {
			require.NoError(t, e.Delete([]byte(k)))
			delete(model, k)
		}
	}

	for k, want := range model {
		v, found, err := e.Get([]byte(k))
		require.NoError(t, err)
		require.True(t, found, "key %s missing", k)
		assert.Equal(t, want, string(v))
	}
	for i := 1; i < n; i += 3 {
		if i%2 != 0 {
			k := fmt.Sprintf("key-%06d", i)
			_, found, err := e.Get([]byte(k))
			require.NoError(t, err)
			assert.False(t, found, "tombstoned key %s resurfaced", k)
		}
	}
}

// forceFlush freezes whatever's in the active memtable generation and
// flushes every frozen generation to L0, synchronously, so tests don't
// depend on the background flush loop's timing.
func forceFlush(t *testing.T, e *Engine) {
	t.Helper()
	e.mem.FreezeCurrent()
	for e.mem.FrozenCount() > 0 {
		require.NoError(t, e.flushOldest())
	}
}

func TestDeleteAfterCompactionIsNotResurrected(t *testing.T) {
	e := openTestEngine(t, Options{Level0Count: 100})

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	forceFlush(t, e)
	require.NoError(t, e.CompactLevel(0))

	v, found, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", string(v))

	require.NoError(t, e.Delete([]byte("a")))
	forceFlush(t, e)

	_, found, err = e.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, found, "deleted key resurrected from a deeper level")
}

func TestDeeperLevelNotShadowedByNonContainingTable(t *testing.T) {
	e := openTestEngine(t, Options{Level0Count: 100})

	// "m" lands in L2 after two compactions.
	require.NoError(t, e.Put([]byte("m"), []byte("deep")))
	forceFlush(t, e)
	require.NoError(t, e.CompactLevel(0))
	require.NoError(t, e.CompactLevel(1))

	// A fresh L0 table spans a range that merely includes "m" without
	// containing it; it must not stop the lookup from reaching L2.
	require.NoError(t, e.Put([]byte("a"), []byte("shallow-a")))
	require.NoError(t, e.Put([]byte("z"), []byte("shallow-z")))
	forceFlush(t, e)
	require.NoError(t, e.CompactLevel(0))

	v, found, err := e.Get([]byte("m"))
	require.NoError(t, err)
	require.True(t, found, "key shadowed by an unrelated shallower table's range")
	assert.Equal(t, "deep", string(v))
}

func TestSSTPathIsStableAcrossLevels(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "42.sst"), sstPath(dir, 42))
}
