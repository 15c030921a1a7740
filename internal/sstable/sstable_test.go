package sstable

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, path string, entries map[string]struct {
	value   []byte
	trancID uint64
}, opts Options) *Table {
	t.Helper()
	b := NewBuilder(len(entries), opts)

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	// deterministic insertion order required by Builder
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	for _, k := range keys {
		e := entries[k]
		b.Add([]byte(k), e.value, e.trancID)
	}

	table, err := b.Build(1, path, nil)
	require.NoError(t, err)
	return table
}

func TestBuildAndGet(t *testing.T) {
	dir := t.TempDir()
	entries := map[string]struct {
		value   []byte
		trancID uint64
	}{
		"key1": {[]byte("value1"), 1},
		"key2": {[]byte("value2"), 1},
		"key3": {[]byte("value3"), 1},
	}
	table := buildTable(t, filepath.Join(dir, "1.sst"), entries, Options{})
	defer table.Close()

	for k, e := range entries {
		v, found, tombstone, err := table.Get([]byte(k), 0)
		require.NoError(t, err)
		assert.True(t, found)
		assert.False(t, tombstone)
		assert.Equal(t, e.value, v)
	}

	_, found, _, err := table.Get([]byte("missing"), 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMVCCVisibleVersion(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(4, Options{})
	// newest version first per (key asc, trancID desc) contract
	b.Add([]byte("key"), []byte("v3"), 3)
	b.Add([]byte("key"), []byte("v2"), 2)
	b.Add([]byte("key"), []byte("v1"), 1)
	table, err := b.Build(1, filepath.Join(dir, "mvcc.sst"), nil)
	require.NoError(t, err)
	defer table.Close()

	v, found, tombstone, err := table.Get([]byte("key"), 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, tombstone)
	assert.Equal(t, "v2", string(v))

	v, found, tombstone, err = table.Get([]byte("key"), 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, tombstone)
	assert.Equal(t, "v3", string(v))
}

func TestTombstoneHidesValue(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(2, Options{})
	b.Add([]byte("key"), nil, 2)
	b.Add([]byte("key"), []byte("v1"), 1)
	table, err := b.Build(1, filepath.Join(dir, "tomb.sst"), nil)
	require.NoError(t, err)
	defer table.Close()

	_, found, tombstone, err := table.Get([]byte("key"), 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, tombstone)

	v, found, tombstone, err := table.Get([]byte("key"), 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, tombstone)
	assert.Equal(t, "v1", string(v))
}

func TestMultipleBlocksAndCompression(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(200, Options{BlockSize: 256, UseSnappy: true})
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%04d", i)
		b.Add([]byte(k), []byte(fmt.Sprintf("value-%d", i)), 1)
	}
	table, err := b.Build(1, filepath.Join(dir, "big.sst"), nil)
	require.NoError(t, err)
	defer table.Close()

	assert.Greater(t, table.blockCount(), 1)

	v, found, tombstone, err := table.Get([]byte("key-0150"), 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, tombstone)
	assert.Equal(t, "value-150", string(v))
}

func TestIteratorOrder(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(5, Options{})
	expected := []string{"a", "b", "c", "d", "e"}
	for _, k := range expected {
		b.Add([]byte(k), []byte(k+"-val"), 1)
	}
	table, err := b.Build(1, filepath.Join(dir, "iter.sst"), nil)
	require.NoError(t, err)
	defer table.Close()

	it, err := table.Iter()
	require.NoError(t, err)

	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		require.NoError(t, it.Next())
	}
	assert.Equal(t, expected, got)
}

func TestOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtrip.sst")
	b := NewBuilder(3, Options{})
	b.Add([]byte("a"), []byte("1"), 1)
	b.Add([]byte("b"), []byte("2"), 1)
	b.Add([]byte("c"), []byte("3"), 1)
	table, err := b.Build(7, path, nil)
	require.NoError(t, err)
	table.Close()

	reopened, err := Open(7, path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	v, found, tombstone, err := reopened.Get([]byte("b"), 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, tombstone)
	assert.Equal(t, "2", string(v))
	assert.Equal(t, "a", string(reopened.FirstKey()))
	assert.Equal(t, "c", string(reopened.LastKey()))
}

func TestBlockCacheServesRepeatedReads(t *testing.T) {
	dir := t.TempDir()
	cache := NewBlockCache(4)
	b := NewBuilder(100, Options{BlockSize: 128})
	for i := 0; i < 100; i++ {
		b.Add([]byte(fmt.Sprintf("k%03d", i)), []byte("v"), 1)
	}
	table, err := b.Build(1, filepath.Join(dir, "cached.sst"), cache)
	require.NoError(t, err)
	defer table.Close()

	_, found, _, err := table.Get([]byte("k050"), 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Greater(t, cache.Len(), 0)

	_, found, _, err = table.Get([]byte("k050"), 0)
	require.NoError(t, err)
	require.True(t, found)
}
