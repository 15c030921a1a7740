// Package sstable implements the on-disk sorted string table format:
// a sequence of data blocks holding (key, value, trancID) triples, a
// sparse block index, a bloom filter, and a fixed-size footer.
package sstable

import (
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"

	"github.com/r2faye/tinylsm/internal/utils"
)

// restartInterval is how many entries separate restart points inside
// a block. Every entry stores its key in full; the restart points only
// give a binary search inside the block a sparse set of entries to
// land on before it scans forward linearly.
const restartInterval = 16

var (
	ErrBlockChecksum = errors.New("sstable: block checksum mismatch")
	ErrBlockCorrupt  = errors.New("sstable: corrupt block")
)

// blockEntry is one decoded (key, value, trancID) triple plus whether
// it is a tombstone (value == nil, not merely empty).
type blockEntry struct {
	key       []byte
	value     []byte
	trancID   uint64
	tombstone bool
}

// BlockBuilder accumulates entries for one data block in sorted order,
// emitting a restart point (full key) every restartInterval entries.
type BlockBuilder struct {
	entries  []blockEntry
	estBytes int
}

func NewBlockBuilder() *BlockBuilder {
	return &BlockBuilder{}
}

// Add appends an entry. Callers must add keys in ascending (key,
// trancID desc) order; the builder does not re-sort.
func (b *BlockBuilder) Add(key, value []byte, trancID uint64) {
	b.entries = append(b.entries, blockEntry{
		key:       utils.CopyBytes(key),
		value:     utils.CopyBytes(value),
		trancID:   trancID,
		tombstone: value == nil,
	})
	b.estBytes += len(key) + len(value) + 24
}

func (b *BlockBuilder) Len() int          { return len(b.entries) }
func (b *BlockBuilder) EstimatedSize() int { return b.estBytes }

// Finish serializes the block: entries, restart offsets, restart count
// (u32), then a trailing 8-byte xxhash checksum over everything before it.
// Entry layout: [key_len u16][key][trancID u64][tombstone u8][value_len u32][value].
func (b *BlockBuilder) Finish() []byte {
	var body []byte
	restarts := make([]uint32, 0, len(b.entries)/restartInterval+1)

	for i, e := range b.entries {
		if i%restartInterval == 0 {
			restarts = append(restarts, uint32(len(body)))
		}
		body = appendUint16(body, uint16(len(e.key)))
		body = append(body, e.key...)
		body = appendUint64(body, e.trancID)
		if e.tombstone {
			body = append(body, 1)
		} else {
			body = append(body, 0)
		}
		body = appendUint32(body, uint32(len(e.value)))
		body = append(body, e.value...)
	}

	out := make([]byte, 0, len(body)+4+4*len(restarts)+4+8)
	out = append(out, body...)
	for _, r := range restarts {
		out = appendUint32(out, r)
	}
	out = appendUint32(out, uint32(len(restarts)))

	sum := xxhash.Sum64(out)
	out = appendUint64(out, sum)
	return out
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}
func appendUint32(b []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(b, tmp...)
}
func appendUint64(b []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, v)
	return append(b, tmp...)
}

// Block is a decoded, immutable data block ready for lookup/iteration.
type Block struct {
	entries  []blockEntry
	restarts []uint32
}

// DecodeBlock validates the trailing checksum and parses raw into a
// Block. raw must already be decompressed: compression wraps the
// checksummed block, and Table.loadBlock undoes it before calling here.
func DecodeBlock(raw []byte) (*Block, error) {
	if len(raw) < 8 {
		return nil, ErrBlockCorrupt
	}
	payload := raw[:len(raw)-8]
	wantSum := binary.LittleEndian.Uint64(raw[len(raw)-8:])
	if xxhash.Sum64(payload) != wantSum {
		return nil, ErrBlockChecksum
	}

	if len(payload) < 4 {
		return nil, ErrBlockCorrupt
	}
	restartCount := binary.LittleEndian.Uint32(payload[len(payload)-4:])
	restartsEnd := len(payload) - 4
	restartsStart := restartsEnd - 4*int(restartCount)
	if restartsStart < 0 {
		return nil, ErrBlockCorrupt
	}

	restarts := make([]uint32, restartCount)
	for i := range restarts {
		off := restartsStart + 4*i
		restarts[i] = binary.LittleEndian.Uint32(payload[off : off+4])
	}

	body := payload[:restartsStart]
	entries, err := decodeEntries(body)
	if err != nil {
		return nil, err
	}
	return &Block{entries: entries, restarts: restarts}, nil
}

func decodeEntries(body []byte) ([]blockEntry, error) {
	var entries []blockEntry
	off := 0
	for off < len(body) {
		if off+2 > len(body) {
			return nil, ErrBlockCorrupt
		}
		keyLen := int(binary.LittleEndian.Uint16(body[off : off+2]))
		off += 2
		if off+keyLen > len(body) {
			return nil, ErrBlockCorrupt
		}
		key := body[off : off+keyLen]
		off += keyLen

		if off+9 > len(body) {
			return nil, ErrBlockCorrupt
		}
		trancID := binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
		tombstone := body[off] == 1
		off++

		if off+4 > len(body) {
			return nil, ErrBlockCorrupt
		}
		valLen := int(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
		if off+valLen > len(body) {
			return nil, ErrBlockCorrupt
		}
		value := body[off : off+valLen]
		off += valLen

		entry := blockEntry{key: key, trancID: trancID, tombstone: tombstone}
		if !tombstone {
			entry.value = value
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// get returns the newest visible entry for key at snapshot, or false
// if key is absent in this block (tombstones are returned with
// tombstone=true so the caller, not this function, decides visibility
// semantics for "found but deleted").
func (blk *Block) get(key []byte, snapshot uint64) (blockEntry, bool) {
	lo, _ := blk.restartIndex(key)
	for i := lo; i < len(blk.entries); i++ {
		e := blk.entries[i]
		c := utils.CompareBytes(e.key, key)
		if c < 0 {
			continue
		}
		if c > 0 {
			break
		}
		if e.trancID <= snapshot {
			return e, true
		}
	}
	return blockEntry{}, false
}

// restartIndex binary-searches restart points for the last one whose
// key sorts strictly before key (or the first one), so every version of
// key lies at or after lo; [lo, hi) is that restart point's run.
func (blk *Block) restartIndex(key []byte) (lo, hi int) {
	if len(blk.restarts) == 0 {
		return 0, len(blk.entries)
	}

	// Find restart index mapping offsets to entry indices: since
	// restarts fire every restartInterval entries, restart i begins at
	// entry i*restartInterval.
	left, right := 0, len(blk.restarts)-1
	result := 0
	for left <= right {
		mid := (left + right) / 2
		idx := mid * restartInterval
		if idx >= len(blk.entries) {
			right = mid - 1
			continue
		}
		if utils.CompareBytes(blk.entries[idx].key, key) < 0 {
			result = mid
			left = mid + 1
		} else {
			right = mid - 1
		}
	}

	lo = result * restartInterval
	hi = lo + restartInterval
	if hi > len(blk.entries) {
		hi = len(blk.entries)
	}
	return lo, hi
}

func (blk *Block) entryCount() int { return len(blk.entries) }

// compressBlock optionally snappy-compresses a finished block. The
// caller records whether compression was applied in the index entry
// so the reader knows whether to decompress before DecodeBlock.
func compressBlock(data []byte, useSnappy bool) []byte {
	if !useSnappy {
		return data
	}
	return snappy.Encode(nil, data)
}

func decompressBlock(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	return snappy.Decode(nil, data)
}
