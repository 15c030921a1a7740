package sstable

import (
	"encoding/binary"

	"github.com/r2faye/tinylsm/internal/utils"
)

// MagicNumber identifies a valid SST file.
const MagicNumber uint32 = 0x53494c54 // "SILT"

// indexEntry records one data block's first key, its byte offset in
// the file, its stored length, and whether it was snappy-compressed.
type indexEntry struct {
	firstKey   []byte
	offset     uint32
	length     uint32
	compressed bool
}

// blockIndex is the sparse first-key -> offset index: binary search
// finds the last block whose first key is <= the target key.
type blockIndex struct {
	entries []indexEntry
}

func (bi *blockIndex) add(firstKey []byte, offset, length uint32, compressed bool) {
	bi.entries = append(bi.entries, indexEntry{
		firstKey:   utils.CopyBytes(firstKey),
		offset:     offset,
		length:     length,
		compressed: compressed,
	})
}

// find returns the index of the last block whose first key is <= key,
// or -1 if key sorts before every block's first key.
func (bi *blockIndex) find(key []byte) int {
	lo, hi := 0, len(bi.entries)-1
	result := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if utils.CompareBytes(bi.entries[mid].firstKey, key) <= 0 {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}

// serialize encodes: [count u32]{[keyLen u16][key][offset u32][length u32][compressed u8]}*
func (bi *blockIndex) serialize() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(bi.entries)))
	for _, e := range bi.entries {
		buf = appendUint16(buf, uint16(len(e.firstKey)))
		buf = append(buf, e.firstKey...)
		buf = appendUint32(buf, e.offset)
		buf = appendUint32(buf, e.length)
		if e.compressed {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func deserializeBlockIndex(data []byte) (*blockIndex, error) {
	if len(data) < 4 {
		return nil, ErrBlockCorrupt
	}
	count := binary.LittleEndian.Uint32(data)
	off := 4

	bi := &blockIndex{entries: make([]indexEntry, 0, count)}
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, ErrBlockCorrupt
		}
		keyLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		if off+keyLen+9 > len(data) {
			return nil, ErrBlockCorrupt
		}
		key := append([]byte(nil), data[off:off+keyLen]...)
		off += keyLen
		offset := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		length := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		compressed := data[off] == 1
		off++

		bi.entries = append(bi.entries, indexEntry{firstKey: key, offset: offset, length: length, compressed: compressed})
	}
	return bi, nil
}

// footer is the fixed-layout trailer per the on-disk SST format:
// [index_off u32][index_len u32][bloom_off u32][bloom_len u32]
// [first_key_len u16][first_key][last_key_len u16][last_key]
// [min_tid u64][max_tid u64][magic u32]
type footer struct {
	indexOffset uint32
	indexLen    uint32
	bloomOffset uint32
	bloomLen    uint32
	firstKey    []byte
	lastKey     []byte
	minTrancID  uint64
	maxTrancID  uint64
}

func (f *footer) serialize() []byte {
	buf := make([]byte, 0, 16+2+len(f.firstKey)+2+len(f.lastKey)+16+4)
	buf = appendUint32(buf, f.indexOffset)
	buf = appendUint32(buf, f.indexLen)
	buf = appendUint32(buf, f.bloomOffset)
	buf = appendUint32(buf, f.bloomLen)
	buf = appendUint16(buf, uint16(len(f.firstKey)))
	buf = append(buf, f.firstKey...)
	buf = appendUint16(buf, uint16(len(f.lastKey)))
	buf = append(buf, f.lastKey...)
	buf = appendUint64(buf, f.minTrancID)
	buf = appendUint64(buf, f.maxTrancID)
	buf = appendUint32(buf, MagicNumber)
	return buf
}

func deserializeFooter(data []byte) (*footer, error) {
	if len(data) < 16+2 {
		return nil, ErrBlockCorrupt
	}
	off := 0
	f := &footer{}
	f.indexOffset = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	f.indexLen = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	f.bloomOffset = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	f.bloomLen = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4

	if off+2 > len(data) {
		return nil, ErrBlockCorrupt
	}
	fkLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	if off+fkLen > len(data) {
		return nil, ErrBlockCorrupt
	}
	f.firstKey = append([]byte(nil), data[off:off+fkLen]...)
	off += fkLen

	if off+2 > len(data) {
		return nil, ErrBlockCorrupt
	}
	lkLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	if off+lkLen > len(data) {
		return nil, ErrBlockCorrupt
	}
	f.lastKey = append([]byte(nil), data[off:off+lkLen]...)
	off += lkLen

	if off+8+8+4 > len(data) {
		return nil, ErrBlockCorrupt
	}
	f.minTrancID = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	f.maxTrancID = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	magic := binary.LittleEndian.Uint32(data[off : off+4])
	if magic != MagicNumber {
		return nil, ErrBlockCorrupt
	}

	return f, nil
}
