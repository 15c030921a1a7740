package sstable

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a probabilistic set membership test: false positives
// are possible, false negatives are not. SST.Get consults one before
// touching disk, to skip SSTs that definitely lack a key.
type BloomFilter struct {
	bits     []byte
	bitCount uint32
	k        int // number of hash probes per key
}

// NewBloomFilter sizes a filter for capacity elements at the given
// false positive rate: m = -n*ln(p)/(ln2)^2 bits, k = (m/n)*ln2 probes.
func NewBloomFilter(capacity uint32, falsePositiveRate float64) *BloomFilter {
	if capacity == 0 {
		capacity = 1
	}
	ln2 := math.Log(2)
	bitCount := uint32(float64(capacity) * (-1.0 * math.Log(falsePositiveRate)) / (ln2 * ln2))

	byteCount := (bitCount + 7) / 8
	if byteCount == 0 {
		byteCount = 1
	}
	bitCount = byteCount * 8

	k := int((float64(bitCount) / float64(capacity)) * ln2)
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}

	return &BloomFilter{
		bits:     make([]byte, byteCount),
		bitCount: bitCount,
		k:        k,
	}
}

// probe computes the k candidate bit indices for key using Kirsch-
// Mitzenmacher double hashing (h1 + i*h2), avoiding k independent
// hash.Hash instances.
func (bf *BloomFilter) probe(key []byte, fn func(idx uint32)) {
	h1 := xxhash.Sum64(key)
	h2 := xxhash.Sum64(append(append([]byte(nil), key...), 0xff))
	for i := 0; i < bf.k; i++ {
		combined := h1 + uint64(i)*h2
		fn(uint32(combined % uint64(bf.bitCount)))
	}
}

// Add records key's membership.
func (bf *BloomFilter) Add(key []byte) {
	bf.probe(key, func(idx uint32) {
		bf.bits[idx/8] |= 1 << (idx % 8)
	})
}

// MayContain reports whether key might be a member. false is a
// definitive negative.
func (bf *BloomFilter) MayContain(key []byte) bool {
	found := true
	bf.probe(key, func(idx uint32) {
		if bf.bits[idx/8]&(1<<(idx%8)) == 0 {
			found = false
		}
	})
	return found
}

// Bytes serializes the filter: [bitCount u32][k u32][bits...].
func (bf *BloomFilter) Bytes() []byte {
	result := make([]byte, 8+len(bf.bits))
	binary.LittleEndian.PutUint32(result[0:4], bf.bitCount)
	binary.LittleEndian.PutUint32(result[4:8], uint32(bf.k))
	copy(result[8:], bf.bits)
	return result
}

// LoadBloomFilter deserializes a filter previously written by Bytes.
func LoadBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 8 {
		return nil, io.ErrUnexpectedEOF
	}

	bitCount := binary.LittleEndian.Uint32(data[0:4])
	k := binary.LittleEndian.Uint32(data[4:8])

	byteCount := (bitCount + 7) / 8
	if len(data) < 8+int(byteCount) {
		return nil, io.ErrUnexpectedEOF
	}

	bits := make([]byte, byteCount)
	copy(bits, data[8:8+byteCount])

	return &BloomFilter{bits: bits, bitCount: bitCount, k: int(k)}, nil
}
