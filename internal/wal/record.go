// Package wal implements the engine's write-ahead log: a sequence of
// append-only segment files recording every transaction's buffered
// writes between its CREATE and terminal COMMIT/ROLLBACK markers, replayed on
// recovery to rebuild the memtable after a crash.
package wal

import (
	"encoding/binary"
	"errors"
)

// Op identifies the kind of WAL record.
type Op uint8

const (
	OpCreate Op = iota
	OpCommit
	OpRollback
	OpPut
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpCommit:
		return "COMMIT"
	case OpRollback:
		return "ROLLBACK"
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Record is one WAL entry. CREATE/COMMIT/ROLLBACK carry an empty
// Key/Value; PUT/DELETE carry the mutated key (DELETE's Value is
// always empty — the tombstone marker lives in the memtable, not the
// WAL record).
type Record struct {
	TrancID uint64
	Op      Op
	Key     []byte
	Value   []byte
}

// headerLen is the fixed-size prefix before the variable-length key
// and value: tranc_id(8) + op(1) + key_len(2).
const headerLen = 8 + 1 + 2

// trailerLen is the trailing record_len field.
const trailerLen = 2

// maxKeyLen and maxValueLen bound a single record so a corrupt length
// field can never trigger a multi-gigabyte allocation during replay.
const (
	maxKeyLen   = 1 << 16
	maxValueLen = 1 << 28
)

var (
	// ErrCorruptRecord is returned when a decoded record's trailing
	// record_len does not match the number of bytes actually consumed,
	// or when a length field is out of bounds.
	ErrCorruptRecord = errors.New("wal: corrupt record")
	// ErrTruncated is returned when the buffer ends before a complete
	// record could be read.
	ErrTruncated = errors.New("wal: truncated record")
)

// Len reports the encoded size of r in bytes.
func (r Record) Len() int {
	return headerLen + len(r.Key) + 4 + len(r.Value) + trailerLen
}

// Encode serializes r per the wire format:
// [tranc_id u64 LE][op u8][key_len u16 LE][key][value_len u32 LE][value][record_len u16 LE]
// record_len covers the whole record, including itself, so a reader
// can validate self-consistency without a separate checksum.
func Encode(r Record) []byte {
	total := r.Len()
	buf := make([]byte, total)

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], r.TrancID)
	off += 8
	buf[off] = byte(r.Op)
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Key)))
	off += 2
	off += copy(buf[off:], r.Key)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Value)))
	off += 4
	off += copy(buf[off:], r.Value)
	binary.LittleEndian.PutUint16(buf[off:], uint16(total))

	return buf
}

// EncodeAll concatenates the encoding of every record in order.
func EncodeAll(records []Record) []byte {
	total := 0
	for _, r := range records {
		total += r.Len()
	}
	buf := make([]byte, 0, total)
	for _, r := range records {
		buf = append(buf, Encode(r)...)
	}
	return buf
}

// Decode reads one record starting at data[0]. It returns the decoded
// record and the number of bytes consumed. A short buffer returns
// ErrTruncated; an internally inconsistent record (out-of-range
// lengths, or a trailing record_len that disagrees with the bytes
// actually consumed) returns ErrCorruptRecord. Both are recoverable at
// the segment level: the caller stops replaying the current segment
// but continues with the next one.
func Decode(data []byte) (Record, int, error) {
	if len(data) < headerLen {
		return Record{}, 0, ErrTruncated
	}

	trancID := binary.LittleEndian.Uint64(data[0:8])
	op := Op(data[8])
	keyLen := int(binary.LittleEndian.Uint16(data[9:11]))
	if keyLen > maxKeyLen {
		return Record{}, 0, ErrCorruptRecord
	}

	off := headerLen
	if len(data) < off+keyLen+4 {
		return Record{}, 0, ErrTruncated
	}
	key := data[off : off+keyLen]
	off += keyLen

	valLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	if valLen > maxValueLen {
		return Record{}, 0, ErrCorruptRecord
	}
	off += 4

	if len(data) < off+valLen+trailerLen {
		return Record{}, 0, ErrTruncated
	}
	value := data[off : off+valLen]
	off += valLen

	recordLen := int(binary.LittleEndian.Uint16(data[off : off+trailerLen]))
	off += trailerLen

	if recordLen != off {
		return Record{}, 0, ErrCorruptRecord
	}

	var keyCopy, valueCopy []byte
	if keyLen > 0 {
		keyCopy = append([]byte(nil), key...)
	}
	if valLen > 0 || op == OpPut {
		valueCopy = append([]byte{}, value...)
	}

	return Record{TrancID: trancID, Op: op, Key: keyCopy, Value: valueCopy}, off, nil
}
