package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/r2faye/tinylsm/internal/utils"
)

// segmentPrefix/segmentSuffix name WAL segment files as wal.<seq>.log,
// seq monotonically increasing starting at 0, per the on-disk layout.
const (
	segmentPrefix = "wal."
	segmentSuffix = ".log"
)

// SegmentPath returns the path of segment seq inside dir.
func SegmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", segmentPrefix, seq, segmentSuffix))
}

// ListSegments returns every segment sequence number present in dir,
// ascending.
func ListSegments(dir string) ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, err
	}

	seqs := make([]uint64, 0, len(matches))
	for _, p := range matches {
		base := filepath.Base(p)
		trimmed := strings.TrimSuffix(strings.TrimPrefix(base, segmentPrefix), segmentSuffix)
		seq, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Options configures a Writer.
type Options struct {
	// BufferSizeLimit is the number of buffered records before an
	// automatic flush+fsync (wal_buffer_size).
	BufferSizeLimit int
	// FileSizeLimit is the segment size, in bytes, that triggers
	// rotation to a new segment (wal_file_size_limit).
	FileSizeLimit int64
}

func (o Options) withDefaults() Options {
	if o.BufferSizeLimit <= 0 {
		o.BufferSizeLimit = 64
	}
	if o.FileSizeLimit <= 0 {
		o.FileSizeLimit = 64 << 20
	}
	return o
}

// Writer appends records to the active WAL segment, grouping them
// into a buffer that is flushed to disk (and fsynced) once it reaches
// BufferSizeLimit records or the caller forces a flush, rotating to a
// new segment once the active one crosses FileSizeLimit.
type Writer struct {
	mu  sync.Mutex
	dir string

	file *os.File
	seq  uint64
	size int64 // bytes written to the current segment so far

	buffer      []Record
	segmentMaxT uint64 // max trancID seen in the current (unsealed) segment

	opts Options

	sealedMu sync.Mutex
	sealed   []SealedSegment // segments closed by rotation, pending cleanup

	closed bool
}

// SealedSegment describes a rotated-out, read-only segment plus the
// range of transaction ids it contains.
type SealedSegment struct {
	Seq       uint64
	MaxTrancID uint64
}

// NewWriter opens (creating if necessary) the segment at seq as the
// active, appendable segment.
func NewWriter(dir string, seq uint64, opts Options) (*Writer, error) {
	path := SegmentPath(dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Writer{
		dir:  dir,
		file: f,
		seq:  seq,
		size: stat.Size(),
		opts: opts.withDefaults(),
	}, nil
}

// CurrentSeq returns the sequence number of the active segment.
func (w *Writer) CurrentSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Log appends records to the in-memory buffer. If the buffer reaches
// BufferSizeLimit, or forceFlush is true, the buffer is serialized and
// appended to the active segment and fsynced before Log returns.
func (w *Writer) Log(records []Record, forceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	for _, r := range records {
		if r.TrancID > w.segmentMaxT {
			w.segmentMaxT = r.TrancID
		}
	}
	w.buffer = append(w.buffer, records...)

	if len(w.buffer) >= w.opts.BufferSizeLimit || forceFlush {
		return w.flushLocked()
	}
	return nil
}

// Flush unconditionally drains the buffer and fsyncs, regardless of
// its current size.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	payload := EncodeAll(w.buffer)
	if _, err := w.file.Write(payload); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}

	w.size += int64(len(payload))
	w.buffer = w.buffer[:0]

	if w.size >= w.opts.FileSizeLimit {
		return w.rotateLocked()
	}
	return nil
}

// rotateLocked seals the current segment and opens seq+1 as the new
// active segment. Must be called with w.mu held.
func (w *Writer) rotateLocked() error {
	if err := utils.CloseSynced(w.file); err != nil {
		return err
	}

	sealed := SealedSegment{Seq: w.seq, MaxTrancID: w.segmentMaxT}
	w.sealedMu.Lock()
	w.sealed = append(w.sealed, sealed)
	w.sealedMu.Unlock()

	newSeq := w.seq + 1
	path := SegmentPath(w.dir, newSeq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if err := utils.SyncDir(w.dir); err != nil {
		// Best-effort: the segment itself is safely created and
		// fsynced; losing the directory-entry fsync only risks an
		// extra recovery scan, not data loss.
		_ = err
	}

	w.file = f
	w.seq = newSeq
	w.size = 0
	w.segmentMaxT = 0
	return nil
}

// Close flushes, fsyncs, and closes the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return utils.CloseSynced(w.file)
}

// DurabilityChecker reports whether every record for trancID is
// already durable (present in an SST, or terminated by a durable
// ROLLBACK) as of the current manifest generation.
type DurabilityChecker func(trancID uint64) bool

// StartCleaner launches a background goroutine that periodically
// inspects sealed segments and deletes any whose every transaction id
// is reported durable by isDurable: a segment is reclaimable only once
// every tid it contains is either present in a durable SST or recorded
// as ROLLBACK in a later durable position, which isDurable is expected
// to encode. minSealed defers cleanup until at least that many segments
// are sealed and pending, to avoid unlinking one file at a time under
// steady write load.
func (w *Writer) StartCleaner(interval time.Duration, minSealed int, isDurable DurabilityChecker) (stop func()) {
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				w.clean(minSealed, isDurable)
			}
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}

func (w *Writer) clean(minSealed int, isDurable DurabilityChecker) {
	w.sealedMu.Lock()
	if len(w.sealed) < minSealed {
		w.sealedMu.Unlock()
		return
	}
	candidates := make([]SealedSegment, len(w.sealed))
	copy(candidates, w.sealed)
	w.sealedMu.Unlock()

	var remaining []SealedSegment
	for _, seg := range candidates {
		if isDurable(seg.MaxTrancID) {
			_ = os.Remove(SegmentPath(w.dir, seg.Seq))
			continue
		}
		remaining = append(remaining, seg)
	}

	w.sealedMu.Lock()
	w.sealed = remaining
	w.sealedMu.Unlock()
}
