package lsm

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/r2faye/tinylsm/internal/utils"
	"github.com/r2faye/tinylsm/internal/wal"
)

// IsolationLevel selects how a TxnContext's reads are snapshotted and
// whether its commit is checked for conflicts against concurrent
// writers.
type IsolationLevel int

const (
	// ReadUncommitted and ReadCommitted both read the latest committed
	// state applied to the memtable as of each call (there is no dirty-read distinction to
	// make here, since a transaction's own uncommitted writes are
	// buffered and only become visible to others at Commit).
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	// RepeatableRead fixes every read to the snapshot taken at
	// BeginTxn, so two reads of the same key within one transaction
	// always agree.
	RepeatableRead
	// Serializable behaves like RepeatableRead and additionally fails
	// Commit with ErrConflict if any key the transaction read was
	// written by another transaction that committed after this one's
	// snapshot was taken.
	Serializable
)

var (
	// ErrConflict is returned by Commit on a Serializable transaction
	// whose read set overlaps a write committed after its snapshot.
	ErrConflict = errors.New("lsm: transaction conflict")
	// ErrTxnClosed is returned by any operation on a transaction that
	// has already committed or rolled back.
	ErrTxnClosed = errors.New("lsm: transaction already closed")
)

type txnState int32

const (
	txnActive txnState = iota
	txnCommitted
	txnRolledBack
)

// commitRecord is retained only long enough for an active
// Serializable transaction's Commit to check its read set against it.
type commitRecord struct {
	trancID uint64
	keys    map[string]struct{}
}

// TransactionManager allocates transaction ids, tracks the watermark
// below which every transaction has finished, and checks Serializable
// commits for conflicts.
type TransactionManager struct {
	engine *Engine

	nextTrancID        atomic.Uint64
	maxFinishedTrancID atomic.Uint64

	mu                 sync.Mutex
	commitLog          []commitRecord
	activeSerializable map[uint64]uint64 // txn id -> snapshot

	finishedMu      sync.Mutex
	pendingFinished map[uint64]struct{} // finished (committed or rolled back) ids above the watermark, not yet contiguous
}

func newTransactionManager(e *Engine, nextTrancID, maxFinishedTrancID uint64) *TransactionManager {
	tm := &TransactionManager{
		engine:             e,
		activeSerializable: make(map[uint64]uint64),
		pendingFinished:    make(map[uint64]struct{}),
	}
	tm.nextTrancID.Store(nextTrancID)
	tm.maxFinishedTrancID.Store(maxFinishedTrancID)
	return tm
}

// BeginTxn allocates a transaction id, takes its read snapshot, and
// logs a CREATE record marking the transaction group in the WAL.
func (tm *TransactionManager) BeginTxn(isolation IsolationLevel) (*TxnContext, error) {
	if tm.engine.closed.Load() {
		return nil, ErrClosed
	}
	id := tm.nextTrancID.Add(1) - 1
	snapshot := tm.maxFinishedTrancID.Load()

	txn := &TxnContext{
		mgr:       tm,
		id:        id,
		isolation: isolation,
		snapshot:  snapshot,
		pending:   make(map[string]*pendingOp),
		readKeys:  make(map[string]struct{}),
	}

	if isolation == Serializable {
		tm.mu.Lock()
		tm.activeSerializable[id] = snapshot
		tm.mu.Unlock()
	}

	if err := tm.engine.walLog([]wal.Record{{TrancID: id, Op: wal.OpCreate}}, false); err != nil {
		return nil, err
	}
	return txn, nil
}

// finish marks trancID as committed-or-rolled-back and advances the
// watermark past every id for which that's now contiguously true.
// Transactions can finish out of allocation order, so a finished id
// above the current watermark is held in pendingFinished until the
// gap below it closes — the watermark itself must never skip an id
// that hasn't actually finished, since RepeatableRead/Serializable
// snapshots rely on "trancID <= watermark" meaning fully applied.
func (tm *TransactionManager) finish(trancID uint64) {
	tm.finishedMu.Lock()
	defer tm.finishedMu.Unlock()
	if trancID <= tm.maxFinishedTrancID.Load() {
		return
	}
	tm.pendingFinished[trancID] = struct{}{}
	for {
		next := tm.maxFinishedTrancID.Load() + 1
		if _, ok := tm.pendingFinished[next]; !ok {
			break
		}
		delete(tm.pendingFinished, next)
		tm.maxFinishedTrancID.Store(next)
	}
}

// checkConflict reports whether any key in readKeys was written by a
// transaction that committed after snapshot.
func (tm *TransactionManager) checkConflict(snapshot uint64, readKeys map[string]struct{}) bool {
	if len(readKeys) == 0 {
		return false
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, c := range tm.commitLog {
		if c.trancID <= snapshot {
			continue
		}
		for k := range readKeys {
			if _, hit := c.keys[k]; hit {
				return true
			}
		}
	}
	return false
}

func (tm *TransactionManager) recordCommit(trancID uint64, keys map[string]struct{}) {
	tm.mu.Lock()
	tm.commitLog = append(tm.commitLog, commitRecord{trancID: trancID, keys: keys})
	tm.pruneCommitLogLocked()
	tm.mu.Unlock()
}

func (tm *TransactionManager) endSerializable(id uint64) {
	tm.mu.Lock()
	delete(tm.activeSerializable, id)
	tm.pruneCommitLogLocked()
	tm.mu.Unlock()
}

// pruneCommitLogLocked drops commit records no currently-active
// Serializable transaction could still need: anything at or below the
// lowest snapshot among them. Must be called with tm.mu held.
func (tm *TransactionManager) pruneCommitLogLocked() {
	floor := tm.maxFinishedTrancID.Load()
	for _, snap := range tm.activeSerializable {
		if snap < floor {
			floor = snap
		}
	}
	kept := tm.commitLog[:0]
	for _, c := range tm.commitLog {
		if c.trancID > floor {
			kept = append(kept, c)
		}
	}
	tm.commitLog = kept
}

// pendingOp is one buffered write a transaction hasn't committed yet.
type pendingOp struct {
	remove bool
	value  []byte
}

// TxnContext is one transaction: writes accumulate in a local pending
// map and are only applied to the engine's memtable (and made visible
// to other transactions) on Commit.
type TxnContext struct {
	mgr       *TransactionManager
	id        uint64
	isolation IsolationLevel
	snapshot  uint64

	mu       sync.Mutex
	pending  map[string]*pendingOp
	order    []string // first-write order of distinct keys, for deterministic apply
	readKeys map[string]struct{}
	state    txnState
}

// ID returns the transaction's id, as recorded in WAL records and the
// memtable versions it eventually writes.
func (t *TxnContext) ID() uint64 { return t.id }

func (t *TxnContext) readSnapshot() uint64 {
	if t.isolation == RepeatableRead || t.isolation == Serializable {
		return t.snapshot
	}
	// ReadUncommitted/ReadCommitted always see the latest applied
	// state: since a transaction's writes only reach the memtable at
	// Commit, "everything currently applied" and "everything
	// committed" are the same set, with no watermark needed.
	return 0
}

// Get returns the visible value for key: a pending write made earlier
// in this same transaction if one exists, otherwise the engine's
// value as of this transaction's read snapshot.
func (t *TxnContext) Get(key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return nil, false, ErrTxnClosed
	}
	if op, ok := t.pending[string(key)]; ok {
		t.mu.Unlock()
		if op.remove {
			return nil, false, nil
		}
		return utils.CopyBytes(op.value), true, nil
	}
	t.readKeys[string(key)] = struct{}{}
	snapshot := t.readSnapshot()
	t.mu.Unlock()

	return t.mgr.engine.get(key, snapshot)
}

// Put buffers value for key, logging it to the WAL immediately (under
// this transaction's CREATE group) but not applying it to the
// memtable until Commit.
func (t *TxnContext) Put(key, value []byte) error {
	return t.write(key, value, false)
}

// Remove buffers a tombstone for key.
func (t *TxnContext) Remove(key []byte) error {
	return t.write(key, nil, true)
}

// PutBatch buffers every (key, value) pair.
func (t *TxnContext) PutBatch(pairs [][2][]byte) error {
	for _, kv := range pairs {
		if err := t.Put(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// RemoveBatch buffers a tombstone for every key.
func (t *TxnContext) RemoveBatch(keys [][]byte) error {
	for _, k := range keys {
		if err := t.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *TxnContext) write(key, value []byte, remove bool) error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return ErrTxnClosed
	}
	k := string(key)
	if _, exists := t.pending[k]; !exists {
		t.order = append(t.order, k)
	}
	t.pending[k] = &pendingOp{remove: remove, value: utils.CopyBytes(value)}
	t.mu.Unlock()

	op := wal.OpPut
	if remove {
		op = wal.OpDelete
	}
	return t.mgr.engine.walLog([]wal.Record{{TrancID: t.id, Op: op, Key: utils.CopyBytes(key), Value: value}}, false)
}

// IterPrefix calls fn for every visible key carrying prefix, in
// ascending key order, merging this transaction's own pending writes
// over the engine's committed state. fn's return value of false stops
// the scan early.
func (t *TxnContext) IterPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	return t.IterPredicate(prefixPredicate(prefix), fn)
}

// IterPredicate calls fn for every visible key for which pred(key) ==
// 0 (see skiplist.IterMonotonyPredicate for the three-way contract),
// merging pending writes over committed state.
func (t *TxnContext) IterPredicate(pred func(key []byte) int, fn func(key, value []byte) bool) error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return ErrTxnClosed
	}
	snapshot := t.readSnapshot()
	overlay := make(map[string]*pendingOp)
	for k, op := range t.pending {
		if pred([]byte(k)) == 0 {
			overlay[k] = op
		}
	}
	t.mu.Unlock()

	results := make(map[string][]byte)
	var order []string
	if err := t.mgr.engine.scan(pred, snapshot, func(key, value []byte) bool {
		k := string(key)
		if _, exists := results[k]; !exists {
			order = append(order, k)
		}
		results[k] = value
		return true
	}); err != nil {
		return err
	}

	for k, op := range overlay {
		if _, exists := results[k]; !exists {
			order = append(order, k)
		}
		if op.remove {
			delete(results, k)
		} else {
			results[k] = op.value
		}
	}

	sort.Strings(order)
	seen := make(map[string]struct{}, len(order))
	for _, k := range order {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		v, ok := results[k]
		if !ok {
			continue
		}
		if !fn([]byte(k), v) {
			break
		}
	}
	return nil
}

// Commit applies every pending write to the memtable and makes it
// durable: a COMMIT record is logged first (fsynced immediately when
// forceSync is set, otherwise left for the WAL's normal buffer/size
// triggers), only after which the writes become visible to other
// transactions. A Serializable transaction whose read set was
// invalidated by a concurrent commit returns ErrConflict and rolls
// back instead.
func (t *TxnContext) Commit(forceSync bool) error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return ErrTxnClosed
	}
	readKeys := make(map[string]struct{}, len(t.readKeys))
	for k := range t.readKeys {
		readKeys[k] = struct{}{}
	}
	pending := t.pending
	order := t.order
	snapshot := t.snapshot
	isolation := t.isolation
	t.mu.Unlock()

	if isolation == Serializable && t.mgr.checkConflict(snapshot, readKeys) {
		t.mu.Lock()
		t.state = txnRolledBack
		t.mu.Unlock()
		t.mgr.endSerializable(t.id)
		_ = t.mgr.engine.walLog([]wal.Record{{TrancID: t.id, Op: wal.OpRollback}}, true)
		t.mgr.finish(t.id)
		return ErrConflict
	}

	if err := t.mgr.engine.walLog([]wal.Record{{TrancID: t.id, Op: wal.OpCommit}}, forceSync); err != nil {
		return err
	}

	for _, k := range order {
		op := pending[k]
		if op.remove {
			t.mgr.engine.mem.Remove([]byte(k), t.id)
		} else {
			t.mgr.engine.mem.Put([]byte(k), op.value, t.id)
		}
	}

	t.mgr.finish(t.id)
	if t.mgr.engine.metrics != nil {
		t.mgr.engine.metrics.SetMemtableBytes(t.mgr.engine.mem.Size())
	}

	// Every commit's write set is logged, whatever its own isolation
	// level, so an active Serializable transaction sees writes from any
	// other transaction when it checks its read set.
	writeKeys := make(map[string]struct{}, len(order))
	for _, k := range order {
		writeKeys[k] = struct{}{}
	}
	t.mgr.recordCommit(t.id, writeKeys)
	if isolation == Serializable {
		t.mgr.endSerializable(t.id)
	}

	t.mu.Lock()
	t.state = txnCommitted
	t.mu.Unlock()

	if t.mgr.engine.mem.ShouldFreeze() {
		t.mgr.engine.mem.FreezeCurrent()
		t.mgr.engine.requestFlush()
	}
	return nil
}

// Rollback discards every pending write and logs a ROLLBACK record,
// so recovery never replays this transaction's group.
func (t *TxnContext) Rollback() error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return ErrTxnClosed
	}
	t.state = txnRolledBack
	isolation := t.isolation
	t.mu.Unlock()

	if isolation == Serializable {
		t.mgr.endSerializable(t.id)
	}
	err := t.mgr.engine.walLog([]wal.Record{{TrancID: t.id, Op: wal.OpRollback}}, true)
	t.mgr.finish(t.id)
	return err
}
