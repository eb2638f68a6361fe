// Package memtable implements the in-memory, sorted write buffer described
// in spec.md §4.2: a lock-free skip list augmented with a sequence window
// and a one-way flush-state machine (Open -> FlushRequested ->
// FlushScheduled -> Flushed).
package memtable

import (
	"fmt"
	"sync/atomic"

	"github.com/dlsm-io/dlsm/ikey"
)

// FlushState is the one-way lifecycle of a MemTable. Only specific owners
// may advance it (see the setters below); there is no backward transition.
type FlushState int32

const (
	// Open accepts writes whose reserved sequence falls in its window.
	Open FlushState = iota
	// FlushRequested has been retired by the rotator and stored into imm_;
	// writers may still be landing reserved sequences into it.
	FlushRequested
	// FlushScheduled has been picked up by a flush worker.
	FlushScheduled
	// Flushed has been durably written as an SSTable and is no longer read
	// directly; only set once AbleToFlush() holds (invariant M3).
	Flushed
)

func (s FlushState) String() string {
	switch s {
	case Open:
		return "Open"
	case FlushRequested:
		return "FlushRequested"
	case FlushScheduled:
		return "FlushScheduled"
	case Flushed:
		return "Flushed"
	default:
		return "Unknown"
	}
}

// MemTable is the in-memory write buffer for one sequence window
// [FirstSeq(), LargestSeq()]. It is a leaf: it holds no reference back to
// the rotator, version set, or flush scheduler, only an internal refcount
// (see Ref/Unref) so it can be shared safely across writers, readers, and
// the flush worker per the ownership note in spec.md §9.
type MemTable struct {
	list *skiplist

	firstSeq   uint64
	largestSeq uint64 // inclusive; window size = largestSeq - firstSeq + 1

	applied    atomic.Uint64
	flushState atomic.Int32
	refs       atomic.Int32
}

// New constructs a MemTable authorized to hold sequences
// [firstSeq, firstSeq+windowSize-1].
func New(firstSeq uint64, windowSize uint64) *MemTable {
	if windowSize == 0 {
		windowSize = 1
	}
	mt := &MemTable{
		list:       newSkiplist(firstSeq),
		firstSeq:   firstSeq,
		largestSeq: firstSeq + windowSize - 1,
	}
	mt.refs.Store(1) // the creator's own reference
	return mt
}

// FirstSeq returns the lowest sequence this table may hold.
func (mt *MemTable) FirstSeq() uint64 { return mt.firstSeq }

// LargestSeq returns the highest sequence this table may hold (inclusive).
func (mt *MemTable) LargestSeq() uint64 { return mt.largestSeq }

// WindowSize returns the number of sequences this table is authorized to hold.
func (mt *MemTable) WindowSize() uint64 { return mt.largestSeq - mt.firstSeq + 1 }

// InWindow reports whether seq belongs to this table's reserved range.
func (mt *MemTable) InWindow(seq uint64) bool {
	return seq >= mt.firstSeq && seq <= mt.largestSeq
}

// Insert adds a single internal-key/value pair and accounts it against the
// applied-kv counter. Precondition (unchecked, caller's responsibility):
// key.Seq() is inside this table's window and the caller holds a
// reference obtained from pick_table/Ref.
func (mt *MemTable) Insert(key ikey.Key, value []byte) {
	mt.list.insert(key, value)
	mt.applied.Add(1)
}

// InsertBatch inserts n entries atomically with respect to applied-kv
// accounting: AppliedCount only reflects the batch once every entry has
// been linked in. This is the extension point spec.md §9 calls out for
// multi-kv batches; the engine's write path does not call it and inserts
// one kv per reserved sequence through Insert.
func (mt *MemTable) InsertBatch(keys []ikey.Key, values [][]byte) {
	for i := range keys {
		mt.list.insert(keys[i], values[i])
	}
	mt.applied.Add(uint64(len(keys)))
}

// AppliedCount returns how many reserved sequences have actually landed.
func (mt *MemTable) AppliedCount() uint64 {
	return mt.applied.Load()
}

// AbleToFlush is the derived predicate from spec.md §4.2: true iff every
// sequence reserved in this table's window has been applied.
func (mt *MemTable) AbleToFlush() bool {
	return mt.applied.Load() == mt.WindowSize()
}

// KVCount returns the number of entries physically stored so far (may
// exceed AppliedCount momentarily mid-insert, since an entry is counted
// when it is linked and applied afterwards; equal once Insert returns).
func (mt *MemTable) KVCount() int64 {
	return mt.list.count()
}

// ApproximateMemoryUsage estimates bytes held by this table's entries and
// skip-list bookkeeping.
func (mt *MemTable) ApproximateMemoryUsage() int64 {
	return mt.list.memUsage()
}

// FlushState returns the current point in the one-way state machine.
func (mt *MemTable) FlushState() FlushState {
	return FlushState(mt.flushState.Load())
}

func (mt *MemTable) advanceState(from, to FlushState, who string) error {
	if !mt.flushState.CompareAndSwap(int32(from), int32(to)) {
		cur := mt.FlushState()
		if cur == to {
			// Another caller already made this same transition; callers
			// that race to request the same transition should not fail.
			return nil
		}
		return fmt.Errorf("memtable: %s cannot move flush state %s -> %s (currently %s)", who, from, to, cur)
	}
	return nil
}

// MarkFlushRequested is called only by the rotator, when it retires this
// table from mutable to immutable.
func (mt *MemTable) MarkFlushRequested() error {
	return mt.advanceState(Open, FlushRequested, "rotator")
}

// MarkFlushScheduled is called only by the FlushScheduler, once a worker
// has picked this table up.
func (mt *MemTable) MarkFlushScheduled() error {
	return mt.advanceState(FlushRequested, FlushScheduled, "flush-scheduler")
}

// MarkFlushed is called only by the flush worker after the SSTable has
// been durably registered in a new Version. Enforces invariant M3: a table
// never becomes Flushed while applied < window size.
func (mt *MemTable) MarkFlushed() error {
	if !mt.AbleToFlush() {
		return fmt.Errorf("memtable: cannot mark flushed, applied=%d window=%d", mt.applied.Load(), mt.WindowSize())
	}
	return mt.advanceState(FlushScheduled, Flushed, "flush-worker")
}

// Ref increments the shared reference count. Call before handing a
// MemTable pointer to a new owner (a reader's snapshot, the flush worker).
func (mt *MemTable) Ref() { mt.refs.Add(1) }

// Unref decrements the reference count and returns the count after the
// decrement. MemTables here are plain Go values collected by the GC once
// unreachable, so reaching zero has no side effect beyond bookkeeping —
// callers that need deferred cleanup semantics (e.g. epoch-gated release
// of a flushed table) should pair Unref with epoch.Manager.MarkForCleanup.
func (mt *MemTable) Unref() int32 {
	return mt.refs.Add(-1)
}

// RefCount reports the current reference count, for diagnostics.
func (mt *MemTable) RefCount() int32 {
	return mt.refs.Load()
}

// NewIterator returns a restartable forward iterator over this table's
// entries in internal-key order.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{mt: mt}
}

// Get returns the value for the newest version of userKey visible at or
// before snapshotSeq. ok is false if no such version exists; deleted is
// true if the newest visible version is a tombstone.
func (mt *MemTable) Get(userKey []byte, snapshotSeq uint64) (value []byte, deleted bool, ok bool) {
	lookup := ikey.New(userKey, snapshotSeq, ikey.KindSeek)
	n := mt.list.seekGE(lookup)
	if n == nil {
		return nil, false, false
	}
	if ikey.UserKey(n.key.UserKey()).Compare(userKey) != 0 {
		return nil, false, false
	}
	if n.key.Kind() == ikey.KindDeletion {
		return nil, true, true
	}
	return n.value, false, true
}
