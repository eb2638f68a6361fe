// Package dlsm implements a log-structured-merge-tree key-value engine
// whose durable storage lives on disaggregated memory nodes reached over
// an RDMA fabric (see rdmatransport). The write path follows a lock-free
// rotation protocol: an active MemTable accepts inserts for a fixed window
// of sequence numbers; once that window is exhausted it is atomically
// swapped out via compare-and-swap, handed to a flush scheduler, and
// eventually registered as an SSTable in a new Version.
//
// Block encoding, bloom filters, multi-level compaction, and the RDMA wire
// protocol itself are treated as external collaborators reached through
// interfaces (sstable.Builder, rdmatransport.Transport); this package owns
// only the write-path rotation, flush orchestration, version bookkeeping,
// and snapshot tracking.
package dlsm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlsm-io/dlsm/epoch"
	"github.com/dlsm-io/dlsm/flush"
	"github.com/dlsm-io/dlsm/ikey"
	"github.com/dlsm-io/dlsm/memtable"
	"github.com/dlsm-io/dlsm/seqalloc"
	"github.com/dlsm-io/dlsm/snapshot"
	"github.com/dlsm-io/dlsm/sstable"
	"github.com/dlsm-io/dlsm/version"
)

// Engine is the top-level handle applications hold: one open engine per
// logical database.
type Engine struct {
	opts *Options

	seq *seqalloc.Allocator

	mem atomic.Pointer[memtable.MemTable]
	imm atomic.Pointer[memtable.MemTable] // single in-flight rotation slot

	rotateMu sync.Mutex
	rotateCV *sync.Cond

	epochMgr  *epoch.Manager
	versions  *version.Set
	snapshots *snapshot.Registry
	scheduler *flush.Scheduler

	bgErr backgroundError

	closed    atomic.Bool
	reclaimWg sync.WaitGroup
	stopCh    chan struct{}
}

// Open starts a new Engine. Closing it with Close releases its background
// goroutines; it does not delete any durably flushed data.
func Open(opts *Options) (*Engine, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts = opts.Clone()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	epochMgr := epoch.New()

	versions, err := version.New(version.Options{
		ComparatorName: "dlsm.InternalKeyComparator",
		EpochManager:   epochMgr,
		Registerer:     opts.Registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("dlsm: opening version set: %w", err)
	}

	e := &Engine{
		opts:      opts,
		seq:       seqalloc.New(),
		epochMgr:  epochMgr,
		versions:  versions,
		snapshots: snapshot.New(),
		stopCh:    make(chan struct{}),
	}
	e.rotateCV = sync.NewCond(&e.rotateMu)

	scheduler, err := flush.New(flush.Options{
		Workers:  opts.FlushWorkers,
		Versions: versions,
		NewBuilder: func(fileNumber uint64) sstable.Builder {
			return sstable.NewMemBuilder(opts.Transport, opts.StorageNode, fileNumber)
		},
		PickLevel: func(*sstable.Meta) int {
			// Multi-level compaction is out of scope (spec.md §1's
			// Non-goals): every flush lands at L0.
			return 0
		},
		Logger:       opts.Logger,
		Registerer:   opts.Registerer,
		PollInterval: opts.FlushPollInterval,
		OnFlushed:    e.onMemtableFlushed,
	})
	if err != nil {
		return nil, fmt.Errorf("dlsm: starting flush scheduler: %w", err)
	}
	e.scheduler = scheduler

	initial := memtable.New(1, opts.MemTableWindowSize)
	e.mem.Store(initial)

	e.reclaimWg.Add(1)
	go e.reclaimLoop()

	return e, nil
}

// reclaimLoop periodically drives epoch-based cleanup of superseded
// Versions so MarkForCleanup-registered resources don't pile up forever.
func (e *Engine) reclaimLoop() {
	defer e.reclaimWg.Done()
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.versions.Reclaim()
		case <-e.stopCh:
			return
		}
	}
}

// onMemtableFlushed is the flush scheduler's completion callback: it
// clears the single immutable-memtable slot and wakes any writer blocked
// on rotation backpressure (spec.md §4.3/§5).
func (e *Engine) onMemtableFlushed(mt *memtable.MemTable) {
	e.rotateMu.Lock()
	if e.imm.Load() == mt {
		e.imm.Store(nil)
	}
	e.rotateMu.Unlock()
	e.rotateCV.Broadcast()
	mt.Unref()
}

// BackgroundError reports the first error observed by a flush worker, if
// any. Once set it never clears (spec.md §7): the engine must be closed
// and reopened to recover.
func (e *Engine) BackgroundError() error {
	if err := e.scheduler.BackgroundError(); err != nil {
		e.bgErr.set(wrapBackground("flush", err))
	}
	return e.bgErr.get()
}

// pickTable is route_write/pick_table from spec.md §4.3: given a reserved
// sequence number, return a referenced MemTable authorized to hold it,
// rotating the active table via CAS if the current one's window is full.
// Only one rotation may be in flight at a time — a second writer that
// observes a full window while a rotation is still pending blocks on
// rotateCV until the prior immutable table is cleared by a flush, unless
// its own seq already belongs to that immutable table's window (spec.md
// §4.3's secondary imm.window check / original_source db_impl.cc:1502-1516):
// a writer that lagged behind a just-completed rotation must land in imm_
// directly, not wait on it — otherwise the flush worker waiting on that
// table's AbleToFlush() deadlocks against a writer waiting on rotateCV.
func (e *Engine) pickTable(seq uint64) (*memtable.MemTable, error) {
	for {
		if e.closed.Load() {
			return nil, ErrClosed
		}
		if err := e.BackgroundError(); err != nil {
			return nil, err
		}

		mem := e.mem.Load()
		if mem.InWindow(seq) {
			mem.Ref()
			return mem, nil
		}

		if imm := e.imm.Load(); imm != nil {
			if imm.InWindow(seq) {
				imm.Ref()
				return imm, nil
			}
			e.rotateMu.Lock()
			for e.imm.Load() != nil && e.mem.Load() == mem && !e.closed.Load() {
				e.rotateCV.Wait()
			}
			e.rotateMu.Unlock()
			continue
		}

		next := memtable.New(mem.LargestSeq()+1, e.opts.MemTableWindowSize)
		if e.mem.CompareAndSwap(mem, next) {
			e.imm.Store(mem)
			if err := e.scheduler.Enqueue(mem); err != nil {
				return nil, fmt.Errorf("dlsm: scheduling flush: %w", err)
			}
			continue
		}
		// Lost the race; next is simply discarded and GC'd.
	}
}

// Put writes a single key/value pair, returning the sequence number it was
// assigned.
func (e *Engine) Put(key, value []byte) (uint64, error) {
	return e.apply(key, value, ikey.KindValue)
}

// Delete writes a tombstone for key, returning the sequence number it was
// assigned.
func (e *Engine) Delete(key []byte) (uint64, error) {
	return e.apply(key, nil, ikey.KindDeletion)
}

// WriteBatch is an ordered list of Put/Delete operations submitted together
// via Write. Unlike a single apply(), a batch is not assigned one sequence
// number: each operation still reserves its own slot from the shared
// allocator and can land in a different memtable window if a rotation
// happens mid-batch, so batches are a convenience for callers, not an
// atomicity boundary (see the Open Question decision in DESIGN.md).
type WriteBatch struct {
	ops []batchOp
}

type batchOp struct {
	key   []byte
	value []byte
	kind  ikey.Kind
}

// Put appends a value write to the batch.
func (b *WriteBatch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: key, value: value, kind: ikey.KindValue})
}

// Delete appends a tombstone write to the batch.
func (b *WriteBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: key, kind: ikey.KindDeletion})
}

// Len reports the number of operations queued in the batch.
func (b *WriteBatch) Len() int { return len(b.ops) }

// Write applies every operation in batch in order, returning the sequence
// number assigned to the last operation. A failure partway through leaves
// earlier operations in the batch already applied to a memtable;
// callers that need all-or-nothing semantics must not rely on this method.
func (e *Engine) Write(batch *WriteBatch) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if batch == nil || len(batch.ops) == 0 {
		return 0, nil
	}

	var last uint64
	for _, op := range batch.ops {
		seq, err := e.apply(op.key, op.value, op.kind)
		if err != nil {
			return last, err
		}
		last = seq
	}
	return last, nil
}

func (e *Engine) apply(key, value []byte, kind ikey.Kind) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if !ikey.IsValidUserKey(key) {
		return 0, ErrInvalidKey
	}
	if kind == ikey.KindValue && !ikey.IsValidValue(value) {
		return 0, ErrInvalidValue
	}
	if err := e.BackgroundError(); err != nil {
		return 0, err
	}

	seq := e.seq.Reserve(1)
	mt, err := e.pickTable(seq)
	if err != nil {
		return 0, err
	}
	defer mt.Unref()

	mt.Insert(ikey.New(key, seq, kind), value)
	e.scheduler.NotifyApplied()
	return seq, nil
}

// Get returns the value visible for key as of the given snapshot, or the
// latest value if snap is the zero Snapshot.
func (e *Engine) Get(key []byte, snap snapshot.Snapshot) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	seq := snap.Seq()
	if seq == 0 {
		seq = ikey.MaxSequence
	}

	if mem := e.mem.Load(); mem != nil {
		mem.Ref()
		val, deleted, ok := mem.Get(key, seq)
		mem.Unref()
		if ok {
			if deleted {
				return nil, ErrNotFound
			}
			return val, nil
		}
	}

	if imm := e.imm.Load(); imm != nil {
		imm.Ref()
		val, deleted, ok := imm.Get(key, seq)
		imm.Unref()
		if ok {
			if deleted {
				return nil, ErrNotFound
			}
			return val, nil
		}
	}

	cur := e.versions.Current()
	cur.Ref()
	defer cur.Unref()

	for level := 0; level < version.NumLevels; level++ {
		files := cur.Files(level)
		// L0 files may overlap and are appended oldest-first by
		// LogAndApply, so within a level they must be probed newest-first:
		// otherwise a key overwritten across two flushed windows would
		// return the stale value from the older file found first.
		for i := len(files) - 1; i >= 0; i-- {
			meta := files[i]
			if len(meta.DataChunks) == 0 {
				continue
			}
			if meta.SmallestKey != nil && ikey.UserKey(key).Compare(meta.SmallestKey.UserKey()) < 0 {
				continue
			}
			if meta.LargestKey != nil && ikey.UserKey(key).Compare(meta.LargestKey.UserKey()) > 0 {
				continue
			}
			reader, err := sstable.OpenReader(e.opts.Transport, meta.DataChunks[0])
			if err != nil {
				return nil, fmt.Errorf("dlsm: opening table %d: %w", meta.Number, err)
			}
			val, deleted, ok := reader.Get(key, seq)
			if ok {
				if deleted {
					return nil, ErrNotFound
				}
				return val, nil
			}
		}
	}

	return nil, ErrNotFound
}

// GetSnapshot opens a new Snapshot pinned at the engine's current sequence.
func (e *Engine) GetSnapshot() snapshot.Snapshot {
	return e.snapshots.Open(e.seq.Last())
}

// ReleaseSnapshot releases a Snapshot obtained from GetSnapshot.
func (e *Engine) ReleaseSnapshot(s snapshot.Snapshot) {
	e.snapshots.Release(s)
}

// CompactRange is part of the public API contract but multi-level
// compaction is out of scope for this engine (spec.md §1's Non-goals):
// every flushed table lands at L0 and stays there.
func (e *Engine) CompactRange(start, limit []byte) error {
	return ErrNotSupported
}

// Property is a named, stringly-typed diagnostic value returned by
// GetProperty, mirroring the "dlsm.*" property namespace convention.
type Property string

const (
	PropertyNumFilesAtLevel0 Property = "dlsm.num-files-at-level0"
	PropertyApproxMemtableKV Property = "dlsm.approximate-memtable-kv-count"
	PropertyLastSequence     Property = "dlsm.last-sequence"
	PropertyOldestSnapshot   Property = "dlsm.oldest-snapshot-sequence"
)

// GetProperty returns a diagnostic value by name, or false if unknown.
func (e *Engine) GetProperty(prop Property) (string, bool) {
	switch prop {
	case PropertyNumFilesAtLevel0:
		return fmt.Sprintf("%d", e.versions.Current().NumLevelFiles(0)), true
	case PropertyApproxMemtableKV:
		return fmt.Sprintf("%d", e.mem.Load().KVCount()), true
	case PropertyLastSequence:
		return fmt.Sprintf("%d", e.seq.Last()), true
	case PropertyOldestSnapshot:
		if oldest, ok := e.snapshots.Oldest(); ok {
			return fmt.Sprintf("%d", oldest), true
		}
		return "none", true
	default:
		return "", false
	}
}

// DebugResourceReport returns a human-readable snapshot of live internal
// resource counts: memtable refcounts, level file counts, and open
// snapshots. Intended for operators diagnosing a stuck rotation or a
// leak in epoch-deferred cleanup.
func (e *Engine) DebugResourceReport() string {
	mem := e.mem.Load()
	imm := e.imm.Load()
	cur := e.versions.Current()

	report := fmt.Sprintf(
		"active memtable: window=[%d,%d] applied=%d/%d refs=%d\n",
		mem.FirstSeq(), mem.LargestSeq(), mem.AppliedCount(), mem.WindowSize(), mem.RefCount(),
	)
	if imm != nil {
		report += fmt.Sprintf(
			"immutable memtable: window=[%d,%d] state=%s applied=%d/%d refs=%d\n",
			imm.FirstSeq(), imm.LargestSeq(), imm.FlushState(), imm.AppliedCount(), imm.WindowSize(), imm.RefCount(),
		)
	} else {
		report += "immutable memtable: none\n"
	}
	for level := 0; level < version.NumLevels; level++ {
		if n := cur.NumLevelFiles(level); n > 0 {
			report += fmt.Sprintf("L%d: %d files\n", level, n)
		}
	}
	report += fmt.Sprintf("open snapshots: %d (oldest seq ", e.snapshots.Count())
	if oldest, ok := e.snapshots.Oldest(); ok {
		report += fmt.Sprintf("%d)\n", oldest)
	} else {
		report += "none)\n"
	}
	report += fmt.Sprintf("epoch: %d\n", e.epochMgr.Current())
	return report
}

// Close stops background work and waits for it to finish. It does not
// flush the active memtable; an in-memory, not-yet-flushed window is lost
// on close, matching the engine's contract that only a Flushed MemTable is
// durable.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	e.rotateCV.Broadcast()

	done := make(chan struct{})
	go func() {
		e.reclaimWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return e.scheduler.Close(ctx)
}
