package dlsm

import (
	"container/heap"
	"fmt"

	"github.com/dlsm-io/dlsm/ikey"
	"github.com/dlsm-io/dlsm/memtable"
	"github.com/dlsm-io/dlsm/snapshot"
	"github.com/dlsm-io/dlsm/sstable"
)

// sourceIter is the common shape memtable.Iterator and
// sstable.ReaderIterator both satisfy, letting Iterator treat a
// MemTable and a flushed SSTable identically.
type sourceIter interface {
	SeekToFirst()
	Valid() bool
	Next()
	Key() ikey.Key
	Value() []byte
}

type heapEntry struct {
	iter sourceIter
}

type iterHeap []*heapEntry

func (h iterHeap) Len() int { return len(h) }
func (h iterHeap) Less(i, j int) bool {
	return h[i].iter.Key().Compare(h[j].iter.Key()) < 0
}
func (h iterHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *iterHeap) Push(x any)        { *h = append(*h, x.(*heapEntry)) }
func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Iterator presents a unified, sorted, user-key-deduplicated view across
// the active MemTable, the single in-flight immutable MemTable, and every
// SSTable in the current Version — newest version of each key wins,
// tombstones hide older values and are not themselves surfaced.
// Grounded on the teacher's container/heap-based MergeIterator, simplified
// since this engine only ever has L0 files to merge (no cross-level
// overlap to reconcile).
type Iterator struct {
	sources []sourceIter
	h       iterHeap
	seq     uint64

	refedMemtables []*memtable.MemTable

	curKey   ikey.Key
	curValue []byte
	valid    bool
	err      error
}

// NewIterator returns an Iterator over all data visible at snap (or the
// latest state, if snap is the zero Snapshot). The caller must call Close.
func (e *Engine) NewIterator(snap snapshot.Snapshot) (*Iterator, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	seq := snap.Seq()
	if seq == 0 {
		seq = ikey.MaxSequence
	}

	it := &Iterator{seq: seq}

	if mem := e.mem.Load(); mem != nil {
		mem.Ref()
		it.refedMemtables = append(it.refedMemtables, mem)
		it.sources = append(it.sources, mem.NewIterator())
	}
	if imm := e.imm.Load(); imm != nil {
		imm.Ref()
		it.refedMemtables = append(it.refedMemtables, imm)
		it.sources = append(it.sources, imm.NewIterator())
	}

	// Only L0 is ever populated (no compaction, spec.md §1 Non-goals).
	cur := e.versions.Current()
	cur.Ref()
	for _, meta := range cur.Files(0) {
		if len(meta.DataChunks) == 0 {
			continue
		}
		reader, err := sstable.OpenReader(e.opts.Transport, meta.DataChunks[0])
		if err != nil {
			cur.Unref()
			return nil, fmt.Errorf("dlsm: opening table %d for iteration: %w", meta.Number, err)
		}
		it.sources = append(it.sources, reader.NewIterator())
	}
	cur.Unref()

	return it, nil
}

// SeekToFirst positions the iterator at the first visible key.
func (it *Iterator) SeekToFirst() {
	it.h = it.h[:0]
	for _, s := range it.sources {
		s.SeekToFirst()
		if s.Valid() {
			heap.Push(&it.h, &heapEntry{iter: s})
		}
	}
	it.advance()
}

// Valid reports whether the iterator currently points at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current user key. Only valid while Valid().
func (it *Iterator) Key() []byte { return it.curKey.UserKey() }

// Value returns the current value. Only valid while Valid().
func (it *Iterator) Value() []byte { return it.curValue }

// Err returns the first error encountered during iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Next advances to the next distinct, visible user key.
func (it *Iterator) Next() {
	it.advance()
}

// advance pops entries off the heap until it finds the next user key whose
// newest version at or below it.seq is not a tombstone, pushing each
// source's follow-on entries back as it goes.
func (it *Iterator) advance() {
	for it.h.Len() > 0 {
		top := it.h[0]
		key := top.iter.Key()

		if key.Seq() > it.seq {
			it.popAndAdvance(top)
			continue
		}

		value := top.iter.Value()
		kind := key.Kind()
		userKey := key.UserKey()

		// Drain every other version of this same user key (older
		// sequence numbers, or duplicate sources) so the caller never
		// sees the same key twice.
		it.popAndAdvance(top)
		for it.h.Len() > 0 && it.h[0].iter.Key().UserKey().Compare(userKey) == 0 {
			it.popAndAdvance(it.h[0])
		}

		if kind == ikey.KindDeletion {
			continue
		}

		it.curKey = ikey.New(userKey, key.Seq(), kind)
		it.curValue = value
		it.valid = true
		return
	}
	it.valid = false
}

func (it *Iterator) popAndAdvance(entry *heapEntry) {
	heap.Pop(&it.h)
	entry.iter.Next()
	if entry.iter.Valid() {
		heap.Push(&it.h, entry)
	}
}

// Close releases references taken on the MemTables backing this iterator.
func (it *Iterator) Close() error {
	for _, mt := range it.refedMemtables {
		mt.Unref()
	}
	it.refedMemtables = nil
	return nil
}
