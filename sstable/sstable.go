// Package sstable defines the boundary contract for the on-(remote-)memory
// SSTable format. Block encoding, bloom-filter construction, and the
// RDMA-backed chunk storage itself are out of scope for this engine's core
// (spec.md §1) and are treated as an external collaborator: this package
// only describes the interface the flush pipeline needs, plus a minimal
// reference implementation used by tests so the core can be exercised
// end-to-end without a real memory-node fabric.
package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/dlsm-io/dlsm/ikey"
	"github.com/dlsm-io/dlsm/rdmatransport"
	"github.com/klauspost/compress/s2"
)

// Builder is the external TableBuilder contract: something that can accept
// a stream of internal keys in ascending order and produce a durable,
// sorted file. Real implementations live on the memory-node side of the
// RDMA fabric; the flush scheduler only needs this much of their shape.
type Builder interface {
	Add(key ikey.Key, value []byte) error
	Finish() error
	NumEntries() uint64
	SmallestKey() ikey.Key
	LargestKey() ikey.Key
	EstimatedSize() uint64

	// Chunks returns the data chunk handles written by Finish, for a
	// caller assembling a Meta. Only valid after Finish returns successfully.
	Chunks() []ChunkRef
}

// ChunkRef is an opaque handle into a memory node's chunk store — the core
// never interprets its contents, only threads it through RemoteSSTableMeta.
type ChunkRef = rdmatransport.ChunkHandle

// Meta is RemoteSSTableMeta from spec.md §3: everything a Version needs to
// know about one file without the core ever decoding its payload.
type Meta struct {
	Number     uint64
	Level      int
	FileSize   uint64
	NumEntries uint64

	SmallestKey ikey.Key
	LargestKey  ikey.Key

	CreatorNodeID rdmatransport.NodeID
	DataChunks    []ChunkRef
	IndexChunks   []ChunkRef
	FilterChunks  []ChunkRef

	AllowedSeeks    int64
	UnderCompaction bool
}

// Overlaps reports whether [smallest, largest] for this file intersects
// the half-open internal-key range [start, limit). A nil start/limit means
// unbounded on that side.
func (m *Meta) Overlaps(start, limit ikey.Key) bool {
	if limit != nil && m.SmallestKey.Compare(limit) >= 0 {
		return false
	}
	if start != nil && m.LargestKey.Compare(start) < 0 {
		return false
	}
	return true
}

// memBuilder is a reference in-process Builder: it compresses its payload
// with s2 (the same fast tier the teacher's compression package wires in
// for hot levels) and hands the result to a transport.Transport as a single
// data chunk. It exists so flush-pipeline tests can exercise a real
// end-to-end round trip without standing up RDMA hardware.
type memBuilder struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	count       uint64
	smallest    ikey.Key
	largest     ikey.Key
	transport   rdmatransport.Transport
	node        rdmatransport.NodeID
	fileNum     uint64
	finished    bool
	resultChunk ChunkRef
}

// NewMemBuilder returns a Builder that serializes entries into a single s2
// compressed chunk via the given transport, under the given file number.
func NewMemBuilder(transport rdmatransport.Transport, node rdmatransport.NodeID, fileNum uint64) Builder {
	return &memBuilder{transport: transport, node: node, fileNum: fileNum}
}

func (b *memBuilder) Add(key ikey.Key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return fmt.Errorf("sstable: Add after Finish")
	}
	if b.smallest == nil {
		b.smallest = key.Clone()
	}
	b.largest = key.Clone()

	var lenbuf [8]byte
	binary.LittleEndian.PutUint32(lenbuf[:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(lenbuf[4:], uint32(len(value)))
	b.buf.Write(lenbuf[:])
	b.buf.Write(key)
	b.buf.Write(value)
	b.count++
	return nil
}

func (b *memBuilder) Finish() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return nil
	}
	compressed := s2.Encode(nil, b.buf.Bytes())
	ref, err := b.transport.WriteChunk(b.node, b.fileNum, compressed)
	if err != nil {
		return fmt.Errorf("sstable: writing chunk to node %v: %w", b.node, err)
	}
	b.resultChunk = ref
	b.finished = true
	return nil
}

func (b *memBuilder) NumEntries() uint64    { return b.count }
func (b *memBuilder) SmallestKey() ikey.Key { return b.smallest }
func (b *memBuilder) LargestKey() ikey.Key  { return b.largest }
func (b *memBuilder) EstimatedSize() uint64 { return uint64(b.buf.Len()) }

// ResultChunk returns the chunk handle written by Finish; only valid after
// Finish has returned successfully.
func (b *memBuilder) ResultChunk() ChunkRef { return b.resultChunk }

// Chunks implements Builder.
func (b *memBuilder) Chunks() []ChunkRef {
	if !b.finished {
		return nil
	}
	return []ChunkRef{b.resultChunk}
}

type entry struct {
	key   ikey.Key
	value []byte
}

// Reader is the read-side counterpart to memBuilder: it decodes a chunk
// produced by memBuilder and answers point lookups. Like memBuilder, it
// exists only so the engine's read path can be exercised against the
// reference Builder without a real memory-node fabric.
type Reader struct {
	entries []entry
}

// OpenReader fetches and decodes the chunk behind handle.
func OpenReader(transport rdmatransport.Transport, handle ChunkRef) (*Reader, error) {
	raw, err := transport.ReadChunk(handle)
	if err != nil {
		return nil, fmt.Errorf("sstable: reading chunk %s: %w", handle, err)
	}
	data, err := s2.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("sstable: decompressing chunk %s: %w", handle, err)
	}

	var entries []entry
	for off := 0; off < len(data); {
		if off+8 > len(data) {
			return nil, fmt.Errorf("%w: truncated entry header", ikey.ErrCorruption)
		}
		klen := binary.LittleEndian.Uint32(data[off : off+4])
		vlen := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += 8
		if off+int(klen)+int(vlen) > len(data) {
			return nil, fmt.Errorf("%w: truncated entry body", ikey.ErrCorruption)
		}
		k := ikey.Key(data[off : off+int(klen)])
		off += int(klen)
		v := data[off : off+int(vlen)]
		off += int(vlen)
		entries = append(entries, entry{key: k, value: v})
	}
	return &Reader{entries: entries}, nil
}

// Get looks up userKey as of snapshotSeq, mirroring memtable.MemTable.Get's
// contract: ok reports whether any version was found at all; deleted
// reports whether the newest visible version is a tombstone.
func (r *Reader) Get(userKey []byte, snapshotSeq uint64) (value []byte, deleted bool, ok bool) {
	target := ikey.New(userKey, snapshotSeq, ikey.KindSeek)
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].key.Compare(target) >= 0
	})
	if i >= len(r.entries) {
		return nil, false, false
	}
	got := r.entries[i].key
	if got.UserKey().Compare(ikey.UserKey(userKey)) != 0 {
		return nil, false, false
	}
	if got.Kind() == ikey.KindDeletion {
		return nil, true, true
	}
	return r.entries[i].value, false, true
}

// ReaderIterator is a restartable forward iterator over a Reader's entries
// in internal-key order, mirroring memtable.Iterator so both can feed the
// same merge iterator.
type ReaderIterator struct {
	r   *Reader
	idx int
}

// NewIterator returns an iterator positioned before the first entry.
func (r *Reader) NewIterator() *ReaderIterator {
	return &ReaderIterator{r: r, idx: -1}
}

func (it *ReaderIterator) SeekToFirst() { it.idx = 0 }

func (it *ReaderIterator) Valid() bool {
	return it.idx >= 0 && it.idx < len(it.r.entries)
}

func (it *ReaderIterator) Next() { it.idx++ }

func (it *ReaderIterator) Key() ikey.Key { return it.r.entries[it.idx].key }

func (it *ReaderIterator) Value() []byte { return it.r.entries[it.idx].value }
