// Package rdmatransport describes the boundary to the disaggregated memory
// fabric. The actual RDMA wire protocol, chunk placement, and replication
// policy on memory nodes are out of scope (spec.md §1): this package only
// gives the core something to call, plus a loopback implementation so
// flush/compaction paths can be exercised in tests without real hardware.
package rdmatransport

import (
	"fmt"
	"sync"
)

// NodeID identifies one memory node in the fabric.
type NodeID string

// ChunkHandle is an opaque reference to a chunk of bytes stored on a memory
// node. The core never interprets its fields; it only round-trips them
// through version metadata so a later reader can fetch the same bytes.
type ChunkHandle struct {
	Node NodeID
	Key  uint64
}

func (h ChunkHandle) String() string {
	return fmt.Sprintf("%s/%d", h.Node, h.Key)
}

// Transport is the minimal collaborator contract the core needs from the
// RDMA fabric: write an opaque blob to a node and get a handle back, or
// fetch a blob back out by handle. Real implementations would negotiate
// RDMA verbs, registered memory regions, and completion queues; none of
// that belongs in this engine's core.
type Transport interface {
	WriteChunk(node NodeID, key uint64, data []byte) (ChunkHandle, error)
	ReadChunk(handle ChunkHandle) ([]byte, error)
	DeleteChunk(handle ChunkHandle) error
}

// Loopback is an in-process Transport backed by a plain map, standing in
// for a memory node during tests.
type Loopback struct {
	mu     sync.RWMutex
	chunks map[ChunkHandle][]byte
}

// NewLoopback returns a ready-to-use in-process Transport.
func NewLoopback() *Loopback {
	return &Loopback{chunks: make(map[ChunkHandle][]byte)}
}

func (l *Loopback) WriteChunk(node NodeID, key uint64, data []byte) (ChunkHandle, error) {
	h := ChunkHandle{Node: node, Key: key}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	l.chunks[h] = cp
	return h, nil
}

func (l *Loopback) ReadChunk(handle ChunkHandle) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	data, ok := l.chunks[handle]
	if !ok {
		return nil, fmt.Errorf("rdmatransport: no such chunk %s", handle)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (l *Loopback) DeleteChunk(handle ChunkHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.chunks, handle)
	return nil
}
