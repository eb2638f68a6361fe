package memtable

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/dlsm-io/dlsm/ikey"
)

const maxHeight = 12

// node is a skip-list entry. next is CAS-linked per level: insertion never
// mutates an existing node's key/value, only links it in, so readers can
// walk next pointers without taking any lock.
type node struct {
	key   ikey.Key
	value []byte
	next  [maxHeight]atomic.Pointer[node]
}

func (n *node) loadNext(level int) *node {
	return n.next[level].Load()
}

func (n *node) casNext(level int, old, new *node) bool {
	return n.next[level].CompareAndSwap(old, new)
}

// skiplist is an insert-only, lock-free ordered index keyed by ikey.Key
// comparison. There is no delete: MemTables are write-once and discarded
// whole after flush, so the classic lock-free-skiplist deletion machinery
// (marking + physical unlink) is unnecessary complexity this engine never
// needs.
type skiplist struct {
	head      node
	height    atomic.Int32 // highest level currently in use, >= 1
	rndMu     sync.Mutex
	rnd       *rand.Rand
	entries   atomic.Int64
	approxMem atomic.Int64
}

func newSkiplist(seed uint64) *skiplist {
	s := &skiplist{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	s.height.Store(1)
	return s
}

func (s *skiplist) randomHeight() int {
	const branching = 4
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	h := 1
	for h < maxHeight && s.rnd.IntN(branching) == 0 {
		h++
	}
	return h
}

// findPath locates, for each level, the last node whose key compares less
// than target (preds) and the first node whose key compares >= target
// (succs). Used both for insertion and for seeking.
func (s *skiplist) findPath(target ikey.Key) (preds, succs [maxHeight]*node) {
	pred := &s.head
	topLevel := int(s.height.Load()) - 1
	for level := topLevel; level >= 0; level-- {
		curr := pred.loadNext(level)
		for curr != nil && curr.key.Compare(target) < 0 {
			pred = curr
			curr = pred.loadNext(level)
		}
		preds[level] = pred
		succs[level] = curr
	}
	return preds, succs
}

// insert links a new node carrying key/value into the list. Safe for any
// number of concurrent callers.
func (s *skiplist) insert(key ikey.Key, value []byte) {
	h := s.randomHeight()

	// Raise the shared height first (if needed) so findPath sees every
	// level the new node will occupy; losing this race just means a
	// concurrent inserter also tried to raise it, which is harmless.
	for {
		cur := int(s.height.Load())
		if h <= cur {
			break
		}
		if s.height.CompareAndSwap(int32(cur), int32(h)) {
			break
		}
	}

	n := &node{key: key, value: value}
	preds, succs := s.findPath(key)

	for level := 0; level < h; level++ {
		for {
			pred, succ := preds[level], succs[level]
			n.next[level].Store(succ)
			if pred.casNext(level, succ, n) {
				break
			}
			// Lost the race at this level: re-derive the path and retry.
			preds, succs = s.findPath(key)
		}
	}

	s.entries.Add(1)
	s.approxMem.Add(int64(len(key) + len(value) + nodeOverhead))
}

// nodeOverhead is a rough accounting of per-entry bookkeeping, mirroring
// the teacher's approach of charging metadata slots against memtable size
// so ApproximateMemoryUsage accounts for index overhead, not just payload.
const nodeOverhead = 48

// seekGE returns the first node whose key is >= target, or nil.
func (s *skiplist) seekGE(target ikey.Key) *node {
	_, succs := s.findPath(target)
	return succs[0]
}

// first returns the first node in the list, or nil if empty.
func (s *skiplist) first() *node {
	return s.head.loadNext(0)
}

func (s *skiplist) count() int64 {
	return s.entries.Load()
}

func (s *skiplist) memUsage() int64 {
	return s.approxMem.Load()
}
