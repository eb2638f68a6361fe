// Package snapshot tracks the set of live reader-visible sequence numbers
// (spec.md §4.6). Compaction uses the oldest live snapshot to bound what
// garbage it may collect: a superseded value or a deletion tombstone is
// only safe to drop once no live snapshot could still observe it.
package snapshot

import (
	"sort"
	"sync"
)

// Snapshot is an opaque handle identifying a registered sequence number.
// The zero value is not a valid snapshot.
type Snapshot struct {
	seq uint64
	id  uint64
}

// Seq returns the sequence number this snapshot bounds reads to.
func (s Snapshot) Seq() uint64 { return s.seq }

// Registry is an ordered multiset of live snapshot sequence numbers.
// Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	entries []Snapshot // kept sorted by seq ascending
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Open registers a new snapshot at the given sequence number and returns
// its handle. The caller must eventually call Release.
func (r *Registry) Open(seq uint64) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	s := Snapshot{seq: seq, id: r.nextID}

	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].seq >= seq })
	r.entries = append(r.entries, Snapshot{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = s
	return s
}

// Release removes a previously opened snapshot. Releasing an already
// released or unknown snapshot is a no-op.
func (r *Registry) Release(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.id == s.id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Oldest returns the smallest live sequence number and true, or (0, false)
// if no snapshot is currently live.
func (r *Registry) Oldest() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return 0, false
	}
	return r.entries[0].seq, true
}

// Count returns the number of live snapshots, for diagnostics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
