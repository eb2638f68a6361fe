// Package epoch provides epoch-based deferred cleanup: a resource can be
// marked "no longer current" while readers that entered an earlier epoch
// may still be holding it, and its cleanup function only runs once no
// reader can possibly observe it anymore.
//
// This engine uses it to retire superseded Versions: version.Set publishes
// a new Version immediately (so new readers see it right away) and
// registers the old one here, so its cleanup is deferred until every
// reader that entered at or before the swap has exited. MemTables are not
// tracked here; they rely on their own refcount and Go's GC.
package epoch

import (
	"sync"
	"sync/atomic"
)

// CleanupFunc runs once a resource is safe to release.
type CleanupFunc func()

type resourceWindow struct {
	xmin        uint64 // epoch the resource was registered in
	xmax        uint64 // epoch it was marked for cleanup in, 0 = still live
	cleanup     CleanupFunc
	cleanedOnce sync.Once
}

// Manager tracks a monotonic epoch counter, per-epoch reader counts, and
// resources awaiting deferred cleanup. The zero value is not usable; use
// New.
type Manager struct {
	current      atomic.Uint64
	readerCounts sync.Map // epoch uint64 -> *atomic.Int64
	resources    sync.Map // id uint64 -> *resourceWindow
	nextID       atomic.Uint64
	mu           sync.Mutex // serializes Xmax assignment
}

// New returns a Manager starting at epoch 1 (0 is reserved as "never entered").
func New() *Manager {
	m := &Manager{}
	m.current.Store(1)
	return m
}

// Enter records a new reader in the current epoch and returns it. The
// caller must call Exit with the returned epoch when done reading.
func (m *Manager) Enter() uint64 {
	for {
		e := m.current.Load()
		c, _ := m.readerCounts.LoadOrStore(e, new(atomic.Int64))
		counter := c.(*atomic.Int64)
		counter.Add(1)
		if m.current.Load() == e {
			return e
		}
		counter.Add(-1)
	}
}

// Exit releases a reader previously obtained from Enter.
func (m *Manager) Exit(e uint64) {
	if v, ok := m.readerCounts.Load(e); ok {
		v.(*atomic.Int64).Add(-1)
	}
}

// Advance bumps the global epoch and returns the new value. Call this
// whenever published state changes (a Version swings, a MemTable rotates)
// so that "entered before this point" has a crisp boundary.
func (m *Manager) Advance() uint64 {
	return m.current.Add(1)
}

// Current returns the current epoch without entering it.
func (m *Manager) Current() uint64 {
	return m.current.Load()
}

// ResourceHandle identifies a resource registered for deferred cleanup.
type ResourceHandle uint64

// Register tracks a resource as live from the given epoch. The cleanup
// function runs at most once, after MarkForCleanup and once no reader that
// entered at or before the marking epoch remains active.
func (m *Manager) Register(enteredAt uint64, cleanup CleanupFunc) ResourceHandle {
	id := m.nextID.Add(1)
	m.resources.Store(id, &resourceWindow{xmin: enteredAt, cleanup: cleanup})
	return ResourceHandle(id)
}

// MarkForCleanup marks a resource as no longer current. It becomes eligible
// for cleanup once every reader that entered at or before the current
// epoch has exited.
func (m *Manager) MarkForCleanup(h ResourceHandle) {
	v, ok := m.resources.Load(uint64(h))
	if !ok {
		return
	}
	w := v.(*resourceWindow)
	m.mu.Lock()
	if w.xmax == 0 {
		w.xmax = m.current.Load()
	}
	m.mu.Unlock()
}

// oldestActiveReaderEpoch returns the smallest epoch with a positive reader
// count, or the max uint64 if nothing is actively reading.
func (m *Manager) oldestActiveReaderEpoch() uint64 {
	oldest := ^uint64(0)
	m.readerCounts.Range(func(k, v any) bool {
		if v.(*atomic.Int64).Load() > 0 {
			if e := k.(uint64); e < oldest {
				oldest = e
			}
		}
		return true
	})
	return oldest
}

// TryReclaim runs cleanup for every marked resource that no active reader
// can still observe, and returns how many it reclaimed.
func (m *Manager) TryReclaim() int {
	safe := m.oldestActiveReaderEpoch()
	reclaimed := 0
	m.resources.Range(func(k, v any) bool {
		w := v.(*resourceWindow)
		m.mu.Lock()
		xmax := w.xmax
		m.mu.Unlock()
		if xmax != 0 && xmax < safe {
			w.cleanedOnce.Do(func() {
				if w.cleanup != nil {
					w.cleanup()
				}
			})
			m.resources.Delete(k)
			reclaimed++
		}
		return true
	})
	return reclaimed
}
