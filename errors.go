package dlsm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dlsm-io/dlsm/ikey"
)

// Error definitions for the engine.
// Defined in one place so they're easy to find and compare against with
// errors.Is.
var (
	// ErrNotFound is returned when a key has no visible value.
	ErrNotFound = errors.New("dlsm: key not found")

	// ErrClosed is returned when operating on a closed Engine.
	ErrClosed = errors.New("dlsm: engine is closed")

	// ErrInvalidKey is returned when a caller-supplied key violates the
	// size bound in spec.md §6.
	ErrInvalidKey = errors.New("dlsm: invalid key")

	// ErrInvalidValue is returned when a caller-supplied value violates
	// the size bound in spec.md §6.
	ErrInvalidValue = errors.New("dlsm: invalid value")

	// ErrCorruption is returned when an internal key or encoded chunk
	// fails to decode.
	ErrCorruption = ikey.ErrCorruption

	// ErrNotSupported is returned for an operation this engine's scope
	// deliberately excludes (spec.md §1's Non-goals).
	ErrNotSupported = errors.New("dlsm: operation not supported")

	// ErrInvalidRange is returned when a requested key range is empty or
	// backwards.
	ErrInvalidRange = errors.New("dlsm: invalid range")

	// Configuration validation errors.
	ErrInvalidMemTableWindowSize = errors.New("dlsm: invalid memtable window size")
	ErrInvalidMaxOpenFiles       = errors.New("dlsm: invalid max open files")
	ErrInvalidFlushWorkers       = errors.New("dlsm: invalid flush workers")
	ErrInvalidTransport          = errors.New("dlsm: transport is required")
)

// backgroundError is the sticky latch from spec.md §7: once a background
// worker (the flush scheduler) observes a failure, every subsequent call that
// checks it reports the same error until the engine is closed. It never
// clears itself — the taxonomy calls this out explicitly as a one-way
// transition, same as a MemTable's flush state.
type backgroundError struct {
	err atomic.Pointer[error]
}

func (b *backgroundError) set(err error) {
	if err == nil {
		return
	}
	b.err.CompareAndSwap(nil, &err)
}

func (b *backgroundError) get() error {
	p := b.err.Load()
	if p == nil {
		return nil
	}
	return *p
}

// wrapBackground tags an error as having originated from a background
// worker, so callers inspecting an Engine's error can tell a request-path
// failure from one latched during flush.
func wrapBackground(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("dlsm: background %s failed: %w", op, err)
}
