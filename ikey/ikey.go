// Package ikey implements the internal key format shared by every
// component that orders writes: (user_key, sequence, kind).
package ikey

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Kind distinguishes a value write from a deletion tombstone.
type Kind uint8

const (
	// KindDeletion marks a tombstone: the user key is considered absent
	// from this sequence forward until superseded by a later KindValue.
	KindDeletion Kind = 0

	// KindValue marks a live value.
	KindValue Kind = 1

	// KindSeek is never stored; it is used to build a lookup key that
	// sorts before any real entry for the same user key and sequence,
	// following the MaxSequenceNumber convention below.
	KindSeek Kind = 2
)

const (
	// footerLen is the number of trailing bytes packing sequence (56 bits)
	// and kind (8 bits) after the raw user key.
	footerLen = 8

	// MaxSequence is the sentinel "seek to newest" sequence: a lookup key
	// built with this sequence sorts before every real version of a user
	// key, so a forward seek lands on the newest visible entry.
	MaxSequence = (uint64(1) << 56) - 1
)

// ErrCorruption is returned when an encoded key is too short to contain a footer.
var ErrCorruption = errors.New("ikey: corrupt internal key")

// UserKey is a raw, unversioned key as supplied by the caller.
type UserKey []byte

// Compare orders two user keys lexicographically.
func (k UserKey) Compare(o UserKey) int {
	return bytes.Compare(k, o)
}

// Key is the internal (user_key, sequence, kind) encoding. It implements the
// ordering required by every skip list and iterator in the engine: ascending
// user_key, then descending sequence, then descending kind — so the newest
// version of a key always sorts first.
type Key []byte

// Encode writes a fresh internal key into a buffer of len(userKey)+8.
func Encode(dst []byte, userKey []byte, seq uint64, kind Kind) Key {
	n := len(userKey)
	dst = dst[:n+footerLen]
	copy(dst, userKey)
	footer := (seq << 8) | uint64(kind)
	binary.LittleEndian.PutUint64(dst[n:n+footerLen], footer)
	return Key(dst)
}

// New allocates and encodes a new internal key.
func New(userKey []byte, seq uint64, kind Kind) Key {
	return Encode(make([]byte, len(userKey)+footerLen), userKey, seq, kind)
}

// NewSeek builds a lookup key for "the newest visible version of userKey".
func NewSeek(userKey []byte) Key {
	return New(userKey, MaxSequence, KindSeek)
}

// UserKey returns the user-supplied portion of the key.
func (k Key) UserKey() UserKey {
	if len(k) < footerLen {
		return UserKey(k)
	}
	return UserKey(k[:len(k)-footerLen])
}

// Seq returns the sequence number encoded in the footer.
func (k Key) Seq() uint64 {
	if len(k) < footerLen {
		return 0
	}
	footer := binary.LittleEndian.Uint64(k[len(k)-footerLen:])
	return footer >> 8
}

// Kind returns the kind tag encoded in the footer.
func (k Key) Kind() Kind {
	if len(k) < footerLen {
		return KindValue
	}
	footer := binary.LittleEndian.Uint64(k[len(k)-footerLen:])
	return Kind(footer & 0xff)
}

// Valid reports whether k is long enough to hold a footer.
func (k Key) Valid() bool {
	return len(k) >= footerLen
}

// Compare implements the internal key order: ascending user_key, then
// descending sequence, then descending kind, so the newest version of a
// user_key sorts before older ones.
func (k Key) Compare(o Key) int {
	if c := k.UserKey().Compare(o.UserKey()); c != 0 {
		return c
	}
	ks, os := k.Seq(), o.Seq()
	switch {
	case ks > os:
		return -1
	case ks < os:
		return 1
	}
	kk, ok := k.Kind(), o.Kind()
	switch {
	case kk > ok:
		return -1
	case kk < ok:
		return 1
	}
	return 0
}

// Clone returns an independent copy of k.
func (k Key) Clone() Key {
	c := make([]byte, len(k))
	copy(c, k)
	return Key(c)
}

// IsValidUserKey bounds a caller-supplied key's size.
func IsValidUserKey(key []byte) bool {
	return len(key) > 0 && len(key) <= 1<<20
}

// IsValidValue bounds a caller-supplied value's size.
func IsValidValue(value []byte) bool {
	return len(value) <= 1<<30
}
