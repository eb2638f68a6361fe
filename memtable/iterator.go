package memtable

import "github.com/dlsm-io/dlsm/ikey"

// Iterator is a restartable, forward-only view over a MemTable's entries
// in internal-key order (ascending user key, newest sequence first).
type Iterator struct {
	mt   *MemTable
	node *node
}

// SeekToFirst positions the iterator at the very first entry.
func (it *Iterator) SeekToFirst() {
	it.node = it.mt.list.first()
}

// Seek positions the iterator at the first entry whose internal key is >= target.
func (it *Iterator) Seek(target ikey.Key) {
	it.node = it.mt.list.seekGE(target)
}

// Valid reports whether the iterator currently points at an entry.
func (it *Iterator) Valid() bool {
	return it.node != nil
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if it.node == nil {
		return
	}
	it.node = it.node.loadNext(0)
}

// Key returns the current internal key. Only valid while Valid().
func (it *Iterator) Key() ikey.Key {
	return it.node.key
}

// Value returns the current value. Only valid while Valid().
func (it *Iterator) Value() []byte {
	return it.node.value
}

// Close releases any resources held by the iterator (none, currently).
func (it *Iterator) Close() error {
	return nil
}
