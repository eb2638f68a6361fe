package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/dlsm-io/dlsm/ikey"
)

func TestMemTableInsertAndGet(t *testing.T) {
	mt := New(1, 1000)
	for i := 0; i < 100; i++ {
		k := ikey.New([]byte(fmt.Sprintf("k%03d", i)), uint64(i+1), ikey.KindValue)
		mt.Insert(k, []byte(fmt.Sprintf("v%03d", i)))
	}

	val, deleted, ok := mt.Get([]byte("k050"), ikey.MaxSequence)
	if !ok || deleted {
		t.Fatalf("expected k050 to be found, got ok=%v deleted=%v", ok, deleted)
	}
	if string(val) != "v050" {
		t.Fatalf("got %q, want v050", val)
	}

	if _, _, ok := mt.Get([]byte("missing"), ikey.MaxSequence); ok {
		t.Fatal("expected missing key to be absent")
	}
}

func TestMemTableOverwriteAndDelete(t *testing.T) {
	mt := New(1, 10)
	mt.Insert(ikey.New([]byte("k"), 1, ikey.KindValue), []byte("v1"))
	mt.Insert(ikey.New([]byte("k"), 2, ikey.KindValue), []byte("v2"))

	val, _, ok := mt.Get([]byte("k"), ikey.MaxSequence)
	if !ok || string(val) != "v2" {
		t.Fatalf("expected v2, got %q ok=%v", val, ok)
	}

	mt.Insert(ikey.New([]byte("k"), 3, ikey.KindDeletion), nil)
	_, deleted, ok := mt.Get([]byte("k"), ikey.MaxSequence)
	if !ok || !deleted {
		t.Fatalf("expected tombstone visible, got ok=%v deleted=%v", ok, deleted)
	}
}

func TestMemTableSnapshotIsolation(t *testing.T) {
	mt := New(1, 10)
	mt.Insert(ikey.New([]byte("k"), 1, ikey.KindValue), []byte("v1"))
	snapSeq := uint64(1)
	mt.Insert(ikey.New([]byte("k"), 2, ikey.KindValue), []byte("v2"))

	val, _, ok := mt.Get([]byte("k"), snapSeq)
	if !ok || string(val) != "v1" {
		t.Fatalf("snapshot read got %q, want v1", val)
	}

	val, _, ok = mt.Get([]byte("k"), ikey.MaxSequence)
	if !ok || string(val) != "v2" {
		t.Fatalf("latest read got %q, want v2", val)
	}
}

func TestMemTableFlushStateMachine(t *testing.T) {
	mt := New(1, 2)
	if mt.FlushState() != Open {
		t.Fatalf("new memtable should be Open, got %s", mt.FlushState())
	}

	mt.Insert(ikey.New([]byte("a"), 1, ikey.KindValue), []byte("1"))
	if mt.AbleToFlush() {
		t.Fatal("should not be able to flush before window fills")
	}
	mt.Insert(ikey.New([]byte("b"), 2, ikey.KindValue), []byte("2"))
	if !mt.AbleToFlush() {
		t.Fatal("expected AbleToFlush once window fully applied")
	}

	if err := mt.MarkFlushRequested(); err != nil {
		t.Fatal(err)
	}
	if err := mt.MarkFlushScheduled(); err != nil {
		t.Fatal(err)
	}
	if err := mt.MarkFlushed(); err != nil {
		t.Fatal(err)
	}
	if mt.FlushState() != Flushed {
		t.Fatalf("expected Flushed, got %s", mt.FlushState())
	}

	// No backward transitions.
	if err := mt.MarkFlushRequested(); err == nil {
		t.Fatal("expected error re-requesting flush on an already-flushed table")
	}
}

func TestMemTableCannotFlushBeforeWindowComplete(t *testing.T) {
	mt := New(1, 5)
	mt.Insert(ikey.New([]byte("a"), 1, ikey.KindValue), []byte("1"))
	if err := mt.MarkFlushRequested(); err != nil {
		t.Fatal(err)
	}
	if err := mt.MarkFlushScheduled(); err != nil {
		t.Fatal(err)
	}
	if err := mt.MarkFlushed(); err == nil {
		t.Fatal("expected MarkFlushed to reject an incomplete window (invariant M3)")
	}
}

func TestMemTableConcurrentInsert(t *testing.T) {
	const writers = 32
	const perWriter = 200
	mt := New(1, writers*perWriter)

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq := uint64(w*perWriter+i) + 1
				key := []byte(fmt.Sprintf("writer-%02d-key-%04d", w, i))
				mt.Insert(ikey.New(key, seq, ikey.KindValue), []byte("v"))
			}
		}()
	}
	wg.Wait()

	if got, want := mt.KVCount(), int64(writers*perWriter); got != want {
		t.Fatalf("got %d entries, want %d", got, want)
	}
	if !mt.AbleToFlush() {
		t.Fatal("expected full window to be able to flush")
	}

	// Iteration must be in non-decreasing internal-key order.
	it := mt.NewIterator()
	it.SeekToFirst()
	var prev ikey.Key
	count := 0
	for it.Valid() {
		if prev != nil && prev.Compare(it.Key()) > 0 {
			t.Fatalf("iterator order violation: %q then %q", prev, it.Key())
		}
		prev = it.Key().Clone()
		count++
		it.Next()
	}
	if count != writers*perWriter {
		t.Fatalf("iterated %d entries, want %d", count, writers*perWriter)
	}
}

func TestMemTableRefCounting(t *testing.T) {
	mt := New(1, 10)
	if mt.RefCount() != 1 {
		t.Fatalf("expected initial refcount 1, got %d", mt.RefCount())
	}
	mt.Ref()
	mt.Ref()
	if mt.RefCount() != 3 {
		t.Fatalf("expected refcount 3, got %d", mt.RefCount())
	}
	if left := mt.Unref(); left != 2 {
		t.Fatalf("expected 2 left after unref, got %d", left)
	}
}
