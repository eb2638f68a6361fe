package dlsm

import (
	"fmt"
	"testing"
	"time"

	"github.com/dlsm-io/dlsm/snapshot"
)

func waitForFlush(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if n, ok := e.GetProperty(PropertyNumFilesAtLevel0); ok && n != "0" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a flush to land at L0")
		case <-time.After(time.Millisecond):
		}
	}
}

func collect(t *testing.T, it *Iterator) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out[string(it.Key())] = string(it.Value())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	return out
}

func TestIteratorScansActiveMemtable(t *testing.T) {
	e := newTestEngine(t, 64)
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if _, err := e.Put([]byte(k), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	it, err := e.NewIterator(snapshot.Snapshot{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	got := collect(t, it)
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %s: got %q, want %q", k, got[k], v)
		}
	}
}

func TestIteratorShowsNewestVersionOnly(t *testing.T) {
	e := newTestEngine(t, 64)
	e.Put([]byte("k"), []byte("v1"))
	e.Put([]byte("k"), []byte("v2"))
	e.Put([]byte("k"), []byte("v3"))

	it, err := e.NewIterator(snapshot.Snapshot{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	got := collect(t, it)
	if len(got) != 1 || got["k"] != "v3" {
		t.Fatalf("got %v, want only k=v3", got)
	}
}

func TestIteratorHidesDeletedKeys(t *testing.T) {
	e := newTestEngine(t, 64)
	e.Put([]byte("keep"), []byte("1"))
	e.Put([]byte("gone"), []byte("2"))
	e.Delete([]byte("gone"))

	it, err := e.NewIterator(snapshot.Snapshot{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	got := collect(t, it)
	if _, ok := got["gone"]; ok {
		t.Fatalf("deleted key still visible: %v", got)
	}
	if got["keep"] != "1" {
		t.Fatalf("got %v, want keep=1", got)
	}
}

func TestIteratorRespectsSnapshotBound(t *testing.T) {
	e := newTestEngine(t, 64)
	e.Put([]byte("k"), []byte("v1"))
	snap := e.GetSnapshot()
	defer e.ReleaseSnapshot(snap)
	e.Put([]byte("k"), []byte("v2"))
	e.Put([]byte("other"), []byte("x"))

	it, err := e.NewIterator(snap)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	got := collect(t, it)
	if len(got) != 1 || got["k"] != "v1" {
		t.Fatalf("got %v, want only k=v1 as of snapshot", got)
	}
}

// TestIteratorSpansMemtableAndFlushedTable forces a rotation and flush so
// the merge iterator must stitch together an in-memory table and an L0
// SSTable reader to see every key.
func TestIteratorSpansMemtableAndFlushedTable(t *testing.T) {
	const windowSize = 4
	e := newTestEngine(t, windowSize)

	for i := 0; i < windowSize+windowSize/2; i++ {
		key := fmt.Sprintf("k%02d", i)
		if _, err := e.Put([]byte(key), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}

	waitForFlush(t, e)

	it, err := e.NewIterator(snapshot.Snapshot{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	got := collect(t, it)
	if len(got) != windowSize+windowSize/2 {
		t.Fatalf("got %d keys, want %d: %v", len(got), windowSize+windowSize/2, got)
	}
}
