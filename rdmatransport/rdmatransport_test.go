package rdmatransport

import "testing"

func TestLoopbackWriteReadRoundTrip(t *testing.T) {
	l := NewLoopback()
	h, err := l.WriteChunk("node-a", 1, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := l.ReadChunk(h)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("ReadChunk() = %q, want payload", got)
	}
}

func TestLoopbackReadReturnsIndependentCopy(t *testing.T) {
	l := NewLoopback()
	h, _ := l.WriteChunk("node-a", 1, []byte("payload"))

	got, _ := l.ReadChunk(h)
	got[0] = 'X'

	again, _ := l.ReadChunk(h)
	if string(again) != "payload" {
		t.Errorf("mutating a read result affected stored data: %q", again)
	}
}

func TestLoopbackReadMissingChunkErrors(t *testing.T) {
	l := NewLoopback()
	if _, err := l.ReadChunk(ChunkHandle{Node: "node-a", Key: 99}); err == nil {
		t.Errorf("expected error reading an unwritten chunk")
	}
}

func TestLoopbackDeleteChunk(t *testing.T) {
	l := NewLoopback()
	h, _ := l.WriteChunk("node-a", 1, []byte("payload"))
	if err := l.DeleteChunk(h); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ReadChunk(h); err == nil {
		t.Errorf("expected error reading a deleted chunk")
	}
}

func TestChunkHandleString(t *testing.T) {
	h := ChunkHandle{Node: "node-a", Key: 42}
	if got := h.String(); got != "node-a/42" {
		t.Errorf("String() = %q, want node-a/42", got)
	}
}
