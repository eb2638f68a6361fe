package flush

import (
	"context"
	"testing"
	"time"

	"github.com/dlsm-io/dlsm/epoch"
	"github.com/dlsm-io/dlsm/ikey"
	"github.com/dlsm-io/dlsm/memtable"
	"github.com/dlsm-io/dlsm/rdmatransport"
	"github.com/dlsm-io/dlsm/sstable"
	"github.com/dlsm-io/dlsm/version"
)

func newTestScheduler(t *testing.T) (*Scheduler, *version.Set) {
	t.Helper()
	vs, err := version.New(version.Options{ComparatorName: "dlsm.InternalKeyComparator", EpochManager: epoch.New()})
	if err != nil {
		t.Fatal(err)
	}
	transport := rdmatransport.NewLoopback()

	sched, err := New(Options{
		Workers:  2,
		Versions: vs,
		NewBuilder: func(fileNumber uint64) sstable.Builder {
			return sstable.NewMemBuilder(transport, rdmatransport.NodeID("mem-0"), fileNumber)
		},
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sched, vs
}

func TestSchedulerFlushesFullWindow(t *testing.T) {
	sched, vs := newTestScheduler(t)
	defer sched.Close(context.Background())

	mt := memtable.New(1, 4)
	for i := uint64(0); i < 4; i++ {
		mt.Insert(ikey.New([]byte{'a' + byte(i)}, i+1, ikey.KindValue), []byte("v"))
		sched.NotifyApplied()
	}

	if err := sched.Enqueue(mt); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for mt.FlushState() != memtable.Flushed {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for flush, state=%s, bgErr=%v", mt.FlushState(), sched.BackgroundError())
		case <-time.After(time.Millisecond):
		}
	}

	if got := vs.Current().NumLevelFiles(0); got != 1 {
		t.Fatalf("expected 1 file at level 0, got %d", got)
	}
}

func TestSchedulerWaitsForIncompleteWindow(t *testing.T) {
	sched, _ := newTestScheduler(t)
	defer sched.Close(context.Background())

	mt := memtable.New(1, 4)
	mt.Insert(ikey.New([]byte("a"), 1, ikey.KindValue), []byte("v"))

	if err := sched.Enqueue(mt); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	if mt.FlushState() == memtable.Flushed {
		t.Fatal("should not have flushed an incomplete window")
	}

	for i := uint64(1); i < 4; i++ {
		mt.Insert(ikey.New([]byte{'a' + byte(i)}, i+1, ikey.KindValue), []byte("v"))
		sched.NotifyApplied()
	}

	deadline := time.After(2 * time.Second)
	for mt.FlushState() != memtable.Flushed {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for flush after window completed, state=%s", mt.FlushState())
		case <-time.After(time.Millisecond):
		}
	}
}
