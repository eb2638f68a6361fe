// Package version implements the VersionSet / Version / VersionEdit triad
// from spec.md §3–§4.5: a copy-on-write snapshot of "what files and
// memtables make up the database" that readers can consult lock-free while
// a single writer serializes changes to it.
package version

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dlsm-io/dlsm/epoch"
	"github.com/dlsm-io/dlsm/ikey"
	"github.com/dlsm-io/dlsm/memtable"
	"github.com/dlsm-io/dlsm/sstable"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// NumLevels is the number of LSM levels a Version tracks. L0 files may
// overlap each other; L1..NumLevels-1 are kept sorted and non-overlapping.
const NumLevels = 7

// Edit is VersionEdit from spec.md §3: a description of a delta to apply
// to a Version to produce the next one. Zero value fields mean "unset"
// except the slice/map fields, which mean "nothing to add or remove".
type Edit struct {
	ComparatorName string
	LogNumber      uint64
	NextFileNumber uint64
	LastSequence   uint64

	CompactPointers map[int]ikey.Key

	DeletedFiles map[levelAndNumber]struct{}
	AddedFiles   map[int][]*sstable.Meta
}

type levelAndNumber struct {
	level int
	num   uint64
}

// NewEdit returns an empty Edit ready for incremental population.
func NewEdit() *Edit {
	return &Edit{
		CompactPointers: make(map[int]ikey.Key),
		DeletedFiles:    make(map[levelAndNumber]struct{}),
		AddedFiles:      make(map[int][]*sstable.Meta),
	}
}

// DeleteFile records that (level, number) should be removed.
func (e *Edit) DeleteFile(level int, number uint64) {
	e.DeletedFiles[levelAndNumber{level, number}] = struct{}{}
}

// AddFile records that meta should be added at level.
func (e *Edit) AddFile(level int, meta *sstable.Meta) {
	meta.Level = level
	e.AddedFiles[level] = append(e.AddedFiles[level], meta)
}

// Version is an immutable, reference-counted snapshot of the database's
// on-disk (on-memory-node) structure plus the MemTables that were still
// live when the snapshot was taken. Readers acquire one via VersionSet.Current
// and consult it without ever blocking a concurrent writer.
type Version struct {
	id uuid.UUID

	files [NumLevels][]*sstable.Meta

	memtables []*memtable.MemTable
	seqNum    uint64

	refs     atomic.Int32
	enteredEpoch uint64
	cleanupHandle epoch.ResourceHandle
	cleanupOnce   sync.Once
	mgr           *epoch.Manager
}

// Files returns the files at the given level. The returned slice must not
// be mutated.
func (v *Version) Files(level int) []*sstable.Meta {
	if level < 0 || level >= NumLevels {
		return nil
	}
	return v.files[level]
}

// Memtables returns the memtables captured in this snapshot, newest last.
func (v *Version) Memtables() []*memtable.MemTable { return v.memtables }

// SeqNum is the last sequence number visible in this snapshot.
func (v *Version) SeqNum() uint64 { return v.seqNum }

// ID returns a stable identifier for this Version, suitable for logging or
// cross-process correlation — unlike a pointer address, it survives being
// serialized to a remote memory node's manifest log.
func (v *Version) ID() string { return v.id.String() }

// Ref increments the reader refcount. Pair with Unref.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref decrements the refcount. The count is bookkeeping only: reclaiming
// a superseded Version is gated by the epoch manager's reader epochs, not
// by this count.
func (v *Version) Unref() {
	v.refs.Add(-1)
}

// NumLevelFiles returns the number of files at a level, for GetProperty and
// compaction scoring.
func (v *Version) NumLevelFiles(level int) int {
	return len(v.Files(level))
}

// OverlapInLevel reports whether any file at level overlaps [start, limit).
func (v *Version) OverlapInLevel(level int, start, limit ikey.Key) bool {
	for _, f := range v.Files(level) {
		if f.Overlaps(start, limit) {
			return true
		}
	}
	return false
}

// Set serializes all LogAndApply calls (spec.md §4.5: "a single writer
// applies edits; readers never block on it") and holds the current Version
// pointer that readers load without any lock.
type Set struct {
	mu sync.Mutex

	current atomic.Pointer[Version]

	nextFileNumber atomic.Uint64
	lastSequence   atomic.Uint64
	logNumber      atomic.Uint64
	comparatorName string

	epochMgr *epoch.Manager

	metrics setMetrics
}

type setMetrics struct {
	levelFiles       *prometheus.GaugeVec
	sequenceAlloc    prometheus.Counter
	logAndApplyTotal prometheus.Counter
}

// Options configures a new Set.
type Options struct {
	ComparatorName string
	EpochManager   *epoch.Manager
	Registerer     prometheus.Registerer
}

// New constructs a Set seeded with an empty initial Version.
func New(opts Options) (*Set, error) {
	if opts.EpochManager == nil {
		return nil, fmt.Errorf("version: EpochManager is required")
	}
	s := &Set{
		comparatorName: opts.ComparatorName,
		epochMgr:       opts.EpochManager,
	}
	s.nextFileNumber.Store(1)

	s.metrics.levelFiles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dlsm_level_files",
		Help: "Number of SSTables currently held at each LSM level.",
	}, []string{"level"})
	s.metrics.sequenceAlloc = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlsm_sequence_allocated_total",
		Help: "Total sequence numbers recorded into the version set.",
	})
	s.metrics.logAndApplyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlsm_log_and_apply_total",
		Help: "Total VersionEdit applications.",
	})
	if opts.Registerer != nil {
		for _, c := range []prometheus.Collector{s.metrics.levelFiles, s.metrics.sequenceAlloc, s.metrics.logAndApplyTotal} {
			_ = opts.Registerer.Register(c)
		}
	}

	empty := &Version{id: uuid.New()}
	empty.enteredEpoch = s.epochMgr.Enter()
	s.current.Store(empty)
	s.epochMgr.Exit(empty.enteredEpoch)

	return s, nil
}

// Current returns the live Version. Callers should Ref it before use if
// they intend to hold it across a suspension point, and Unref when done.
func (s *Set) Current() *Version {
	return s.current.Load()
}

// NextFileNumber atomically reserves and returns the next file number.
func (s *Set) NextFileNumber() uint64 {
	return s.nextFileNumber.Add(1) - 1
}

// LastSequence returns the last sequence number recorded via LogAndApply.
func (s *Set) LastSequence() uint64 {
	return s.lastSequence.Load()
}

// LogAndApply is the single-writer entry point from spec.md §4.5: it builds
// the next Version from the current one plus edit, publishes it, and
// arranges for the superseded Version to be reclaimed once no in-flight
// reader can still see it. liveMemtables is the current mem+imm set to
// carry forward into the new snapshot (spec.md §3's Version.memtables).
func (s *Set) LogAndApply(edit *Edit, liveMemtables []*memtable.MemTable) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if edit.LogNumber != 0 {
		s.logNumber.Store(edit.LogNumber)
	}
	if edit.NextFileNumber != 0 {
		for {
			cur := s.nextFileNumber.Load()
			if edit.NextFileNumber <= cur {
				break
			}
			if s.nextFileNumber.CompareAndSwap(cur, edit.NextFileNumber) {
				break
			}
		}
	}
	if edit.LastSequence != 0 {
		s.lastSequence.Store(edit.LastSequence)
		s.metrics.sequenceAlloc.Add(1)
	}

	prev := s.current.Load()

	next := &Version{id: uuid.New()}
	for level := 0; level < NumLevels; level++ {
		for _, f := range prev.files[level] {
			if _, deleted := edit.DeletedFiles[levelAndNumber{level, f.Number}]; !deleted {
				next.files[level] = append(next.files[level], f)
			}
		}
		next.files[level] = append(next.files[level], edit.AddedFiles[level]...)
		if level > 0 {
			sort.Slice(next.files[level], func(i, j int) bool {
				return next.files[level][i].SmallestKey.Compare(next.files[level][j].SmallestKey) < 0
			})
		}
		s.metrics.levelFiles.WithLabelValues(fmt.Sprintf("%d", level)).Set(float64(len(next.files[level])))
	}
	next.memtables = liveMemtables
	next.seqNum = s.lastSequence.Load()

	next.enteredEpoch = s.epochMgr.Enter()
	s.current.Store(next)
	s.epochMgr.Exit(next.enteredEpoch)

	// Advance the epoch so "entered before this swap" is a crisp boundary:
	// readers that looked up Current() before this point are in an epoch
	// strictly older than any reader arriving from now on, which is what
	// lets TryReclaim eventually collect prev.
	s.epochMgr.Advance()

	s.markForCleanup(prev)
	s.metrics.logAndApplyTotal.Add(1)

	return next, nil
}

// markForCleanup registers prev with the epoch manager so it is reclaimed
// once every reader that might have observed it has exited. prev's own
// Version struct carries no finalizer of its own — its files/memtables are
// owned by the version set and other Versions, so "cleanup" here only means
// dropping our reference to the Version value itself (and letting Go's GC
// collect it); this mirrors the teacher's use of epoch.MarkResourceForCleanup
// to defer exactly this kind of release.
func (s *Set) markForCleanup(v *Version) {
	if v == nil || v.id == uuid.Nil {
		return
	}
	handle := s.epochMgr.Register(v.enteredEpoch, func() {})
	v.cleanupOnce.Do(func() {
		s.epochMgr.MarkForCleanup(handle)
	})
}

// Reclaim drives the epoch manager's GC pass; callers (typically a
// background goroutine alongside the flush scheduler) should call this
// periodically or after every LogAndApply.
func (s *Set) Reclaim() int {
	return s.epochMgr.TryReclaim()
}
