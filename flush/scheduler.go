// Package flush implements the FlushScheduler from spec.md §4.4: it takes
// immutable, flush-requested MemTables off a queue, waits for their write
// window to fully apply, and turns them into SSTables via an external
// sstable.Builder, publishing the result through a version.Set.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlsm-io/dlsm/memtable"
	"github.com/dlsm-io/dlsm/sstable"
	"github.com/dlsm-io/dlsm/version"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrSchedulerClosed is returned by Enqueue once Close has been called.
var ErrSchedulerClosed = errors.New("flush: scheduler is closed")

// BuilderFactory constructs a fresh sstable.Builder for one flush job,
// given the file number the scheduler reserved for it.
type BuilderFactory func(fileNumber uint64) sstable.Builder

// LevelPicker chooses the target level for a freshly flushed table, given
// its key range and entry count (spec.md §4.4's pick_level_for_memtable_output).
type LevelPicker func(meta *sstable.Meta) int

// Options configures a Scheduler.
type Options struct {
	Workers        int
	Versions       *version.Set
	NewBuilder     BuilderFactory
	PickLevel      LevelPicker
	Logger         *slog.Logger
	Registerer     prometheus.Registerer
	PollInterval   time.Duration // bound on the able-to-flush spin wait

	// OnFlushed, if set, is called after a memtable has been durably
	// registered in a new Version and marked Flushed. The rotator uses
	// this to clear its single immutable-memtable slot and wake any
	// writer blocked on rotation backpressure.
	OnFlushed func(*memtable.MemTable)
}

// Scheduler owns the immutable-memtable flush pipeline.
type Scheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*memtable.MemTable
	inFlight int

	workers      int
	pollInterval time.Duration

	versions   *version.Set
	newBuilder BuilderFactory
	pickLevel  LevelPicker
	logger     *slog.Logger
	onFlushed  func(*memtable.MemTable)

	bgErr atomic.Pointer[error]

	closed   atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	metrics schedulerMetrics
}

type schedulerMetrics struct {
	flushDuration prometheus.Histogram
	rotationsTotal prometheus.Counter
	queueDepth    prometheus.Gauge
}

// New returns a running Scheduler. Call Close to drain and stop it.
func New(opts Options) (*Scheduler, error) {
	if opts.Versions == nil {
		return nil, fmt.Errorf("flush: Versions is required")
	}
	if opts.NewBuilder == nil {
		return nil, fmt.Errorf("flush: NewBuilder is required")
	}
	if opts.PickLevel == nil {
		opts.PickLevel = func(*sstable.Meta) int { return 0 }
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Scheduler{
		workers:      opts.Workers,
		pollInterval: opts.PollInterval,
		versions:     opts.Versions,
		newBuilder:   opts.NewBuilder,
		pickLevel:    opts.PickLevel,
		logger:       opts.Logger,
		onFlushed:    opts.OnFlushed,
		stopCh:       make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	s.metrics.flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dlsm_flush_duration_seconds",
		Help:    "Time spent flushing one immutable memtable to an SSTable.",
		Buckets: prometheus.DefBuckets,
	})
	s.metrics.rotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlsm_rotations_total",
		Help: "Total memtable rotations handed to the flush scheduler.",
	})
	s.metrics.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlsm_flush_queue_depth",
		Help: "Number of immutable memtables waiting to be flushed.",
	})
	if opts.Registerer != nil {
		for _, c := range []prometheus.Collector{s.metrics.flushDuration, s.metrics.rotationsTotal, s.metrics.queueDepth} {
			_ = opts.Registerer.Register(c)
		}
	}

	return s, nil
}

// Enqueue hands a flush-requested MemTable to the scheduler (the rotator's
// single call site, per spec.md §4.3/§4.4's ownership split). It takes a
// reference on mt that is released once the flush completes or fails.
func (s *Scheduler) Enqueue(mt *memtable.MemTable) error {
	if s.closed.Load() {
		return ErrSchedulerClosed
	}
	if err := mt.MarkFlushRequested(); err != nil {
		return fmt.Errorf("flush: enqueue: %w", err)
	}
	mt.Ref()

	s.mu.Lock()
	s.queue = append(s.queue, mt)
	s.metrics.queueDepth.Set(float64(len(s.queue)))
	s.metrics.rotationsTotal.Add(1)
	s.mu.Unlock()

	s.maybeSchedule()
	s.cond.Broadcast()
	return nil
}

// NotifyApplied wakes any worker waiting on a memtable's write window to
// complete. The write path calls this after every applied insert so a
// worker's bounded spin wait can resolve promptly instead of purely on a
// timer (spec.md §9's condition-variable-wait modeling).
func (s *Scheduler) NotifyApplied() {
	s.cond.Broadcast()
}

// maybeSchedule is the idempotent scheduling check from spec.md §4.4: if
// there is queued work and spare worker capacity, start a worker. Safe to
// call redundantly.
func (s *Scheduler) maybeSchedule() {
	s.mu.Lock()
	if s.closed.Load() || len(s.queue) == 0 || s.inFlight >= s.workers {
		s.mu.Unlock()
		return
	}
	mt := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight++
	s.metrics.queueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.compactMemtable(mt)

		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
		s.maybeSchedule()
	}()
}

// compactMemtable is the worker loop body from spec.md §4.4: await
// able_to_flush, mark FlushScheduled, build the SSTable, publish it via
// LogAndApply, release the memtable's reference, and surface any error as
// a sticky background error.
func (s *Scheduler) compactMemtable(mt *memtable.MemTable) {
	defer mt.Unref()

	if err := s.waitUntilAbleToFlush(mt); err != nil {
		s.setBackgroundError(err)
		return
	}

	if err := mt.MarkFlushScheduled(); err != nil {
		s.setBackgroundError(fmt.Errorf("flush: schedule: %w", err))
		return
	}

	start := nowFunc()
	fileNum := s.versions.NextFileNumber()
	builder := s.newBuilder(fileNum)

	it := mt.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := builder.Add(it.Key(), it.Value()); err != nil {
			s.setBackgroundError(fmt.Errorf("flush: building table %d: %w", fileNum, err))
			return
		}
	}
	if err := builder.Finish(); err != nil {
		s.setBackgroundError(fmt.Errorf("flush: finishing table %d: %w", fileNum, err))
		return
	}

	meta := &sstable.Meta{
		Number:      fileNum,
		FileSize:    builder.EstimatedSize(),
		NumEntries:  builder.NumEntries(),
		SmallestKey: builder.SmallestKey(),
		LargestKey:  builder.LargestKey(),
		DataChunks:  builder.Chunks(),
	}
	level := s.pickLevel(meta)

	edit := version.NewEdit()
	edit.AddFile(level, meta)
	edit.LastSequence = mt.LargestSeq()

	current := s.versions.Current()
	remaining := make([]*memtable.MemTable, 0, len(current.Memtables()))
	for _, m := range current.Memtables() {
		if m != mt {
			remaining = append(remaining, m)
		}
	}

	if _, err := s.versions.LogAndApply(edit, remaining); err != nil {
		s.setBackgroundError(fmt.Errorf("flush: applying version edit for table %d: %w", fileNum, err))
		return
	}

	if err := mt.MarkFlushed(); err != nil {
		s.setBackgroundError(fmt.Errorf("flush: mark flushed: %w", err))
		return
	}

	s.metrics.flushDuration.Observe(nowFunc().Sub(start).Seconds())
	s.logger.Info("flushed memtable", "file_number", fileNum, "level", level, "entries", meta.NumEntries)

	if s.onFlushed != nil {
		s.onFlushed(mt)
	}
}

// waitUntilAbleToFlush blocks until mt.AbleToFlush() is true, per spec.md
// §4.4's "wait for the write window to fully apply" step. It uses a bounded
// spin (cond.Wait with a periodic poll timer) rather than a pure busy loop.
func (s *Scheduler) waitUntilAbleToFlush(mt *memtable.MemTable) error {
	if mt.AbleToFlush() {
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(s.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.cond.Broadcast()
			case <-done:
				return
			}
		}
	}()

	s.mu.Lock()
	for !mt.AbleToFlush() && !s.closed.Load() {
		s.cond.Wait()
	}
	closed := s.closed.Load()
	s.mu.Unlock()

	if closed && !mt.AbleToFlush() {
		return fmt.Errorf("flush: scheduler closed while awaiting window completion for table window [%d,%d]", mt.FirstSeq(), mt.LargestSeq())
	}
	return nil
}

// BackgroundError returns the first error a worker observed, if any,
// matching the sticky background-error contract from spec.md §7.
func (s *Scheduler) BackgroundError() error {
	p := s.bgErr.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *Scheduler) setBackgroundError(err error) {
	s.bgErr.CompareAndSwap(nil, &err)
	s.logger.Error("flush worker failed", "error", err)
}

// Close stops accepting new work, wakes any blocked worker, and waits for
// in-flight flushes to finish or abort.
func (s *Scheduler) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	s.cond.Broadcast()

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nowFunc is indirected so tests could substitute a fake clock; production
// code always uses time.Now.
var nowFunc = time.Now
