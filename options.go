package dlsm

import (
	"log/slog"
	"os"
	"time"

	"github.com/dlsm-io/dlsm/rdmatransport"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// Size bounds from spec.md §6, clipped rather than rejected outright for
// the byte-oriented knobs (WriteBufferSize, MaxFileSize, BlockSize) so a
// slightly-out-of-range caller config still opens; MaxOpenFiles and
// MemTableWindowSize are hard validation failures since they shape
// correctness-relevant structures, not just tuning.
const (
	minWriteBufferSize = 64 * KiB
	maxWriteBufferSize = 1 * GiB

	minFileSize = 1 * MiB
	maxFileSize = 1 * GiB

	minBlockSize = 1 * KiB
	maxBlockSize = 4 * MiB

	minOpenFiles = 74
	maxOpenFiles = 50000
)

var (
	DefaultWriteBufferSize   = 4 * MiB
	DefaultMaxFileSize       = 64 * MiB
	DefaultBlockSize         = 4 * KiB
	DefaultMaxOpenFiles      = 1000
	DefaultFlushWorkers      = 2
	DefaultFlushPollInterval = 2 * time.Millisecond

	// DefaultMemTableWindowSize is the number of sequence numbers a single
	// MemTable is authorized to hold before it becomes eligible for
	// rotation (spec.md §4.3's MEMTABLE_SEQ_SIZE).
	DefaultMemTableWindowSize uint64 = 4096
)

// Options configures an Engine. Mirrors the shape of a storage engine's
// options struct: a flat bag of tunables with defaults, clipped ranges,
// and a Validate/Clone pair.
type Options struct {
	// MemTableWindowSize is the number of sequence numbers each MemTable
	// covers before the rotator retires it (spec.md §4.2/§4.3).
	MemTableWindowSize uint64

	// WriteBufferSize informs callers how large a memtable is expected to
	// grow in bytes. Validate clips it into range; nothing else reads it,
	// and memtable size is governed by MemTableWindowSize alone.
	WriteBufferSize int

	// MaxFileSize is the intended size bound for a flushed SSTable.
	// Validate clips it into range; the flush path does not read it, so a
	// flushed table holds a whole memtable window regardless of size.
	MaxFileSize int64

	// BlockSize is advisory sizing information. Validate clips it into
	// range; it is not passed to the sstable.Builder and nothing reads it.
	BlockSize int

	// MaxOpenFiles is validated against its range on Open; the engine does
	// not read it and places no limit on open chunk reads.
	MaxOpenFiles int

	// FlushWorkers is the size of the flush scheduler's worker pool.
	FlushWorkers int

	// FlushPollInterval bounds the flush worker's spin wait for a
	// memtable's write window to finish applying (spec.md §9's
	// condition-variable-wait modeling).
	FlushPollInterval time.Duration

	// Transport is the RDMA fabric collaborator used to durably store
	// flushed SSTable chunks. Required.
	Transport rdmatransport.Transport

	// StorageNode is the memory node new SSTables are written to. This
	// engine does not implement placement/replication policy across
	// multiple nodes (spec.md §1's Non-goals); callers needing that
	// supply a Transport implementation that fans out internally.
	StorageNode rdmatransport.NodeID

	// Registerer, if non-nil, receives the Prometheus collectors this
	// engine and its components expose.
	Registerer prometheus.Registerer

	// Logger receives structured, leveled diagnostics.
	Logger *slog.Logger

	// ParanoidChecks is carried in Options but no code path reads it;
	// setting it has no effect on reads, writes or iteration.
	ParanoidChecks bool
}

// DefaultOptions returns sensible defaults for a single-node development or
// test setup. Transport and StorageNode still need to be supplied by the
// caller; there is no meaningful default for "which memory node".
func DefaultOptions() *Options {
	return &Options{
		MemTableWindowSize: DefaultMemTableWindowSize,
		WriteBufferSize:    DefaultWriteBufferSize,
		MaxFileSize:        int64(DefaultMaxFileSize),
		BlockSize:          DefaultBlockSize,
		MaxOpenFiles:       DefaultMaxOpenFiles,
		FlushWorkers:       DefaultFlushWorkers,
		FlushPollInterval:  DefaultFlushPollInterval,
		Logger:             DefaultLogger(),
	}
}

// Validate checks the options for internal consistency, clipping
// byte-oriented ranges into bounds rather than failing on them.
func (o *Options) Validate() error {
	if o.MemTableWindowSize == 0 {
		return ErrInvalidMemTableWindowSize
	}
	if o.MaxOpenFiles < minOpenFiles || o.MaxOpenFiles > maxOpenFiles {
		return ErrInvalidMaxOpenFiles
	}
	if o.FlushWorkers <= 0 {
		return ErrInvalidFlushWorkers
	}
	if o.Transport == nil {
		return ErrInvalidTransport
	}

	o.WriteBufferSize = clipInt(o.WriteBufferSize, minWriteBufferSize, maxWriteBufferSize)
	o.MaxFileSize = clipInt64(o.MaxFileSize, minFileSize, maxFileSize)
	o.BlockSize = clipInt(o.BlockSize, minBlockSize, maxBlockSize)

	if o.Logger == nil {
		o.Logger = DefaultLogger()
	}
	if o.FlushPollInterval <= 0 {
		o.FlushPollInterval = DefaultFlushPollInterval
	}
	return nil
}

// Clone returns a shallow copy of o; Transport and Registerer are shared by
// reference since they represent external collaborators, not owned state.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

func clipInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clipInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// DefaultLogger logs warnings and above.
func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

// DebugLogger logs everything, useful when diagnosing rotation/flush
// ordering issues.
func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
