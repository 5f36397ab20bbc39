package engine

import (
	"log/slog"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/hooks"
	"go.opentelemetry.io/otel/trace"
)

// Options configures an Engine. Zero values fall back to DefaultOptions.
type Options struct {
	Dir string

	// WriteBufferSize is the size at which the active memtable is sealed.
	WriteBufferSize int64
	// MaxWriteBufferNumber bounds the number of memtables, active included.
	// Writers stall while the limit is reached.
	MaxWriteBufferNumber int
	// MinWriteBufferNumberToMerge is the number of sealed memtables flushed
	// together into one sstable.
	MinWriteBufferNumberToMerge int

	// MaxBytesForLevelBase bounds the total size of level 0 before a
	// compaction is forced.
	MaxBytesForLevelBase int64
	// TargetFileSizeBase splits compaction output into files of about this size.
	TargetFileSizeBase     int64
	L0CompactionTrigger    int
	MaxBackgroundJobs      int
	DisableAutoCompactions bool

	Compression       core.CompressionType
	BlockSize         int
	BloomFilterFPRate float64
	BlockCacheSize    int64

	WALSync        bool
	WALSegmentSize int64
	// WALTTL and WALSizeLimit retain flushed WAL segments for the change
	// feed. With both zero, segments are deleted as soon as they are flushed.
	WALTTL       time.Duration
	WALSizeLimit int64

	CompactionFilterFactory CompactionFilterFactory
	MergeOperator           core.MergeOperator

	// MetricsPrefix publishes the engine counters under expvar names with
	// this prefix. Empty keeps them private to the engine.
	MetricsPrefix string

	Clock       core.Clock
	Logger      *slog.Logger
	Tracer      trace.Tracer
	HookManager hooks.HookManager
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                         dir,
		WriteBufferSize:             128 << 20,
		MaxWriteBufferNumber:        4,
		MinWriteBufferNumberToMerge: 2,
		MaxBytesForLevelBase:        1 << 30,
		TargetFileSizeBase:          128 << 20,
		L0CompactionTrigger:         4,
		MaxBackgroundJobs:           4,
		Compression:                 core.CompressionSnappy,
		BlockSize:                   4 << 10,
		BloomFilterFPRate:           0.01,
		BlockCacheSize:              8 << 20,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions(o.Dir)
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = d.WriteBufferSize
	}
	if o.MaxWriteBufferNumber < 2 {
		o.MaxWriteBufferNumber = d.MaxWriteBufferNumber
	}
	if o.MinWriteBufferNumberToMerge <= 0 {
		o.MinWriteBufferNumberToMerge = d.MinWriteBufferNumberToMerge
	}
	if o.MaxBytesForLevelBase <= 0 {
		o.MaxBytesForLevelBase = d.MaxBytesForLevelBase
	}
	if o.TargetFileSizeBase <= 0 {
		o.TargetFileSizeBase = d.TargetFileSizeBase
	}
	if o.L0CompactionTrigger <= 0 {
		o.L0CompactionTrigger = d.L0CompactionTrigger
	}
	if o.MaxBackgroundJobs <= 0 {
		o.MaxBackgroundJobs = d.MaxBackgroundJobs
	}
	if o.BlockSize <= 0 {
		o.BlockSize = d.BlockSize
	}
	if o.BloomFilterFPRate <= 0 || o.BloomFilterFPRate >= 1 {
		o.BloomFilterFPRate = d.BloomFilterFPRate
	}
	if o.Clock == nil {
		o.Clock = core.SystemClock
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NopHookManager{}
	}
}

// flushThreshold is the number of sealed memtables that triggers a flush.
// It never exceeds what MaxWriteBufferNumber allows, so stalled writers
// always get unblocked.
func (o *Options) flushThreshold() int {
	return max(1, min(o.MinWriteBufferNumberToMerge, o.MaxWriteBufferNumber-1))
}

// CompactionDecision is the verdict of a CompactionFilter on one key.
type CompactionDecision int

const (
	// Keep leaves the entry in place.
	Keep CompactionDecision = iota
	// Remove drops the key from the compaction output.
	Remove
)

// CompactionFilter inspects the newest value of every key rewritten by a
// compaction. If the filter also implements io.Closer it is closed when the
// compaction ends.
type CompactionFilter interface {
	Name() string
	Filter(level int, key, value []byte) CompactionDecision
}

// CompactionFilterContext describes the compaction a filter is created for.
type CompactionFilterContext struct {
	Manual         bool
	FullCompaction bool
}

// CompactionFilterFactory creates one filter per compaction run.
type CompactionFilterFactory interface {
	Name() string
	CreateCompactionFilter(ctx CompactionFilterContext) CompactionFilter
}
