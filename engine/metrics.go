package engine

import (
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// Metrics holds the expvar counters of one Engine.
type Metrics struct {
	WritesTotal           *expvar.Int
	WriteOpsTotal         *expvar.Int
	WriteErrorsTotal      *expvar.Int
	WriteStallsTotal      *expvar.Int
	GetsTotal             *expvar.Int
	IteratorsTotal        *expvar.Int
	FlushTotal            *expvar.Int
	FlushErrorsTotal      *expvar.Int
	FlushBytesTotal       *expvar.Int
	CompactionTotal       *expvar.Int
	CompactionErrorsTotal *expvar.Int
	CompactionBytesTotal  *expvar.Int
	CompactionDropped     *expvar.Int
	SSTablesCreatedTotal  *expvar.Int
	SSTablesDeletedTotal  *expvar.Int
	WALBytesWrittenTotal  *expvar.Int
	WALBatchesTotal       *expvar.Int
	WALPurgedSegments     *expvar.Int
	CacheHits             *expvar.Int
	CacheMisses           *expvar.Int

	latencyMu    sync.Mutex
	writeLatency *tdigest.TDigest
}

func newMetrics(prefix string) (*Metrics, error) {
	newInt := func(name string) *expvar.Int {
		if prefix == "" {
			return new(expvar.Int)
		}
		return publishExpvarInt(prefix + name)
	}
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &Metrics{
		WritesTotal:           newInt("writes_total"),
		WriteOpsTotal:         newInt("write_ops_total"),
		WriteErrorsTotal:      newInt("write_errors_total"),
		WriteStallsTotal:      newInt("write_stalls_total"),
		GetsTotal:             newInt("gets_total"),
		IteratorsTotal:        newInt("iterators_total"),
		FlushTotal:            newInt("flush_total"),
		FlushErrorsTotal:      newInt("flush_errors_total"),
		FlushBytesTotal:       newInt("flush_bytes_total"),
		CompactionTotal:       newInt("compaction_total"),
		CompactionErrorsTotal: newInt("compaction_errors_total"),
		CompactionBytesTotal:  newInt("compaction_bytes_total"),
		CompactionDropped:     newInt("compaction_filter_dropped_total"),
		SSTablesCreatedTotal:  newInt("sstables_created_total"),
		SSTablesDeletedTotal:  newInt("sstables_deleted_total"),
		WALBytesWrittenTotal:  newInt("wal_bytes_written_total"),
		WALBatchesTotal:       newInt("wal_batches_written_total"),
		WALPurgedSegments:     newInt("wal_purged_segments_total"),
		CacheHits:             newInt("block_cache_hits"),
		CacheMisses:           newInt("block_cache_misses"),
		writeLatency:          td,
	}, nil
}

// publishExpvarInt returns the published Int called name, creating it if needed.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

func (m *Metrics) observeWrite(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	// Add only fails for NaN or non-positive weights.
	_ = m.writeLatency.Add(float64(d.Nanoseconds()))
}

// WriteLatency returns the q-quantile of observed write latencies.
func (m *Metrics) WriteLatency(q float64) time.Duration {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	if m.writeLatency.Count() == 0 {
		return 0
	}
	return time.Duration(m.writeLatency.Quantile(q))
}
