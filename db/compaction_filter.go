package db

import (
	"context"
	"expvar"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/engine"
)

// filterStats counts the decisions of the TTL compaction filter.
type filterStats struct {
	kept      *expvar.Int
	expired   *expvar.Int
	protected *expvar.Int
}

func newFilterStats(prefix string) *filterStats {
	newInt := func(name string) *expvar.Int {
		if prefix == "" {
			return new(expvar.Int)
		}
		if v, ok := expvar.Get(prefix + name).(*expvar.Int); ok {
			return v
		}
		return expvar.NewInt(prefix + name)
	}
	return &filterStats{
		kept:      newInt("ttl_filter_kept_total"),
		expired:   newInt("ttl_filter_expired_total"),
		protected: newInt("ttl_filter_protected_total"),
	}
}

// FilterStats is a point-in-time copy of the TTL filter counters.
type FilterStats struct {
	Kept      int64
	Expired   int64
	Protected int64
}

// CompactionFilterStats returns the TTL filter counters of this DB.
func (d *DB) CompactionFilterStats() FilterStats {
	return FilterStats{
		Kept:      d.filterStats.kept.Value(),
		Expired:   d.filterStats.expired.Value(),
		Protected: d.filterStats.protected.Value(),
	}
}

// ttlFilterFactory creates one ttlCompactionFilter per compaction run.
type ttlFilterFactory struct {
	ttl    uint32
	clock  core.Clock
	logger *slog.Logger
	stats  *filterStats
	engine atomic.Pointer[engine.Engine]
}

var _ engine.CompactionFilterFactory = (*ttlFilterFactory)(nil)

func newTTLFilterFactory(ttl time.Duration, clock core.Clock, logger *slog.Logger, stats *filterStats) *ttlFilterFactory {
	return &ttlFilterFactory{
		ttl:    ttlSeconds(ttl),
		clock:  clock,
		logger: logger.With("component", "TTLCompactionFilter"),
		stats:  stats,
	}
}

// ttlSeconds converts ttl to the whole seconds compared against record
// timestamps, clamped to [1, math.MaxUint32].
func ttlSeconds(ttl time.Duration) uint32 {
	secs := ttl / time.Second
	switch {
	case secs < 1:
		return 1
	case secs > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(secs)
}

// attach hands the opened engine to the factory. Filters created before
// attach run without a view and keep every record.
func (f *ttlFilterFactory) attach(e *engine.Engine) {
	f.engine.Store(e)
}

func (f *ttlFilterFactory) Name() string { return "seriesdb.TTLCompactionFilterFactory" }

func (f *ttlFilterFactory) CreateCompactionFilter(ctx engine.CompactionFilterContext) engine.CompactionFilter {
	var snapshot *engine.Snapshot
	if e := f.engine.Load(); e != nil {
		s, err := e.NewSnapshot()
		if err != nil {
			f.logger.Warn("Failed to open view for ttl filter, keeping all records", "error", err)
		} else {
			snapshot = s
		}
	} else {
		f.logger.Warn("Engine not attached to ttl filter, keeping all records")
	}
	return &ttlCompactionFilter{
		ttl:        f.ttl,
		now:        core.UnixSeconds(f.clock),
		comparator: newMaxKeyComparator(snapshot),
		stats:      f.stats,
	}
}

// ttlCompactionFilter drops records older than the TTL, except the largest
// key of each table, which always survives.
type ttlCompactionFilter struct {
	ttl        uint32
	now        uint32
	comparator *maxKeyComparator
	stats      *filterStats
}

func (f *ttlCompactionFilter) Name() string { return "seriesdb.TTLCompactionFilter" }

func (f *ttlCompactionFilter) Filter(_ int, key, value []byte) engine.CompactionDecision {
	if len(key) < core.TableIDLen || len(value) < core.TimestampLen {
		f.stats.kept.Add(1)
		return engine.Keep
	}
	id, err := core.ExtractTableID(key)
	if err != nil || id.IsReserved() {
		f.stats.kept.Add(1)
		return engine.Keep
	}
	ts, err := core.ExtractTimestamp(value)
	if err != nil || ts > f.now || f.now-ts <= f.ttl {
		f.stats.kept.Add(1)
		return engine.Keep
	}
	if f.comparator.compare(context.Background(), id, key) != keyLess {
		f.stats.protected.Add(1)
		return engine.Keep
	}
	f.stats.expired.Add(1)
	return engine.Remove
}

// Close releases the filter's view.
func (f *ttlCompactionFilter) Close() error {
	f.comparator.release()
	return nil
}
