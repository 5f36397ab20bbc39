package db

import (
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/engine"
	"github.com/INLOpen/seriesdb/hooks"
)

// DefaultCacheCapacity is the number of table handles kept by default.
const DefaultCacheCapacity = 1024

// Handle cache weights. A normal handle costs 16 units and a TTL handle
// 12 plus the length of its tail anchor. The cache holds CacheCapacity * 20.
const (
	cacheWeightPerHandle = 20
	normalHandleWeight   = 16
	ttlHandleBaseWeight  = 12
)

// Options configures a DB.
type Options struct {
	Path string

	// TTLEnabled selects timestamped value framing for every table. It is
	// persisted at creation and must match on every later open.
	TTLEnabled bool
	// TTL is the age after which a record may be dropped by compaction.
	TTL time.Duration

	// CacheCapacity bounds the number of cached table handles.
	CacheCapacity int

	// Engine configures the storage engine. Dir, MergeOperator and
	// CompactionFilterFactory are owned by the DB and overwritten at open.
	Engine engine.Options

	Clock       core.Clock
	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// DefaultOptions returns the options used for a database stored at path.
func DefaultOptions(path string) Options {
	return Options{
		Path:          path,
		CacheCapacity: DefaultCacheCapacity,
		Engine:        engine.DefaultOptions(path),
	}
}

func (o *Options) applyDefaults() {
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = DefaultCacheCapacity
	}
	if o.Clock == nil {
		o.Clock = core.SystemClock
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NopHookManager{}
	}
}
