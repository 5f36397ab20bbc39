package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/seriesdb/cache"
	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/engine"
	"github.com/INLOpen/seriesdb/hooks"
	"golang.org/x/sync/singleflight"
)

// DB multiplexes any number of named tables over the single ordered
// keyspace of one engine. Every key is prefixed with the 4-byte id of its
// table, ids are resolved through two reserved registry tables.
type DB struct {
	opts   Options
	engine *engine.Engine
	logger *slog.Logger
	hooks  hooks.HookManager
	clock  core.Clock

	handles     *cache.LRUCache[string, Table]
	lastTableID atomic.Uint32
	createGroup singleflight.Group
	// regMu orders destroy and rename against everything else touching the
	// registry. Creations and handle caching only share it.
	regMu sync.RWMutex

	filterStats *filterStats
	closed      atomic.Bool
}

// Open opens or creates the database at opts.Path.
func Open(opts Options) (*DB, error) {
	opts.applyDefaults()
	if opts.Path == "" {
		return nil, errors.New("db path must not be empty")
	}
	if opts.TTLEnabled && opts.TTL < time.Second {
		return nil, fmt.Errorf("ttl must be at least 1s when ttl is enabled, got %s", opts.TTL)
	}

	d := &DB{
		opts:        opts,
		logger:      opts.Logger.With("component", "DB"),
		hooks:       opts.HookManager,
		clock:       opts.Clock,
		filterStats: newFilterStats(opts.Engine.MetricsPrefix),
	}
	d.handles = cache.NewLRUCache[string, Table](
		int64(opts.CacheCapacity)*cacheWeightPerHandle,
		func(_ string, t Table) int64 { return t.weight() },
		nil,
	)

	engOpts := opts.Engine
	engOpts.Dir = opts.Path
	engOpts.MergeOperator = firstWriteWins{}
	if engOpts.Logger == nil {
		engOpts.Logger = opts.Logger
	}
	if engOpts.Clock == nil {
		engOpts.Clock = opts.Clock
	}
	if engOpts.HookManager == nil {
		engOpts.HookManager = opts.HookManager
	}
	var factory *ttlFilterFactory
	if opts.TTLEnabled {
		factory = newTTLFilterFactory(opts.TTL, opts.Clock, opts.Logger, d.filterStats)
		engOpts.CompactionFilterFactory = factory
	} else {
		engOpts.CompactionFilterFactory = nil
	}

	eng, err := engine.Open(engOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine at %s: %w", opts.Path, err)
	}
	d.engine = eng
	if factory != nil {
		factory.attach(eng)
	}

	if err := d.init(context.Background()); err != nil {
		if closeErr := eng.Close(); closeErr != nil {
			d.logger.Error("Failed to close engine after init error", "error", closeErr)
		}
		return nil, err
	}
	d.logger.Info("Database opened", "path", opts.Path, "ttl_enabled", opts.TTLEnabled, "last_table_id", d.lastTableID.Load())
	return d, nil
}

func (d *DB) init(ctx context.Context) error {
	if err := d.ensurePlaceholder(ctx); err != nil {
		return err
	}
	if err := d.ensureTTLEnabledConsistent(ctx); err != nil {
		return err
	}
	last, err := d.loadLastTableID(ctx)
	if err != nil {
		return err
	}
	d.lastTableID.Store(uint32(last))
	return nil
}

// ensurePlaceholder writes the info placeholder once so that a fresh
// database is never an empty keyspace.
func (d *DB) ensurePlaceholder(ctx context.Context) error {
	key := core.BuildInfoItemKey(core.PlaceholderItemID)
	_, err := d.engine.Get(ctx, key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("failed to read placeholder: %w", err)
	}
	if _, err := d.engine.Put(ctx, key, []byte{0, 0}); err != nil {
		return fmt.Errorf("failed to write placeholder: %w", err)
	}
	return nil
}

func (d *DB) ensureTTLEnabledConsistent(ctx context.Context) error {
	key := core.BuildInfoItemKey(core.TTLItemID)
	v, err := d.engine.Get(ctx, key)
	switch {
	case errors.Is(err, core.ErrNotFound):
		flag := byte(0)
		if d.opts.TTLEnabled {
			flag = 1
		}
		if _, err := d.engine.Put(ctx, key, []byte{flag}); err != nil {
			return fmt.Errorf("failed to persist ttl flag: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read ttl flag: %w", err)
	}
	current := len(v) > 0 && v[0] == 1
	if current != d.opts.TTLEnabled {
		return &core.InconsistentTTLEnabledError{Current: current, Wanted: d.opts.TTLEnabled}
	}
	return nil
}

// loadLastTableID returns the largest registered id, or the id right below
// the userland range on an empty registry.
func (d *DB) loadLastTableID(ctx context.Context) (core.TableID, error) {
	it, err := d.engine.NewIterator(ctx, engine.IterOptions{
		LowerBound: core.BuildHeadAnchor(core.IDToNameTableID),
		UpperBound: core.BuildTailAnchor(core.IDToNameTableID),
	})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	if !it.Last() {
		if err := it.Error(); err != nil {
			return 0, fmt.Errorf("failed to scan table registry: %w", err)
		}
		return core.MinUserlandTableID - 1, nil
	}
	userKey, err := core.ExtractUserKey(it.Key())
	if err != nil {
		return 0, err
	}
	id, err := core.TableIDFromBytes(userKey)
	if err != nil {
		return 0, fmt.Errorf("malformed id->name record: %w", err)
	}
	return id, nil
}

// Close closes the database. Table handles must not be used afterwards.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.handles.Clear()
	return d.engine.Close()
}

// Destroy removes every file of the database stored at path.
func Destroy(path string) error {
	return engine.Destroy(path)
}

// Path returns the directory the database lives in.
func (d *DB) Path() string {
	return d.opts.Path
}

// TTLEnabled reports whether tables frame their values with timestamps.
func (d *DB) TTLEnabled() bool {
	return d.opts.TTLEnabled
}

// Flush persists every memtable to sstables.
func (d *DB) Flush(ctx context.Context) error {
	return d.engine.Flush(ctx)
}

// CompactRange compacts the whole keyspace, running the TTL filter when
// enabled.
func (d *DB) CompactRange(ctx context.Context) error {
	return d.engine.CompactRange(ctx)
}

// Stats returns a snapshot of the engine statistics.
func (d *DB) Stats() engine.Stats {
	return d.engine.Stats()
}

// Write commits a cross-table batch atomically.
func (d *DB) Write(ctx context.Context, batch *WriteBatchX) error {
	if d.closed.Load() {
		return core.ErrClosed
	}
	_, err := d.engine.Write(ctx, batch.batch)
	return err
}

// firstWriteWins resolves concurrent registrations of a name or id: the
// oldest value is kept and later operands are ignored.
type firstWriteWins struct{}

func (firstWriteWins) Name() string { return "seriesdb.FirstWriteWins" }

func (firstWriteWins) FullMerge(_, existing []byte, hasExisting bool, operands [][]byte) ([]byte, error) {
	if hasExisting {
		return existing, nil
	}
	if len(operands) == 0 {
		return nil, nil
	}
	return operands[0], nil
}
