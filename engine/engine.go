package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/hooks"
	"github.com/INLOpen/seriesdb/memtable"
	"github.com/INLOpen/seriesdb/sstable"
	"github.com/INLOpen/seriesdb/sys"
	"github.com/INLOpen/seriesdb/wal"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrSnapshotReleased is returned when reading through a released snapshot.
	ErrSnapshotReleased = errors.New("snapshot has been released")
)

// tableHandle reference counts an open sstable. The engine holds one
// reference while the table is live; read views hold one each. The file is
// closed when the last reference goes, and deleted if a compaction made it
// obsolete.
type tableHandle struct {
	e        *Engine
	sst      *sstable.SSTable
	level    int
	refs     atomic.Int32
	obsolete atomic.Bool
}

func (e *Engine) newTableHandle(sst *sstable.SSTable, level int) *tableHandle {
	h := &tableHandle{e: e, sst: sst, level: level}
	h.refs.Store(1)
	return h
}

func (h *tableHandle) ref() {
	h.refs.Add(1)
}

func (h *tableHandle) unref() {
	if h.refs.Add(-1) != 0 {
		return
	}
	path := h.sst.Path()
	if err := h.sst.Close(); err != nil {
		h.e.logger.Warn("Failed to close sstable", "path", path, "error", err)
	}
	if !h.obsolete.Load() {
		return
	}
	h.e.hooks.Trigger(context.Background(), hooks.NewPreSSTableDeleteEvent(hooks.SSTablePayload{ID: h.sst.ID(), Path: path, Size: h.sst.Size()}))
	if err := sys.SafeRemove(path); err != nil {
		h.e.logger.Warn("Failed to remove obsolete sstable", "path", path, "error", err)
		return
	}
	h.e.metrics.SSTablesDeletedTotal.Add(1)
}

// Engine is an embedded, ordered, log-structured key-value store. Writes go
// to a WAL and a memtable; sealed memtables are flushed to sstables which are
// merged by compaction. Every write op is numbered with a sequence number.
type Engine struct {
	opts       Options
	dir        string
	sstDir     string
	logger     *slog.Logger
	tracer     trace.Tracer
	hooks      hooks.HookManager
	metrics    *Metrics
	lock       *sys.DirLock
	wal        *wal.WAL
	blockCache *sstable.BlockCache

	// writeMu serializes writers; mu guards the state below.
	writeMu   sync.Mutex
	mu        sync.RWMutex
	stallCond *sync.Cond

	mem            *memtable.Memtable
	imm            []*memtable.Memtable // oldest first
	tables         []*tableHandle       // oldest first
	snapshots      map[*Snapshot]struct{}
	flushedSeq     uint64
	nextFileNumber uint64
	bgErr          error

	lastSeq atomic.Uint64
	closed  atomic.Bool

	flushMu   sync.Mutex
	compactMu sync.Mutex
	sem       *semaphore.Weighted
	flushCh   chan struct{}
	compactCh chan struct{}
	bgCancel  context.CancelFunc
	bgWG      sync.WaitGroup
}

// Open opens or creates the engine rooted at opts.Dir. Only one Engine may
// hold a directory at a time.
func Open(opts Options) (*Engine, error) {
	if opts.Dir == "" {
		return nil, errors.New("engine directory must be set")
	}
	opts.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}

	sstDir := filepath.Join(opts.Dir, core.SSTableDirName)
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create engine directory %s: %w", opts.Dir, err)
	}
	lock, err := sys.LockDir(opts.Dir, core.LockFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", opts.Dir, err)
	}
	metrics, err := newMetrics(opts.MetricsPrefix)
	if err != nil {
		lock.Release()
		return nil, err
	}

	e := &Engine{
		opts:       opts,
		dir:        opts.Dir,
		sstDir:     sstDir,
		logger:     opts.Logger.With("component", "Engine"),
		tracer:     opts.Tracer,
		hooks:      opts.HookManager,
		metrics:    metrics,
		lock:       lock,
		blockCache: sstable.NewBlockCache(opts.BlockCacheSize),
		snapshots:  make(map[*Snapshot]struct{}),
		sem:        semaphore.NewWeighted(int64(opts.MaxBackgroundJobs)),
		flushCh:    make(chan struct{}, 1),
		compactCh:  make(chan struct{}, 1),
	}
	e.stallCond = sync.NewCond(&e.mu)
	e.blockCache.SetMetrics(metrics.CacheHits, metrics.CacheMisses)

	if err := e.load(); err != nil {
		e.releaseResources()
		return nil, err
	}

	var ctx context.Context
	ctx, e.bgCancel = context.WithCancel(context.Background())
	e.bgWG.Add(2)
	go e.flushLoop(ctx)
	go e.compactionLoop(ctx)
	if len(e.imm) >= e.opts.flushThreshold() {
		e.scheduleFlush()
	}
	e.maybeScheduleCompaction()

	e.logger.Info("Engine opened", "dir", e.dir, "last_seq", e.lastSeq.Load(), "flushed_seq", e.flushedSeq, "sstables", len(e.tables))
	e.hooks.Trigger(context.Background(), hooks.NewPostStartEngineEvent(hooks.EngineLifecyclePayload{Dir: e.dir}))
	return e, nil
}

// load restores sstables from the manifest and replays the WAL.
func (e *Engine) load() error {
	m, err := readManifest(e.dir)
	if err != nil {
		return err
	}
	e.flushedSeq = m.FlushedSeq
	e.nextFileNumber = m.NextFileNumber

	live := make(map[uint64]bool, len(m.SSTables))
	for _, mt := range m.SSTables {
		sst, err := e.openTable(mt.ID)
		if err != nil {
			return err
		}
		e.tables = append(e.tables, e.newTableHandle(sst, mt.Level))
		live[mt.ID] = true
	}
	sort.Slice(e.tables, func(i, j int) bool { return e.tables[i].sst.ID() < e.tables[j].sst.ID() })
	e.removeOrphans(live)

	e.wal, err = wal.Open(wal.Options{
		Dir:            filepath.Join(e.dir, core.WALDirName),
		SyncMode:       e.walSyncMode(),
		MaxSegmentSize: e.opts.WALSegmentSize,
		BytesWritten:   e.metrics.WALBytesWrittenTotal,
		BatchesWritten: e.metrics.WALBatchesTotal,
		Logger:         e.opts.Logger,
		HookManager:    e.hooks,
	})
	if err != nil {
		return err
	}

	lastSeq := e.flushedSeq
	e.mem = memtable.New(e.opts.WriteBufferSize, e.opts.Clock)
	n, err := e.wal.Replay(e.flushedSeq, func(b *core.WriteOpBatch) error {
		if e.mem.IsFull() {
			e.imm = append(e.imm, e.mem)
			e.mem = memtable.New(e.opts.WriteBufferSize, e.opts.Clock)
		}
		e.mem.Apply(b)
		lastSeq = max(lastSeq, b.LastSN())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}
	lastSeq = max(lastSeq, e.wal.LastSeq())
	e.lastSeq.Store(lastSeq)
	if n > 0 {
		e.logger.Info("Recovered from WAL", "batches", n, "last_seq", lastSeq)
	}
	return nil
}

func (e *Engine) walSyncMode() wal.SyncMode {
	if e.opts.WALSync {
		return wal.SyncAlways
	}
	return wal.SyncNone
}

// removeOrphans deletes temporary files and sstables the manifest does not
// reference, left behind by an interrupted flush or compaction.
func (e *Engine) removeOrphans(live map[uint64]bool) {
	entries, err := os.ReadDir(e.sstDir)
	if err != nil {
		e.logger.Warn("Failed to list sstable directory", "dir", e.sstDir, "error", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		orphan := strings.HasSuffix(name, core.TempExt)
		if id, err := core.ParseSSTableFileName(name); err == nil && !live[id] {
			orphan = true
		}
		if !orphan {
			continue
		}
		path := filepath.Join(e.sstDir, name)
		e.logger.Warn("Removing orphaned file", "path", path)
		if err := sys.SafeRemove(path); err != nil {
			e.logger.Warn("Failed to remove orphaned file", "path", path, "error", err)
		}
	}
}

func (e *Engine) openTable(id uint64) (*sstable.SSTable, error) {
	return sstable.Open(sstable.Options{
		Path:       filepath.Join(e.sstDir, core.FormatSSTableFileName(id)),
		ID:         id,
		BlockCache: e.blockCache,
		Tracer:     e.tracer,
		Logger:     e.opts.Logger,
	})
}

// Close stops background work and releases every file. Unflushed data stays
// in the WAL and is recovered by the next Open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.hooks.Trigger(context.Background(), hooks.NewPreCloseEngineEvent(hooks.EngineLifecyclePayload{Dir: e.dir}))

	e.mu.Lock()
	e.stallCond.Broadcast()
	e.mu.Unlock()
	e.bgCancel()
	e.bgWG.Wait()

	// Wait for in-flight writes and background jobs.
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	err := e.releaseResources()
	e.logger.Info("Engine closed", "dir", e.dir)
	return err
}

func (e *Engine) releaseResources() error {
	var errs []error
	if e.wal != nil {
		errs = append(errs, e.wal.Close())
	}
	e.mu.Lock()
	tables := e.tables
	e.tables = nil
	e.mu.Unlock()
	for _, h := range tables {
		h.unref()
	}
	errs = append(errs, e.lock.Release())
	return errors.Join(errs...)
}

// Destroy removes the engine directory. It fails if an Engine holds it open.
func Destroy(dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	lock, err := sys.LockDir(dir, core.LockFileName)
	if err != nil {
		return fmt.Errorf("cannot destroy %s: %w", dir, err)
	}
	if err := lock.Release(); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}

// Dir returns the engine directory.
func (e *Engine) Dir() string {
	return e.dir
}

// Metrics exposes the engine counters.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// LatestSequenceNumber returns the sequence number of the last committed op.
func (e *Engine) LatestSequenceNumber() uint64 {
	return e.lastSeq.Load()
}

func (e *Engine) allocateFileNumberLocked() uint64 {
	id := e.nextFileNumber
	e.nextFileNumber++
	return id
}

func (e *Engine) saveManifestLocked() error {
	m := &manifest{
		Version:        manifestVersion,
		NextFileNumber: e.nextFileNumber,
		FlushedSeq:     e.flushedSeq,
		SSTables:       make([]manifestTable, 0, len(e.tables)),
	}
	for _, h := range e.tables {
		props := h.sst.Properties()
		m.SSTables = append(m.SSTables, manifestTable{
			ID:       h.sst.ID(),
			Level:    h.level,
			Size:     h.sst.Size(),
			MinSeq:   props.MinSeq,
			MaxSeq:   props.MaxSeq,
			Smallest: props.SmallestKey,
			Largest:  props.LargestKey,
		})
	}
	return writeManifest(e.dir, m)
}

func (e *Engine) setBackgroundError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bgErr == nil {
		e.bgErr = err
	}
	e.stallCond.Broadcast()
}

func (e *Engine) scheduleFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Engine) maybeScheduleCompaction() {
	if e.opts.DisableAutoCompactions || !e.needsCompaction() {
		return
	}
	select {
	case e.compactCh <- struct{}{}:
	default:
	}
}

func (e *Engine) flushLoop(ctx context.Context) {
	defer e.bgWG.Done()
	var tick <-chan time.Time
	if e.opts.WALTTL > 0 {
		ticker := time.NewTicker(min(e.opts.WALTTL, time.Minute))
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			e.purgeWAL()
			continue
		case <-e.flushCh:
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := e.flushImmutables(ctx)
		e.sem.Release(1)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("Background flush failed", "error", err)
			e.setBackgroundError(err)
		}
	}
}

func (e *Engine) compactionLoop(ctx context.Context) {
	defer e.bgWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.compactCh:
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := e.compact(ctx, false)
		e.sem.Release(1)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.logger.Error("Background compaction failed", "error", err)
			}
			continue
		}
		e.maybeScheduleCompaction()
	}
}
