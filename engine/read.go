package engine

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/iterator"
	"github.com/INLOpen/seriesdb/memtable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// readView pins the memtables and sstables visible at seq. Tables stay open
// until release, even if a compaction replaces them meanwhile.
type readView struct {
	mems   []*memtable.Memtable // newest first
	tables []*tableHandle       // newest first
	seq    uint64
	once   sync.Once
}

func (v *readView) release() {
	v.once.Do(func() {
		for _, h := range v.tables {
			h.unref()
		}
	})
}

// acquireView pins the current sources. latest reads at the last committed
// sequence number instead of seq.
func (e *Engine) acquireView(seq uint64, latest bool) (*readView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed.Load() {
		return nil, core.ErrClosed
	}
	v := &readView{seq: seq}
	if latest {
		v.seq = e.lastSeq.Load()
	}
	v.mems = append(v.mems, e.mem)
	for i := len(e.imm) - 1; i >= 0; i-- {
		v.mems = append(v.mems, e.imm[i])
	}
	for i := len(e.tables) - 1; i >= 0; i-- {
		h := e.tables[i]
		h.ref()
		v.tables = append(v.tables, h)
	}
	return v, nil
}

// sources returns the view as iterator sources. When lower and upper lie in
// the same table id, sstables that hold no key of that table contribute
// only their range tombstones.
func (v *readView) sources(lower, upper []byte) []iterator.Source {
	out := make([]iterator.Source, 0, len(v.mems)+len(v.tables))
	for _, m := range v.mems {
		out = append(out, m)
	}
	id, pruned := commonTableID(lower, upper)
	for _, h := range v.tables {
		if pruned && !h.sst.MayContainTable(id) {
			out = append(out, tombstoneSource(h.sst.RangeTombstones()))
			continue
		}
		out = append(out, h.sst)
	}
	return out
}

func commonTableID(lower, upper []byte) (core.TableID, bool) {
	if len(lower) < core.TableIDLen || len(upper) < core.TableIDLen {
		return 0, false
	}
	if !bytes.Equal(lower[:core.TableIDLen], upper[:core.TableIDLen]) {
		return 0, false
	}
	id, err := core.TableIDFromBytes(lower)
	return id, err == nil
}

// tombstoneSource is a source with range tombstones and no keys.
type tombstoneSource []iterator.RangeTombstone

func (tombstoneSource) Ceil([]byte, bool) (iterator.KeyVersions, bool, error) {
	return iterator.KeyVersions{}, false, nil
}

func (tombstoneSource) Floor([]byte, bool) (iterator.KeyVersions, bool, error) {
	return iterator.KeyVersions{}, false, nil
}

func (tombstoneSource) Last() (iterator.KeyVersions, bool, error) {
	return iterator.KeyVersions{}, false, nil
}

func (tombstoneSource) Get([]byte) ([]iterator.Version, error) { return nil, nil }

func (s tombstoneSource) RangeTombstones() []iterator.RangeTombstone { return s }

func (tombstoneSource) MaxSeq() uint64 { return 0 }

// Get returns the latest value of key, or core.ErrNotFound.
func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, error) {
	return e.get(ctx, key, 0, true)
}

// GetAt returns the value of key as of sequence number seq.
func (e *Engine) GetAt(ctx context.Context, key []byte, seq uint64) ([]byte, error) {
	return e.get(ctx, key, seq, false)
}

func (e *Engine) get(ctx context.Context, key []byte, seq uint64, latest bool) ([]byte, error) {
	_, span := e.tracer.Start(ctx, "Engine.Get")
	defer span.End()
	e.metrics.GetsTotal.Add(1)

	v, err := e.acquireView(seq, latest)
	if err != nil {
		return nil, err
	}
	defer v.release()
	span.SetAttributes(attribute.Int64("snapshot", int64(v.seq)))

	var lists [][]iterator.Version
	var tombs iterator.Tombstones
	for _, m := range v.mems {
		versions, err := m.Get(key)
		if err != nil {
			return nil, err
		}
		lists = append(lists, versions)
		tombs = append(tombs, m.RangeTombstones()...)
	}
	for _, h := range v.tables {
		tombs = append(tombs, h.sst.RangeTombstones()...)
		versions, err := h.sst.Get(key)
		if err != nil {
			return nil, err
		}
		lists = append(lists, versions)
	}
	visible := tombs[:0]
	for _, t := range tombs {
		if t.Seq <= v.seq {
			visible = append(visible, t)
		}
	}

	res, err := iterator.Resolve(key, iterator.MergeVersions(lists...), visible, v.seq, e.opts.MergeOperator)
	if err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, core.ErrNotFound
	}
	return clone(res.Value), nil
}

// IterOptions bounds an iterator. LowerBound is inclusive, UpperBound
// exclusive; nil leaves that side open.
type IterOptions struct {
	LowerBound []byte
	UpperBound []byte
}

// Iterator walks the visible keys of the engine at one sequence number in
// either direction. Keys and values are valid until the next positioning
// call. An Iterator is not safe for concurrent use and must be closed.
type Iterator struct {
	*iterator.MergedIterator
}

// NewIterator returns an iterator over the latest committed state.
func (e *Engine) NewIterator(ctx context.Context, opts IterOptions) (*Iterator, error) {
	return e.newIterator(ctx, opts, 0, true)
}

func (e *Engine) newIterator(ctx context.Context, opts IterOptions, seq uint64, latest bool) (*Iterator, error) {
	_, span := e.tracer.Start(ctx, "Engine.NewIterator", trace.WithAttributes(
		attribute.Int("lower_bound_len", len(opts.LowerBound)),
		attribute.Int("upper_bound_len", len(opts.UpperBound)),
	))
	defer span.End()

	v, err := e.acquireView(seq, latest)
	if err != nil {
		return nil, err
	}
	e.metrics.IteratorsTotal.Add(1)
	it := iterator.NewMergedIterator(v.sources(opts.LowerBound, opts.UpperBound), iterator.Options{
		LowerBound: opts.LowerBound,
		UpperBound: opts.UpperBound,
		Snapshot:   v.seq,
		MergeOp:    e.opts.MergeOperator,
		OnClose:    v.release,
	})
	return &Iterator{MergedIterator: it}, nil
}

// Snapshot is a consistent read-only view of the engine at one sequence
// number. Compactions keep the versions a live snapshot can see.
type Snapshot struct {
	e        *Engine
	seq      uint64
	released bool
}

// NewSnapshot pins the current state. It must be released.
func (e *Engine) NewSnapshot() (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, core.ErrClosed
	}
	s := &Snapshot{e: e, seq: e.lastSeq.Load()}
	e.snapshots[s] = struct{}{}
	return s, nil
}

// Seq returns the sequence number the snapshot reads at.
func (s *Snapshot) Seq() uint64 {
	return s.seq
}

// Release unpins the snapshot. It is safe to call more than once.
func (s *Snapshot) Release() {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	s.released = true
	delete(s.e.snapshots, s)
}

func (s *Snapshot) isReleased() bool {
	s.e.mu.RLock()
	defer s.e.mu.RUnlock()
	return s.released
}

func (s *Snapshot) Get(ctx context.Context, key []byte) ([]byte, error) {
	if s.isReleased() {
		return nil, ErrSnapshotReleased
	}
	return s.e.GetAt(ctx, key, s.seq)
}

func (s *Snapshot) NewIterator(ctx context.Context, opts IterOptions) (*Iterator, error) {
	if s.isReleased() {
		return nil, ErrSnapshotReleased
	}
	return s.e.newIterator(ctx, opts, s.seq, false)
}

// liveSnapshotSeqsLocked returns the sequence numbers of unreleased snapshots in
// ascending order. Called with mu held.
func (e *Engine) liveSnapshotSeqsLocked() []uint64 {
	seqs := make([]uint64, 0, len(e.snapshots))
	for s := range e.snapshots {
		seqs = append(seqs, s.seq)
	}
	slices.Sort(seqs)
	return slices.Compact(seqs)
}
