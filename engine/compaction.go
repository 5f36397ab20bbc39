package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/hooks"
	"github.com/INLOpen/seriesdb/iterator"
	"github.com/INLOpen/seriesdb/sstable"
	"github.com/INLOpen/seriesdb/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// compactionLevel is the level every compaction writes to and the level
// reported to compaction filters.
const compactionLevel = 1

// needsCompaction reports whether level 0 holds too many files or bytes.
func (e *Engine) needsCompaction() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	files := 0
	var size int64
	for _, h := range e.tables {
		if h.level == 0 {
			files++
			size += h.sst.Size()
		}
	}
	return files > 0 && (files >= e.opts.L0CompactionTrigger || size >= e.opts.MaxBytesForLevelBase)
}

// CompactRange flushes the memtables and merges every sstable into the base
// level, running the compaction filter over all data.
func (e *Engine) CompactRange(ctx context.Context) error {
	if err := e.Flush(ctx); err != nil {
		return err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return e.compact(ctx, true)
}

// compaction is the state of one compaction run.
type compaction struct {
	e         *Engine
	manual    bool
	snapshots []uint64 // ascending
	filter    CompactionFilter
	mergeOp   core.MergeOperator

	tombs  []iterator.RangeTombstone // sorted by Start
	next   int
	active []iterator.RangeTombstone

	writer  *sstable.Writer
	outputs []*sstable.Writer
	dropped int
}

// stripe returns the index of the smallest live snapshot at or above seq.
// Versions in one stripe are indistinguishable to every reader.
func (c *compaction) stripe(seq uint64) int {
	return sort.Search(len(c.snapshots), func(i int) bool { return c.snapshots[i] >= seq })
}

func (e *Engine) compact(ctx context.Context, manual bool) (err error) {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	e.mu.RLock()
	if e.closed.Load() {
		e.mu.RUnlock()
		return core.ErrClosed
	}
	inputs := append([]*tableHandle(nil), e.tables...)
	l0 := 0
	for _, h := range inputs {
		h.ref()
		if h.level == 0 {
			l0++
		}
	}
	snapshots := e.liveSnapshotSeqsLocked()
	e.mu.RUnlock()
	defer func() {
		for _, h := range inputs {
			h.unref()
		}
	}()
	if len(inputs) == 0 || (!manual && l0 == 0) {
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "Engine.Compact")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.metrics.CompactionErrorsTotal.Add(1)
		}
		span.End()
	}()
	start := time.Now()

	payload := hooks.CompactionPayload{Manual: manual}
	for _, h := range inputs {
		payload.InputTables = append(payload.InputTables, hooks.CompactedTableInfo{ID: h.sst.ID(), Size: h.sst.Size(), Path: h.sst.Path()})
	}
	e.hooks.Trigger(ctx, hooks.NewPreCompactionEvent(payload))

	c := &compaction{e: e, manual: manual, snapshots: snapshots, mergeOp: e.opts.MergeOperator}
	if f := e.opts.CompactionFilterFactory; f != nil {
		c.filter = f.CreateCompactionFilter(CompactionFilterContext{Manual: manual, FullCompaction: true})
		if closer, ok := c.filter.(io.Closer); ok {
			defer closer.Close()
		}
	}
	if err := c.run(ctx, inputs); err != nil {
		c.abort()
		return err
	}

	handles := make([]*tableHandle, 0, len(c.outputs))
	for _, w := range c.outputs {
		sst, err := e.openTable(w.ID())
		if err != nil {
			for _, h := range handles {
				h.obsolete.Store(true)
				h.unref()
			}
			return err
		}
		handles = append(handles, e.newTableHandle(sst, compactionLevel))
	}

	replaced := make(map[*tableHandle]bool, len(inputs))
	for _, h := range inputs {
		replaced[h] = true
	}
	e.mu.Lock()
	tables := append([]*tableHandle(nil), handles...)
	for _, h := range e.tables {
		if !replaced[h] {
			tables = append(tables, h)
		}
	}
	old := e.tables
	e.tables = tables
	if err := e.saveManifestLocked(); err != nil {
		e.tables = old
		e.mu.Unlock()
		for _, h := range handles {
			h.obsolete.Store(true)
			h.unref()
		}
		return err
	}
	e.mu.Unlock()

	for _, h := range inputs {
		h.obsolete.Store(true)
		h.unref()
	}
	var written int64
	for _, h := range handles {
		written += h.sst.Size()
		payload.OutputTables = append(payload.OutputTables, hooks.CompactedTableInfo{ID: h.sst.ID(), Size: h.sst.Size(), Path: h.sst.Path()})
		e.hooks.Trigger(ctx, hooks.NewPostSSTableCreateEvent(hooks.SSTablePayload{ID: h.sst.ID(), Path: h.sst.Path(), Size: h.sst.Size()}))
	}
	payload.DroppedByFilter = c.dropped
	payload.Duration = time.Since(start)

	e.metrics.CompactionTotal.Add(1)
	e.metrics.CompactionBytesTotal.Add(written)
	e.metrics.CompactionDropped.Add(int64(c.dropped))
	e.metrics.SSTablesCreatedTotal.Add(int64(len(handles)))
	span.SetAttributes(
		attribute.Bool("manual", manual),
		attribute.Int("inputs", len(inputs)),
		attribute.Int("outputs", len(handles)),
		attribute.Int("dropped_by_filter", c.dropped),
	)
	e.logger.Info("Compaction finished", "manual", manual, "inputs", len(inputs), "outputs", len(handles), "bytes", written, "dropped_by_filter", c.dropped, "duration", payload.Duration)
	e.hooks.Trigger(ctx, hooks.NewPostCompactionEvent(payload))
	return nil
}

// run merges inputs into c.outputs, one key at a time.
func (c *compaction) run(ctx context.Context, inputs []*tableHandle) error {
	iters := make([]iterator.EntryIterator, 0, len(inputs))
	for _, h := range inputs {
		iters = append(iters, h.sst.NewEntryIterator())
		c.tombs = append(c.tombs, h.sst.RangeTombstones()...)
	}
	sort.SliceStable(c.tombs, func(i, j int) bool { return bytes.Compare(c.tombs[i].Start, c.tombs[j].Start) < 0 })
	merged := iterator.NewMergingIterator(iters)
	defer merged.Close()

	var key []byte
	var versions []iterator.Version
	for merged.Next() {
		ent := merged.Entry()
		if len(versions) > 0 && !bytes.Equal(ent.Key, key) {
			if err := c.emitKey(ctx, key, versions); err != nil {
				return err
			}
			versions = versions[:0]
		}
		if len(versions) == 0 {
			key = append(key[:0], ent.Key...)
		}
		versions = append(versions, iterator.Version{Seq: ent.Seq, Kind: ent.Kind, Value: ent.Value})
	}
	if err := merged.Error(); err != nil {
		return err
	}
	if len(versions) > 0 {
		if err := c.emitKey(ctx, key, versions); err != nil {
			return err
		}
	}

	// A range tombstone is only needed while a snapshot older than it can
	// still see the data it covers.
	for _, t := range c.tombs {
		if len(c.snapshots) == 0 || c.snapshots[0] >= t.Seq {
			continue
		}
		if err := c.ensureWriter(); err != nil {
			return err
		}
		c.writer.AddRangeTombstone(t)
	}
	return c.finishWriter(ctx)
}

// covering returns the tombstones whose range contains key. Keys must be
// passed in ascending order.
func (c *compaction) covering(key []byte) []iterator.RangeTombstone {
	for c.next < len(c.tombs) && bytes.Compare(c.tombs[c.next].Start, key) <= 0 {
		c.active = append(c.active, c.tombs[c.next])
		c.next++
	}
	live := c.active[:0]
	for _, t := range c.active {
		if bytes.Compare(key, t.End) < 0 {
			live = append(live, t)
		}
	}
	c.active = live
	return c.active
}

func (c *compaction) covered(v iterator.Version, tombs []iterator.RangeTombstone) bool {
	s := c.stripe(v.Seq)
	for _, t := range tombs {
		if t.Seq > v.Seq && c.stripe(t.Seq) == s {
			return true
		}
	}
	return false
}

// emitKey writes the versions of key (newest first) that some reader can
// still observe.
func (c *compaction) emitKey(ctx context.Context, key []byte, versions []iterator.Version) error {
	tombs := c.covering(key)

	type stripeOut struct {
		stripe   int
		versions []iterator.Version
	}
	var outs []stripeOut
	for i := 0; i < len(versions); {
		s := c.stripe(versions[i].Seq)
		j := i
		for j < len(versions) && c.stripe(versions[j].Seq) == s {
			j++
		}
		out, err := c.collapse(key, versions[i:j], j == len(versions), tombs)
		if err != nil {
			return err
		}
		if len(out) > 0 {
			outs = append(outs, stripeOut{stripe: s, versions: out})
		}
		i = j
	}
	if len(outs) == 0 {
		return nil
	}

	// The filter sees the newest value readers without a snapshot get.
	if c.filter != nil && outs[0].stripe == len(c.snapshots) && len(outs[0].versions) == 1 && outs[0].versions[0].Kind == core.EntryTypePut {
		newest := outs[0].versions[0]
		if c.filter.Filter(compactionLevel, key, newest.Value) == Remove {
			c.dropped++
			if len(outs) == 1 {
				return nil
			}
			outs[0].versions[0] = iterator.Version{Seq: newest.Seq, Kind: core.EntryTypeDelete}
		}
	}

	for _, o := range outs {
		for _, v := range o.versions {
			if err := c.ensureWriter(); err != nil {
				return err
			}
			if err := c.writer.Add(iterator.Entry{Key: key, Seq: v.Seq, Kind: v.Kind, Value: v.Value}); err != nil {
				return err
			}
		}
	}
	if c.writer != nil && c.writer.EstimatedSize() >= c.e.opts.TargetFileSizeBase {
		return c.finishWriter(ctx)
	}
	return nil
}

// collapse reduces the versions of one stripe to what its readers need.
// last is set when no older version of the key exists.
func (c *compaction) collapse(key []byte, versions []iterator.Version, last bool, tombs []iterator.RangeTombstone) ([]iterator.Version, error) {
	var operands []iterator.Version
	for _, v := range versions {
		if c.covered(v, tombs) {
			if len(operands) == 0 {
				return nil, nil
			}
			return c.fold(key, operands, nil, false)
		}
		switch v.Kind {
		case core.EntryTypePut:
			if len(operands) == 0 {
				return []iterator.Version{v}, nil
			}
			return c.fold(key, operands, v.Value, true)
		case core.EntryTypeDelete:
			if len(operands) == 0 {
				// Nothing older survives, so the delete has nothing to hide.
				if last {
					return nil, nil
				}
				return []iterator.Version{v}, nil
			}
			return c.fold(key, operands, nil, false)
		case core.EntryTypeMerge:
			operands = append(operands, v)
		default:
			return nil, fmt.Errorf("unexpected entry type %v for key %q: %w", v.Kind, key, core.ErrCorrupted)
		}
	}
	if last && len(operands) > 0 {
		return c.fold(key, operands, nil, false)
	}
	return operands, nil
}

// fold applies merge operands (newest first) to a base value and returns a
// single put carrying the newest operand's sequence number.
func (c *compaction) fold(key []byte, operands []iterator.Version, base []byte, hasBase bool) ([]iterator.Version, error) {
	if c.mergeOp == nil {
		return operands, nil
	}
	values := make([][]byte, len(operands))
	for i, op := range operands {
		values[len(operands)-1-i] = op.Value
	}
	v, err := c.mergeOp.FullMerge(key, base, hasBase, values)
	if err != nil {
		return nil, fmt.Errorf("merge operator %s failed for key %q: %w", c.mergeOp.Name(), key, err)
	}
	return []iterator.Version{{Seq: operands[0].Seq, Kind: core.EntryTypePut, Value: v}}, nil
}

func (c *compaction) ensureWriter() error {
	if c.writer != nil {
		return nil
	}
	c.e.mu.Lock()
	id := c.e.allocateFileNumberLocked()
	c.e.mu.Unlock()
	w, err := c.e.newTableWriter(id)
	if err != nil {
		return err
	}
	c.writer = w
	return nil
}

func (c *compaction) finishWriter(ctx context.Context) error {
	if c.writer == nil {
		return nil
	}
	w := c.writer
	c.writer = nil
	if w.Empty() {
		w.Abort()
		return nil
	}
	if err := w.Finish(ctx); err != nil {
		return fmt.Errorf("failed to finish sstable %d: %w", w.ID(), err)
	}
	c.outputs = append(c.outputs, w)
	return nil
}

// abort discards the pending writer and every finished output.
func (c *compaction) abort() {
	if c.writer != nil {
		c.writer.Abort()
		c.writer = nil
	}
	for _, w := range c.outputs {
		if err := sys.SafeRemove(w.Path()); err != nil {
			c.e.logger.Warn("Failed to remove compaction output", "path", w.Path(), "error", err)
		}
	}
	c.outputs = nil
}
