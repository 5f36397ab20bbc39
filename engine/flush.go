package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/hooks"
	"github.com/INLOpen/seriesdb/iterator"
	"github.com/INLOpen/seriesdb/memtable"
	"github.com/INLOpen/seriesdb/sstable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Flush seals the active memtable and writes every sealed memtable to a
// level 0 sstable. It returns once the data is durable in sstables.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	e.writeMu.Lock()
	e.mu.Lock()
	var err error
	if !e.mem.Empty() {
		err = e.rotateMemtableLocked()
	}
	e.mu.Unlock()
	e.writeMu.Unlock()
	if err != nil {
		return err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return e.flushImmutables(ctx)
}

// flushImmutables writes the sealed memtables present when it starts into
// one sstable, then drops them and purges the WAL they were logged in.
func (e *Engine) flushImmutables(ctx context.Context) (err error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.RLock()
	mems := append([]*memtable.Memtable(nil), e.imm...)
	e.mu.RUnlock()
	if len(mems) == 0 {
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "Engine.Flush")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.metrics.FlushErrorsTotal.Add(1)
		}
		span.End()
	}()
	start := time.Now()

	_, maxSeq := mems[len(mems)-1].SeqRange()
	payload := hooks.FlushPayload{Memtables: len(mems), MaxSeq: maxSeq}
	e.hooks.Trigger(ctx, hooks.NewPreFlushMemtableEvent(payload))

	iters := make([]iterator.EntryIterator, 0, len(mems))
	var tombs []iterator.RangeTombstone
	for _, m := range mems {
		iters = append(iters, iterator.NewSliceIterator(m.Entries()))
		tombs = append(tombs, m.RangeTombstones()...)
	}
	merged := iterator.NewMergingIterator(iters)
	defer merged.Close()

	e.mu.Lock()
	id := e.allocateFileNumberLocked()
	e.mu.Unlock()

	w, err := e.newTableWriter(id)
	if err != nil {
		return err
	}
	entries := 0
	for merged.Next() {
		if err := w.Add(merged.Entry()); err != nil {
			w.Abort()
			return err
		}
		entries++
	}
	if err := merged.Error(); err != nil {
		w.Abort()
		return err
	}
	for _, t := range tombs {
		w.AddRangeTombstone(t)
	}

	var handle *tableHandle
	if !w.Empty() {
		if err := w.Finish(ctx); err != nil {
			return fmt.Errorf("failed to finish sstable %d: %w", id, err)
		}
		sst, err := e.openTable(id)
		if err != nil {
			return err
		}
		handle = e.newTableHandle(sst, 0)
	} else {
		w.Abort()
	}

	e.mu.Lock()
	if handle != nil {
		e.tables = append(e.tables, handle)
	}
	e.imm = e.imm[len(mems):]
	e.flushedSeq = max(e.flushedSeq, maxSeq)
	err = e.saveManifestLocked()
	e.stallCond.Broadcast()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	payload.Entries = entries
	payload.Duration = time.Since(start)
	e.metrics.FlushTotal.Add(1)
	if handle != nil {
		payload.SSTableID = id
		e.metrics.FlushBytesTotal.Add(handle.sst.Size())
		e.metrics.SSTablesCreatedTotal.Add(1)
		e.hooks.Trigger(ctx, hooks.NewPostSSTableCreateEvent(hooks.SSTablePayload{ID: id, Path: handle.sst.Path(), Size: handle.sst.Size()}))
	}
	span.SetAttributes(attribute.Int("memtables", len(mems)), attribute.Int("entries", entries), attribute.Int64("max_seq", int64(maxSeq)))
	e.logger.Debug("Flushed memtables", "memtables", len(mems), "entries", entries, "sstable_id", id, "max_seq", maxSeq, "duration", payload.Duration)
	e.hooks.Trigger(ctx, hooks.NewPostFlushMemtableEvent(payload))

	e.purgeWAL()
	e.maybeScheduleCompaction()
	return nil
}

func (e *Engine) newTableWriter(id uint64) (*sstable.Writer, error) {
	return sstable.NewWriter(sstable.WriterOptions{
		Dir:               e.sstDir,
		ID:                id,
		BlockSize:         e.opts.BlockSize,
		Compression:       e.opts.Compression,
		BloomFilterFPRate: e.opts.BloomFilterFPRate,
		Tracer:            e.tracer,
		Logger:            e.opts.Logger,
	})
}

// purgeWAL removes WAL segments that only hold flushed batches, subject to
// WALTTL and WALSizeLimit.
func (e *Engine) purgeWAL() {
	e.mu.RLock()
	flushed := e.flushedSeq
	e.mu.RUnlock()
	removed, err := e.wal.Purge(flushed, e.opts.WALTTL, e.opts.WALSizeLimit, time.Now())
	e.metrics.WALPurgedSegments.Add(int64(len(removed)))
	if err != nil && !errors.Is(err, core.ErrClosed) {
		e.logger.Warn("Failed to purge WAL segments", "error", err)
	}
}
