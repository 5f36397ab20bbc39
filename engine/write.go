package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/memtable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Batch collects ops that are committed atomically by Write. Keys and
// values are copied when added.
type Batch struct {
	ops []core.WriteOp
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, core.WriteOp{Type: core.EntryTypePut, Key: clone(key), Value: clone(value)})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, core.WriteOp{Type: core.EntryTypeDelete, Key: clone(key)})
}

// DeleteRange deletes every key in [start, end).
func (b *Batch) DeleteRange(start, end []byte) {
	b.ops = append(b.ops, core.WriteOp{Type: core.EntryTypeDeleteRange, Key: clone(start), EndKey: clone(end)})
}

// Merge records an operand for the engine's merge operator.
func (b *Batch) Merge(key, operand []byte) {
	b.ops = append(b.ops, core.WriteOp{Type: core.EntryTypeMerge, Key: clone(key), Value: clone(operand)})
}

// Count returns the number of ops in the batch.
func (b *Batch) Count() int {
	return len(b.ops)
}

// Ops returns the ops in insertion order. The slice must not be modified.
func (b *Batch) Ops() []core.WriteOp {
	return b.ops
}

// Reset empties the batch for reuse.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

func validateOp(op core.WriteOp) error {
	if op.Type == core.EntryTypeDeleteRange && bytes.Compare(op.Key, op.EndKey) > 0 {
		return fmt.Errorf("delete range start %q is after end %q: %w", op.Key, op.EndKey, core.ErrInvalidKey)
	}
	switch op.Type {
	case core.EntryTypePut, core.EntryTypeDelete, core.EntryTypeDeleteRange, core.EntryTypeMerge:
	default:
		return fmt.Errorf("unsupported op type %v", op.Type)
	}
	return nil
}

// Write commits batch atomically and returns the sequence number assigned to
// its first op. Ops are numbered consecutively from there.
func (e *Engine) Write(ctx context.Context, batch *Batch) (sn uint64, err error) {
	if e.closed.Load() {
		return 0, core.ErrClosed
	}
	if batch == nil || batch.Count() == 0 {
		return e.lastSeq.Load(), nil
	}
	for _, op := range batch.ops {
		if err := validateOp(op); err != nil {
			return 0, err
		}
		if op.Type == core.EntryTypeMerge && e.opts.MergeOperator == nil {
			return 0, fmt.Errorf("merge op for key %q requires a merge operator", op.Key)
		}
	}

	_, span := e.tracer.Start(ctx, "Engine.Write", trace.WithAttributes(attribute.Int("ops", batch.Count())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.metrics.WriteErrorsTotal.Add(1)
		}
		span.End()
	}()
	start := time.Now()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.makeRoomForWrite(); err != nil {
		return 0, err
	}

	wb := &core.WriteOpBatch{SN: e.lastSeq.Load() + 1, Ops: batch.ops}
	if err := e.wal.AppendBatch(wb); err != nil {
		return 0, fmt.Errorf("failed to append batch %d to WAL: %w", wb.SN, err)
	}

	e.mu.Lock()
	e.mem.Apply(wb)
	e.lastSeq.Store(wb.LastSN())
	e.mu.Unlock()

	// Ops are now owned by the memtable.
	batch.ops = nil

	span.SetAttributes(attribute.Int64("sn", int64(wb.SN)))
	e.metrics.WritesTotal.Add(1)
	e.metrics.WriteOpsTotal.Add(int64(len(wb.Ops)))
	e.metrics.observeWrite(time.Since(start))
	return wb.SN, nil
}

func (e *Engine) Put(ctx context.Context, key, value []byte) (uint64, error) {
	b := NewBatch()
	b.Put(key, value)
	return e.Write(ctx, b)
}

func (e *Engine) Delete(ctx context.Context, key []byte) (uint64, error) {
	b := NewBatch()
	b.Delete(key)
	return e.Write(ctx, b)
}

func (e *Engine) DeleteRange(ctx context.Context, start, end []byte) (uint64, error) {
	b := NewBatch()
	b.DeleteRange(start, end)
	return e.Write(ctx, b)
}

func (e *Engine) Merge(ctx context.Context, key, operand []byte) (uint64, error) {
	b := NewBatch()
	b.Merge(key, operand)
	return e.Write(ctx, b)
}

// makeRoomForWrite seals the active memtable when it is full, and stalls
// while too many sealed memtables wait for a flush. Called with writeMu held.
func (e *Engine) makeRoomForWrite() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	stalled := false
	for {
		if e.closed.Load() {
			return core.ErrClosed
		}
		if e.bgErr != nil {
			return fmt.Errorf("engine is read-only after background error: %w: %w", e.bgErr, core.ErrReadOnly)
		}
		if !e.mem.IsFull() {
			return nil
		}
		if len(e.imm) < e.opts.MaxWriteBufferNumber-1 {
			return e.rotateMemtableLocked()
		}
		if !stalled {
			stalled = true
			e.metrics.WriteStallsTotal.Add(1)
			e.logger.Warn("Stalling writes until a flush completes", "immutable_memtables", len(e.imm))
		}
		e.scheduleFlush()
		e.stallCond.Wait()
	}
}

// rotateMemtableLocked seals the active memtable and starts a WAL segment
// for its successor. Called with mu held.
func (e *Engine) rotateMemtableLocked() error {
	if err := e.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}
	e.imm = append(e.imm, e.mem)
	e.mem = memtable.New(e.opts.WriteBufferSize, e.opts.Clock)
	if len(e.imm) >= e.opts.flushThreshold() {
		e.scheduleFlush()
	}
	return nil
}
