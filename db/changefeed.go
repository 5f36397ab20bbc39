package db

import (
	"context"
	"fmt"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/engine"
	"github.com/INLOpen/seriesdb/wal"
)

// GetLatestSN returns the sequence number of the last committed operation.
func (d *DB) GetLatestSN() uint64 {
	return d.engine.LatestSequenceNumber()
}

// WriteOpBatchIterator streams committed batches, oldest first.
type WriteOpBatchIterator struct {
	r     *wal.Reader
	batch core.WriteOpBatch
}

// GetWriteOpBatchesSince returns every committed batch whose sequence number
// is greater than sn. It fails with core.ErrSequenceExpired when some of
// those batches are no longer retained.
func (d *DB) GetWriteOpBatchesSince(sn uint64) (*WriteOpBatchIterator, error) {
	if d.closed.Load() {
		return nil, core.ErrClosed
	}
	r, err := d.engine.GetUpdatesSince(sn)
	if err != nil {
		return nil, err
	}
	return &WriteOpBatchIterator{r: r}, nil
}

// Next advances to the next batch and reports whether there is one.
func (it *WriteOpBatchIterator) Next() bool {
	if !it.r.Next() {
		return false
	}
	it.batch = *it.r.Batch()
	return true
}

// Batch returns the current batch. It stays valid after Next.
func (it *WriteOpBatchIterator) Batch() *core.WriteOpBatch {
	b := it.batch
	return &b
}

func (it *WriteOpBatchIterator) Err() error {
	return it.r.Err()
}

func (it *WriteOpBatchIterator) Close() error {
	return it.r.Close()
}

// Replay applies batches read from another database, one atomic write per
// batch and in the given order. It returns the sequence number of the last
// source batch, or 0 when batches is empty.
func (d *DB) Replay(ctx context.Context, batches []*core.WriteOpBatch) (uint64, error) {
	if d.closed.Load() {
		return 0, core.ErrClosed
	}
	var last uint64
	for _, src := range batches {
		b := engine.NewBatch()
		for _, op := range src.Ops {
			switch op.Type {
			case core.EntryTypePut:
				b.Put(op.Key, op.Value)
			case core.EntryTypeDelete:
				b.Delete(op.Key)
			case core.EntryTypeDeleteRange:
				b.DeleteRange(op.Key, op.EndKey)
			case core.EntryTypeMerge:
				b.Merge(op.Key, op.Value)
			default:
				return last, fmt.Errorf("batch %d holds unknown op type %v: %w", src.SN, op.Type, core.ErrCorrupted)
			}
		}
		if _, err := d.engine.Write(ctx, b); err != nil {
			return last, fmt.Errorf("failed to replay batch %d: %w", src.SN, err)
		}
		last = src.SN
	}
	if len(batches) > 0 {
		d.reseedTableID(ctx)
	}
	return last, nil
}

// reseedTableID moves the id counter past ids registered by replayed batches.
func (d *DB) reseedTableID(ctx context.Context) {
	last, err := d.loadLastTableID(ctx)
	if err != nil {
		d.logger.Warn("Failed to reseed table id counter after replay", "error", err)
		return
	}
	for {
		cur := d.lastTableID.Load()
		if uint32(last) <= cur || d.lastTableID.CompareAndSwap(cur, uint32(last)) {
			return
		}
	}
}
