package db

import (
	"context"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/engine"
)

// WriteBatch collects writes to one table and commits them atomically.
type WriteBatch struct {
	table Table
	batch *engine.Batch
}

func newWriteBatch(t Table) *WriteBatch {
	return &WriteBatch{table: t, batch: engine.NewBatch()}
}

func (b *WriteBatch) Put(key, value []byte) {
	b.batch.Put(core.BuildInnerKey(b.table.ID(), key), b.table.encodeValue(value))
}

func (b *WriteBatch) Delete(key []byte) {
	b.batch.Delete(core.BuildInnerKey(b.table.ID(), key))
}

// DeleteRange removes the keys in [start, end).
func (b *WriteBatch) DeleteRange(start, end []byte) {
	id := b.table.ID()
	b.batch.DeleteRange(core.BuildInnerKey(id, start), core.BuildInnerKey(id, end))
}

// Count returns the number of operations queued.
func (b *WriteBatch) Count() int {
	return b.batch.Count()
}

func (b *WriteBatch) Reset() {
	b.batch.Reset()
}

// Write commits the batch to its table.
func (b *WriteBatch) Write(ctx context.Context) error {
	return b.table.Write(ctx, b)
}

// WriteBatchX collects writes to any number of tables of one DB. It is
// committed atomically with DB.Write.
type WriteBatchX struct {
	batch *engine.Batch
}

func NewWriteBatchX() *WriteBatchX {
	return &WriteBatchX{batch: engine.NewBatch()}
}

func (b *WriteBatchX) Put(t Table, key, value []byte) {
	b.batch.Put(core.BuildInnerKey(t.ID(), key), t.encodeValue(value))
}

func (b *WriteBatchX) Delete(t Table, key []byte) {
	b.batch.Delete(core.BuildInnerKey(t.ID(), key))
}

// DeleteRange removes the keys of t in [start, end).
func (b *WriteBatchX) DeleteRange(t Table, start, end []byte) {
	b.batch.DeleteRange(core.BuildInnerKey(t.ID(), start), core.BuildInnerKey(t.ID(), end))
}

func (b *WriteBatchX) Count() int {
	return b.batch.Count()
}

func (b *WriteBatchX) Reset() {
	b.batch.Reset()
}
