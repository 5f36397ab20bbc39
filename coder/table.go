package coder

import (
	"context"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/db"
)

// Entry is one decoded record.
type Entry[K, V any] struct {
	Key   K
	Value V
}

// TypedTable reads and writes a db.Table through a Coder.
type TypedTable[K, V any] struct {
	raw   db.Table
	coder Coder[K, V]
}

func NewTypedTable[K, V any](raw db.Table, coder Coder[K, V]) *TypedTable[K, V] {
	return &TypedTable[K, V]{raw: raw, coder: coder}
}

// Raw returns the underlying table.
func (t *TypedTable[K, V]) Raw() db.Table    { return t.raw }
func (t *TypedTable[K, V]) ID() core.TableID { return t.raw.ID() }
func (t *TypedTable[K, V]) Name() string     { return t.raw.Name() }

func (t *TypedTable[K, V]) Put(ctx context.Context, key K, value V) error {
	k, err := t.coder.EncodeKey(key)
	if err != nil {
		return err
	}
	v, err := t.coder.EncodeValue(value)
	if err != nil {
		return err
	}
	return t.raw.Put(ctx, k, v)
}

// Get returns core.ErrNotFound when key is absent.
func (t *TypedTable[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	k, err := t.coder.EncodeKey(key)
	if err != nil {
		return zero, err
	}
	raw, err := t.raw.Get(ctx, k)
	if err != nil {
		return zero, err
	}
	return t.coder.DecodeValue(raw)
}

func (t *TypedTable[K, V]) Delete(ctx context.Context, key K) error {
	k, err := t.coder.EncodeKey(key)
	if err != nil {
		return err
	}
	return t.raw.Delete(ctx, k)
}

// DeleteRange removes the keys in [start, end).
func (t *TypedTable[K, V]) DeleteRange(ctx context.Context, start, end K) error {
	s, err := t.coder.EncodeKey(start)
	if err != nil {
		return err
	}
	e, err := t.coder.EncodeKey(end)
	if err != nil {
		return err
	}
	return t.raw.DeleteRange(ctx, s, e)
}

func (t *TypedTable[K, V]) NewCursor(ctx context.Context) (*TypedCursor[K, V], error) {
	c, err := t.raw.NewCursor(ctx)
	if err != nil {
		return nil, err
	}
	return &TypedCursor[K, V]{raw: c, coder: t.coder}, nil
}

func (t *TypedTable[K, V]) NewWriteBatch() *TypedWriteBatch[K, V] {
	return &TypedWriteBatch[K, V]{raw: t.raw.NewWriteBatch(), coder: t.coder}
}

func (t *TypedTable[K, V]) Write(ctx context.Context, batch *TypedWriteBatch[K, V]) error {
	return t.raw.Write(ctx, batch.raw)
}

// PutInto queues a typed put in a cross-table batch.
func (t *TypedTable[K, V]) PutInto(batch *db.WriteBatchX, key K, value V) error {
	k, err := t.coder.EncodeKey(key)
	if err != nil {
		return err
	}
	v, err := t.coder.EncodeValue(value)
	if err != nil {
		return err
	}
	batch.Put(t.raw, k, v)
	return nil
}

// DeleteInto queues a typed delete in a cross-table batch.
func (t *TypedTable[K, V]) DeleteInto(batch *db.WriteBatchX, key K) error {
	k, err := t.coder.EncodeKey(key)
	if err != nil {
		return err
	}
	batch.Delete(t.raw, k)
	return nil
}

// TypedWriteBatch collects typed writes to one table.
type TypedWriteBatch[K, V any] struct {
	raw   *db.WriteBatch
	coder Coder[K, V]
}

func (b *TypedWriteBatch[K, V]) Put(key K, value V) error {
	k, err := b.coder.EncodeKey(key)
	if err != nil {
		return err
	}
	v, err := b.coder.EncodeValue(value)
	if err != nil {
		return err
	}
	b.raw.Put(k, v)
	return nil
}

func (b *TypedWriteBatch[K, V]) Delete(key K) error {
	k, err := b.coder.EncodeKey(key)
	if err != nil {
		return err
	}
	b.raw.Delete(k)
	return nil
}

func (b *TypedWriteBatch[K, V]) DeleteRange(start, end K) error {
	s, err := b.coder.EncodeKey(start)
	if err != nil {
		return err
	}
	e, err := b.coder.EncodeKey(end)
	if err != nil {
		return err
	}
	b.raw.DeleteRange(s, e)
	return nil
}

func (b *TypedWriteBatch[K, V]) Count() int {
	return b.raw.Count()
}

func (b *TypedWriteBatch[K, V]) Write(ctx context.Context) error {
	return b.raw.Write(ctx)
}
