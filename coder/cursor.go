package coder

import (
	"github.com/INLOpen/seriesdb/db"
)

// TypedCursor walks a table and decodes its records. A key that cannot be
// encoded for a seek leaves the cursor invalid until the next successful
// seek and is reported by Err.
type TypedCursor[K, V any] struct {
	raw   db.Cursor
	coder Coder[K, V]
	err   error
}

func (c *TypedCursor[K, V]) SeekToFirst() bool {
	c.err = nil
	return c.raw.SeekToFirst()
}

func (c *TypedCursor[K, V]) SeekToLast() bool {
	c.err = nil
	return c.raw.SeekToLast()
}

func (c *TypedCursor[K, V]) Next() bool {
	return c.err == nil && c.raw.Next()
}

func (c *TypedCursor[K, V]) Prev() bool {
	return c.err == nil && c.raw.Prev()
}

func (c *TypedCursor[K, V]) Seek(key K) bool {
	k, err := c.coder.EncodeKey(key)
	c.err = err
	if err != nil {
		return false
	}
	return c.raw.Seek(k)
}

func (c *TypedCursor[K, V]) SeekForPrev(key K) bool {
	k, err := c.coder.EncodeKey(key)
	c.err = err
	if err != nil {
		return false
	}
	return c.raw.SeekForPrev(k)
}

func (c *TypedCursor[K, V]) Valid() bool {
	return c.err == nil && c.raw.Valid()
}

func (c *TypedCursor[K, V]) Key() (K, error) {
	return c.coder.DecodeKey(c.raw.Key())
}

func (c *TypedCursor[K, V]) Value() (V, error) {
	return c.coder.DecodeValue(c.raw.Value())
}

// Entry decodes the current record.
func (c *TypedCursor[K, V]) Entry() (Entry[K, V], error) {
	k, err := c.Key()
	if err != nil {
		return Entry[K, V]{}, err
	}
	v, err := c.Value()
	if err != nil {
		return Entry[K, V]{}, err
	}
	return Entry[K, V]{Key: k, Value: v}, nil
}

// Timestamp returns the write time of the current record when the table
// frames values with timestamps.
func (c *TypedCursor[K, V]) Timestamp() (uint32, bool) {
	tc, ok := c.raw.(db.TimestampedCursor)
	if !ok {
		return 0, false
	}
	return tc.Timestamp(), true
}

func (c *TypedCursor[K, V]) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.raw.Err()
}

func (c *TypedCursor[K, V]) Close() error {
	return c.raw.Close()
}
