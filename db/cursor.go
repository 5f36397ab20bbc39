package db

import (
	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/engine"
)

// Cursor walks the records of one table in key order, in either direction.
// Positioning methods report whether the cursor landed on a record. Key and
// Value are valid until the next positioning call. A Cursor reads a
// consistent view taken when it was created, is not safe for concurrent use
// and must be closed.
type Cursor interface {
	SeekToFirst() bool
	SeekToLast() bool
	// Seek moves to the first key >= key.
	Seek(key []byte) bool
	// SeekForPrev moves to the last key <= key.
	SeekForPrev(key []byte) bool
	Next() bool
	Prev() bool

	Valid() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// TimestampedCursor is implemented by cursors of TTL tables.
type TimestampedCursor interface {
	Cursor
	// Timestamp returns the write time of the current record in unix seconds.
	Timestamp() uint32
}

type valueDecoder func(raw []byte) (value []byte, ts uint32, err error)

type cursor struct {
	it     *engine.Iterator
	table  core.TableID
	decode valueDecoder

	key   []byte
	value []byte
	ts    uint32
	err   error
}

func newCursor(it *engine.Iterator, table core.TableID, decode valueDecoder) *cursor {
	return &cursor{it: it, table: table, decode: decode}
}

func (c *cursor) SeekToFirst() bool {
	return c.settle(c.it.First())
}

func (c *cursor) SeekToLast() bool {
	return c.settle(c.it.Last())
}

func (c *cursor) Seek(key []byte) bool {
	return c.settle(c.it.SeekGE(core.BuildInnerKey(c.table, key)))
}

func (c *cursor) SeekForPrev(key []byte) bool {
	return c.settle(c.it.SeekLE(core.BuildInnerKey(c.table, key)))
}

func (c *cursor) Next() bool {
	if !c.Valid() {
		return false
	}
	return c.settle(c.it.Next())
}

func (c *cursor) Prev() bool {
	if !c.Valid() {
		return false
	}
	return c.settle(c.it.Prev())
}

func (c *cursor) settle(ok bool) bool {
	c.key, c.value, c.ts = nil, nil, 0
	if !ok || c.err != nil {
		return false
	}
	key, err := core.ExtractUserKey(c.it.Key())
	if err != nil {
		c.err = err
		return false
	}
	value := c.it.Value()
	if c.decode != nil {
		if value, c.ts, err = c.decode(value); err != nil {
			c.err = err
			return false
		}
	}
	c.key, c.value = key, value
	return true
}

func (c *cursor) Valid() bool {
	return c.err == nil && c.it.Valid()
}

func (c *cursor) Key() []byte {
	return c.key
}

func (c *cursor) Value() []byte {
	return c.value
}

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.it.Error()
}

func (c *cursor) Close() error {
	return c.it.Close()
}

type ttlCursor struct {
	*cursor
}

var _ TimestampedCursor = (*ttlCursor)(nil)

func (c *ttlCursor) Timestamp() uint32 {
	return c.ts
}
