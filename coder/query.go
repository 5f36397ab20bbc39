package coder

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/INLOpen/seriesdb/core"
)

// A limit <= 0 means no limit in the queries below. Results are always in
// ascending key order.

// GetSince returns up to limit entries with keys >= key.
func (t *TypedTable[K, V]) GetSince(ctx context.Context, key K, limit int) ([]Entry[K, V], error) {
	c, err := t.NewCursor(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return collect(c, c.Seek(key), c.Next, limit, nil)
}

// GetUntil returns the last limit entries with keys <= key.
func (t *TypedTable[K, V]) GetUntil(ctx context.Context, key K, limit int) ([]Entry[K, V], error) {
	c, err := t.NewCursor(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	out, err := collect(c, c.SeekForPrev(key), c.Prev, limit, nil)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// GetBetween returns up to limit entries with start <= key <= end.
func (t *TypedTable[K, V]) GetBetween(ctx context.Context, start, end K, limit int) ([]Entry[K, V], error) {
	upper, err := t.coder.EncodeKey(end)
	if err != nil {
		return nil, err
	}
	c, err := t.NewCursor(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	stop := func() bool { return bytes.Compare(c.raw.Key(), upper) > 0 }
	return collect(c, c.Seek(start), c.Next, limit, stop)
}

// GetReverseNth returns the n-th entry counted from the end, 0 being the
// last. It fails with core.ErrNotFound when the table holds n or fewer
// entries.
func (t *TypedTable[K, V]) GetReverseNth(ctx context.Context, n int) (Entry[K, V], error) {
	if n < 0 {
		return Entry[K, V]{}, fmt.Errorf("negative position %d: %w", n, core.ErrInvalidKey)
	}
	c, err := t.NewCursor(ctx)
	if err != nil {
		return Entry[K, V]{}, err
	}
	defer c.Close()
	ok := c.SeekToLast()
	for i := 0; ok && i < n; i++ {
		ok = c.Prev()
	}
	if !ok {
		if err := c.Err(); err != nil {
			return Entry[K, V]{}, err
		}
		return Entry[K, V]{}, core.ErrNotFound
	}
	return c.Entry()
}

// GetFirstKey returns the smallest key, or core.ErrNotFound on an empty table.
func (t *TypedTable[K, V]) GetFirstKey(ctx context.Context) (K, error) {
	return t.boundaryKey(ctx, (*TypedCursor[K, V]).SeekToFirst)
}

// GetLastKey returns the largest key, or core.ErrNotFound on an empty table.
func (t *TypedTable[K, V]) GetLastKey(ctx context.Context) (K, error) {
	return t.boundaryKey(ctx, (*TypedCursor[K, V]).SeekToLast)
}

// GetBoundary returns the smallest and the largest key, read from one
// consistent view.
func (t *TypedTable[K, V]) GetBoundary(ctx context.Context) (first, last K, err error) {
	c, err := t.NewCursor(ctx)
	if err != nil {
		return first, last, err
	}
	defer c.Close()
	if first, err = cursorKey(c, c.SeekToFirst()); err != nil {
		return first, last, err
	}
	last, err = cursorKey(c, c.SeekToLast())
	return first, last, err
}

func (t *TypedTable[K, V]) boundaryKey(ctx context.Context, seek func(*TypedCursor[K, V]) bool) (K, error) {
	c, err := t.NewCursor(ctx)
	if err != nil {
		var zero K
		return zero, err
	}
	defer c.Close()
	return cursorKey(c, seek(c))
}

func cursorKey[K, V any](c *TypedCursor[K, V], ok bool) (K, error) {
	if !ok {
		var zero K
		if err := c.Err(); err != nil {
			return zero, err
		}
		return zero, core.ErrNotFound
	}
	return c.Key()
}

func collect[K, V any](c *TypedCursor[K, V], ok bool, step func() bool, limit int, stop func() bool) ([]Entry[K, V], error) {
	var out []Entry[K, V]
	for ; ok && (limit <= 0 || len(out) < limit); ok = step() {
		if stop != nil && stop() {
			break
		}
		e, err := c.Entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
