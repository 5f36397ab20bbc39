package db

import (
	"bytes"
	"context"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/engine"
)

// keyOrder classifies a key against the largest key of its table.
type keyOrder int

const (
	keyLess keyOrder = iota
	keyEqual
	keyGreater
)

// maxKeyComparator answers whether an inner key is the largest key of its
// table in a fixed snapshot. Max keys are cached per table; a cached max
// that is >= the probed key decides without reading.
type maxKeyComparator struct {
	snapshot *engine.Snapshot
	maxKeys  map[core.TableID][]byte
}

func newMaxKeyComparator(snapshot *engine.Snapshot) *maxKeyComparator {
	return &maxKeyComparator{snapshot: snapshot, maxKeys: make(map[core.TableID][]byte)}
}

// compare returns the order of key relative to the max key of its table.
// With no snapshot or on read errors the key counts as the max.
func (c *maxKeyComparator) compare(ctx context.Context, id core.TableID, key []byte) keyOrder {
	if c.snapshot == nil {
		return keyEqual
	}
	if cached, ok := c.maxKeys[id]; ok && bytes.Compare(cached, key) >= 0 {
		return order(key, cached)
	}
	maxKey, ok, err := c.readMaxKey(ctx, id)
	if err != nil {
		return keyEqual
	}
	if !ok {
		delete(c.maxKeys, id)
		return keyGreater
	}
	c.maxKeys[id] = maxKey
	return order(key, maxKey)
}

func (c *maxKeyComparator) readMaxKey(ctx context.Context, id core.TableID) ([]byte, bool, error) {
	it, err := c.snapshot.NewIterator(ctx, engine.IterOptions{
		LowerBound: core.BuildHeadAnchor(id),
		UpperBound: core.BuildTailAnchor(id),
	})
	if err != nil {
		return nil, false, err
	}
	defer it.Close()
	if !it.Last() {
		return nil, false, it.Error()
	}
	return append([]byte(nil), it.Key()...), true, nil
}

func order(key, maxKey []byte) keyOrder {
	switch bytes.Compare(key, maxKey) {
	case -1:
		return keyLess
	case 0:
		return keyEqual
	}
	return keyGreater
}

func (c *maxKeyComparator) release() {
	if c.snapshot != nil {
		c.snapshot.Release()
	}
}
