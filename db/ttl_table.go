package db

import (
	"context"
	"fmt"

	"github.com/INLOpen/seriesdb/core"
)

// ttlTable frames every value with the unix second it was written at. The
// frame is added here and stripped by ttlTable and its cursor only, so the
// caller always sees plain values.
type ttlTable struct {
	tableBase
	clock core.Clock
}

var _ Table = (*ttlTable)(nil)

func (t *ttlTable) Put(ctx context.Context, key, value []byte) error {
	return t.putRaw(ctx, key, t.encodeValue(value))
}

func (t *ttlTable) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, _, err := t.GetWithTimestamp(ctx, key)
	return v, err
}

// GetWithTimestamp returns the value of key along with its write time in
// unix seconds.
func (t *ttlTable) GetWithTimestamp(ctx context.Context, key []byte) ([]byte, uint32, error) {
	raw, err := t.getRaw(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return decodeTimestamped(raw)
}

func (t *ttlTable) NewCursor(ctx context.Context) (Cursor, error) {
	it, err := t.newIterator(ctx)
	if err != nil {
		return nil, err
	}
	return &ttlCursor{cursor: newCursor(it, t.id, decodeTimestamped)}, nil
}

func (t *ttlTable) NewWriteBatch() *WriteBatch {
	return newWriteBatch(t)
}

func (t *ttlTable) encodeValue(value []byte) []byte {
	return core.BuildTimestampedValue(core.UnixSeconds(t.clock), value)
}

func (t *ttlTable) weight() int64 {
	return ttlHandleBaseWeight + int64(len(t.tail))
}

func (t *ttlTable) String() string {
	return fmt.Sprintf("TTLTable{name: %q, id: %d}", t.name, t.id)
}

// TimestampedTable is implemented by tables of a TTL-enabled DB.
type TimestampedTable interface {
	Table
	GetWithTimestamp(ctx context.Context, key []byte) ([]byte, uint32, error)
}

var _ TimestampedTable = (*ttlTable)(nil)

func decodeTimestamped(raw []byte) ([]byte, uint32, error) {
	ts, err := core.ExtractTimestamp(raw)
	if err != nil {
		return nil, 0, err
	}
	v, err := core.ExtractValue(raw)
	if err != nil {
		return nil, 0, err
	}
	return v, ts, nil
}
