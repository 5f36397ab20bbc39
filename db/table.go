package db

import (
	"context"
	"fmt"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/engine"
)

// Table is a named, ordered key-value space inside a DB. Keys and values are
// opaque bytes; keys of different tables never collide. A handle stays bound
// to the id it was opened with, so Name reports the name at open time.
type Table interface {
	ID() core.TableID
	Name() string

	Put(ctx context.Context, key, value []byte) error
	// Get returns core.ErrNotFound when key is absent.
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
	// DeleteRange removes the keys in [start, end).
	DeleteRange(ctx context.Context, start, end []byte) error

	NewCursor(ctx context.Context) (Cursor, error)
	NewWriteBatch() *WriteBatch
	Write(ctx context.Context, batch *WriteBatch) error

	encodeValue(value []byte) []byte
	weight() int64
}

// tableBase holds what both table flavours share: the id and its key range.
type tableBase struct {
	db   *DB
	id   core.TableID
	name string
	head []byte
	tail []byte
}

func (t *tableBase) ID() core.TableID { return t.id }
func (t *tableBase) Name() string     { return t.name }

func (t *tableBase) innerKey(key []byte) []byte {
	return core.BuildInnerKey(t.id, key)
}

func (t *tableBase) Delete(ctx context.Context, key []byte) error {
	if t.db.closed.Load() {
		return core.ErrClosed
	}
	_, err := t.db.engine.Delete(ctx, t.innerKey(key))
	return err
}

func (t *tableBase) DeleteRange(ctx context.Context, start, end []byte) error {
	if t.db.closed.Load() {
		return core.ErrClosed
	}
	_, err := t.db.engine.DeleteRange(ctx, t.innerKey(start), t.innerKey(end))
	return err
}

func (t *tableBase) Write(ctx context.Context, batch *WriteBatch) error {
	if t.db.closed.Load() {
		return core.ErrClosed
	}
	if batch.table.ID() != t.id {
		return fmt.Errorf("write batch of table %d committed to table %d: %w", batch.table.ID(), t.id, core.ErrInvalidKey)
	}
	_, err := t.db.engine.Write(ctx, batch.batch)
	return err
}

func (t *tableBase) getRaw(ctx context.Context, key []byte) ([]byte, error) {
	if t.db.closed.Load() {
		return nil, core.ErrClosed
	}
	return t.db.engine.Get(ctx, t.innerKey(key))
}

func (t *tableBase) putRaw(ctx context.Context, key, value []byte) error {
	if t.db.closed.Load() {
		return core.ErrClosed
	}
	_, err := t.db.engine.Put(ctx, t.innerKey(key), value)
	return err
}

func (t *tableBase) newIterator(ctx context.Context) (*engine.Iterator, error) {
	if t.db.closed.Load() {
		return nil, core.ErrClosed
	}
	return t.db.engine.NewIterator(ctx, engine.IterOptions{LowerBound: t.head, UpperBound: t.tail})
}

// normalTable stores values as given.
type normalTable struct {
	tableBase
}

var _ Table = (*normalTable)(nil)

func (t *normalTable) Put(ctx context.Context, key, value []byte) error {
	return t.putRaw(ctx, key, value)
}

func (t *normalTable) Get(ctx context.Context, key []byte) ([]byte, error) {
	return t.getRaw(ctx, key)
}

func (t *normalTable) NewCursor(ctx context.Context) (Cursor, error) {
	it, err := t.newIterator(ctx)
	if err != nil {
		return nil, err
	}
	return newCursor(it, t.id, nil), nil
}

func (t *normalTable) NewWriteBatch() *WriteBatch {
	return newWriteBatch(t)
}

func (t *normalTable) encodeValue(value []byte) []byte { return value }
func (t *normalTable) weight() int64                   { return normalHandleWeight }

func (t *normalTable) String() string {
	return fmt.Sprintf("Table{name: %q, id: %d}", t.name, t.id)
}
