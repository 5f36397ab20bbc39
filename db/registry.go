package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/engine"
	"github.com/INLOpen/seriesdb/hooks"
)

// TableInfo names one registered table.
type TableInfo struct {
	Name string
	ID   core.TableID
}

// OpenTable returns the table called name, creating it on first use.
// Handles are cached, so repeated opens are cheap.
func (d *DB) OpenTable(ctx context.Context, name string) (Table, error) {
	if d.closed.Load() {
		return nil, core.ErrClosed
	}
	for {
		if t, ok := d.handles.Get(name); ok {
			return t, nil
		}
		id, ok, err := d.GetTableIDByName(ctx, name)
		if err != nil {
			return nil, err
		}
		var t Table
		if ok {
			t = d.newTable(id, name)
		} else if t, err = d.CreateTable(ctx, name); err != nil {
			return nil, err
		}
		cached, err := d.cacheHandle(ctx, t)
		if err != nil {
			return nil, err
		}
		if cached {
			return t, nil
		}
		// The table was destroyed or renamed after it was resolved.
	}
}

// cacheHandle caches t if its name still resolves to its id. Destroy and
// rename evict under the exclusive registry lock, so a handle cached here
// is either still registered or evicted afterwards.
func (d *DB) cacheHandle(ctx context.Context, t Table) (bool, error) {
	d.regMu.RLock()
	defer d.regMu.RUnlock()
	id, ok, err := d.GetTableIDByName(ctx, t.Name())
	if err != nil {
		return false, err
	}
	if !ok || id != t.ID() {
		return false, nil
	}
	d.handles.Put(t.Name(), t)
	return true, nil
}

// CreateTable registers name under a fresh id, or returns the existing table
// when name is already registered. Concurrent callers for the same name share
// one registration and observe the same id or the same error. Different
// names register in parallel.
func (d *DB) CreateTable(ctx context.Context, name string) (Table, error) {
	if d.closed.Load() {
		return nil, core.ErrClosed
	}
	v, err, _ := d.createGroup.Do(name, func() (interface{}, error) {
		id, created, err := d.createLocked(ctx, name)
		if err != nil || !created {
			return id, err
		}
		d.logger.Info("Table created", "name", name, "id", id)
		d.hooks.Trigger(ctx, hooks.NewPostCreateTableEvent(hooks.TablePayload{Name: name, ID: uint32(id)}))
		return id, nil
	})
	if err != nil {
		return nil, err
	}
	return d.newTable(v.(core.TableID), name), nil
}

// createLocked resolves or registers name while holding the registry lock
// shared, so a concurrent rename cannot claim name in between.
func (d *DB) createLocked(ctx context.Context, name string) (core.TableID, bool, error) {
	d.regMu.RLock()
	defer d.regMu.RUnlock()

	id, ok, err := d.GetTableIDByName(ctx, name)
	if err != nil || ok {
		return id, false, err
	}
	id, err = d.generateNextTableID()
	if err != nil {
		return 0, false, err
	}
	if err := d.registerTable(ctx, id, name); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// registerTable writes both registry records in one batch. The records are
// merge operands so that the first registration of a name or id wins.
func (d *DB) registerTable(ctx context.Context, id core.TableID, name string) error {
	b := engine.NewBatch()
	b.Merge(core.BuildNameToIDKey(name), core.TableIDToBytes(id))
	b.Merge(core.BuildIDToNameKey(id), []byte(name))
	if _, err := d.engine.Write(ctx, b); err != nil {
		return fmt.Errorf("failed to register table %q: %w", name, err)
	}
	return nil
}

// generateNextTableID hands out the next userland id. Ids are never reused
// within the lifetime of a DB.
func (d *DB) generateNextTableID() (core.TableID, error) {
	for {
		cur := d.lastTableID.Load()
		next := cur + 1
		if next >= uint32(core.MaxUserlandTableID) {
			return 0, &core.ExceededLimitError{Current: next, Max: uint32(core.MaxUserlandTableID)}
		}
		if d.lastTableID.CompareAndSwap(cur, next) {
			return core.TableID(next), nil
		}
	}
}

// DestroyTable removes the registration and every record of a table. A name
// that is not registered is ignored.
func (d *DB) DestroyTable(ctx context.Context, name string) error {
	if d.closed.Load() {
		return core.ErrClosed
	}
	d.regMu.Lock()
	defer d.regMu.Unlock()

	id, ok, err := d.GetTableIDByName(ctx, name)
	if err != nil || !ok {
		return err
	}
	payload := hooks.TablePayload{Name: name, ID: uint32(id)}
	if err := d.hooks.Trigger(ctx, hooks.NewPreDestroyTableEvent(payload)); err != nil {
		return fmt.Errorf("destroy table %q: %w: %w", name, core.ErrCancelled, err)
	}

	b := engine.NewBatch()
	b.Delete(core.BuildNameToIDKey(name))
	b.Delete(core.BuildIDToNameKey(id))
	b.DeleteRange(core.BuildHeadAnchor(id), core.BuildTailAnchor(id))
	if _, err := d.engine.Write(ctx, b); err != nil {
		return fmt.Errorf("failed to destroy table %q: %w", name, err)
	}
	d.handles.Remove(name)
	d.logger.Info("Table destroyed", "name", name, "id", id)
	d.hooks.Trigger(ctx, hooks.NewPostDestroyTableEvent(payload))
	return nil
}

// TruncateTable deletes every record of a table but keeps it registered.
func (d *DB) TruncateTable(ctx context.Context, name string) error {
	if d.closed.Load() {
		return core.ErrClosed
	}
	id, ok, err := d.GetTableIDByName(ctx, name)
	if err != nil || !ok {
		return err
	}
	payload := hooks.TablePayload{Name: name, ID: uint32(id)}
	if err := d.hooks.Trigger(ctx, hooks.NewPreTruncateTableEvent(payload)); err != nil {
		return fmt.Errorf("truncate table %q: %w: %w", name, core.ErrCancelled, err)
	}
	if _, err := d.engine.DeleteRange(ctx, core.BuildHeadAnchor(id), core.BuildTailAnchor(id)); err != nil {
		return fmt.Errorf("failed to truncate table %q: %w", name, err)
	}
	d.logger.Info("Table truncated", "name", name, "id", id)
	d.hooks.Trigger(ctx, hooks.NewPostTruncateTableEvent(payload))
	return nil
}

// RenameTable moves the table called oldName to newName, keeping its id and
// data. Renaming an unknown table is a no-op; renaming onto a registered
// name fails with core.ErrTableExists.
func (d *DB) RenameTable(ctx context.Context, oldName, newName string) error {
	if d.closed.Load() {
		return core.ErrClosed
	}
	if oldName == newName {
		return nil
	}
	d.regMu.Lock()
	defer d.regMu.Unlock()

	id, ok, err := d.GetTableIDByName(ctx, oldName)
	if err != nil || !ok {
		return err
	}
	_, exists, err := d.GetTableIDByName(ctx, newName)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("rename %q to %q: %w", oldName, newName, core.ErrTableExists)
	}
	payload := hooks.RenameTablePayload{OldName: oldName, NewName: newName, ID: uint32(id)}
	if err := d.hooks.Trigger(ctx, hooks.NewPreRenameTableEvent(payload)); err != nil {
		return fmt.Errorf("rename table %q: %w: %w", oldName, core.ErrCancelled, err)
	}

	b := engine.NewBatch()
	b.Delete(core.BuildNameToIDKey(oldName))
	b.Delete(core.BuildIDToNameKey(id))
	b.Put(core.BuildNameToIDKey(newName), core.TableIDToBytes(id))
	b.Put(core.BuildIDToNameKey(id), []byte(newName))
	if _, err := d.engine.Write(ctx, b); err != nil {
		return fmt.Errorf("failed to rename table %q to %q: %w", oldName, newName, err)
	}
	d.handles.Remove(oldName)
	d.handles.Remove(newName)
	d.logger.Info("Table renamed", "old_name", oldName, "new_name", newName, "id", id)
	d.hooks.Trigger(ctx, hooks.NewPostRenameTableEvent(payload))
	return nil
}

// GetTableInfos lists every registered table ordered by id.
func (d *DB) GetTableInfos(ctx context.Context) ([]TableInfo, error) {
	if d.closed.Load() {
		return nil, core.ErrClosed
	}
	it, err := d.engine.NewIterator(ctx, engine.IterOptions{
		LowerBound: core.BuildHeadAnchor(core.IDToNameTableID),
		UpperBound: core.BuildTailAnchor(core.IDToNameTableID),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var infos []TableInfo
	for ok := it.First(); ok; ok = it.Next() {
		userKey, err := core.ExtractUserKey(it.Key())
		if err != nil {
			return nil, err
		}
		id, err := core.TableIDFromBytes(userKey)
		if err != nil {
			return nil, fmt.Errorf("malformed id->name record: %w", err)
		}
		infos = append(infos, TableInfo{Name: string(it.Value()), ID: id})
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan table registry: %w", err)
	}
	return infos, nil
}

// GetTableIDByName resolves a table name. ok is false when the name is not
// registered.
func (d *DB) GetTableIDByName(ctx context.Context, name string) (id core.TableID, ok bool, err error) {
	v, err := d.engine.Get(ctx, core.BuildNameToIDKey(name))
	if errors.Is(err, core.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err = core.TableIDFromBytes(v)
	if err != nil {
		return 0, false, fmt.Errorf("malformed name->id record for %q: %w", name, err)
	}
	return id, true, nil
}

// GetTableNameByID resolves a table id. ok is false when the id is not
// registered.
func (d *DB) GetTableNameByID(ctx context.Context, id core.TableID) (name string, ok bool, err error) {
	v, err := d.engine.Get(ctx, core.BuildIDToNameKey(id))
	if errors.Is(err, core.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

func (d *DB) newTable(id core.TableID, name string) Table {
	base := tableBase{
		db:   d,
		id:   id,
		name: name,
		head: core.BuildHeadAnchor(id),
		tail: core.BuildTailAnchor(id),
	}
	if d.opts.TTLEnabled {
		return &ttlTable{tableBase: base, clock: d.clock}
	}
	return &normalTable{tableBase: base}
}
