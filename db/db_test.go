package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T, dir string) Options {
	t.Helper()
	opts := DefaultOptions(dir)
	opts.Engine.WriteBufferSize = 1 << 20
	opts.Engine.BlockSize = 256
	opts.Engine.BlockCacheSize = 1 << 20
	opts.Engine.DisableAutoCompactions = true
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	d, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func openTable(t *testing.T, d *DB, name string) Table {
	t.Helper()
	tbl, err := d.OpenTable(context.Background(), name)
	require.NoError(t, err)
	return tbl
}

func requireGet(t *testing.T, tbl Table, key, want string) {
	t.Helper()
	got, err := tbl.Get(context.Background(), []byte(key))
	require.NoError(t, err, "key %s", key)
	assert.Equal(t, want, string(got), "key %s", key)
}

func requireNotFound(t *testing.T, tbl Table, key string) {
	t.Helper()
	_, err := tbl.Get(context.Background(), []byte(key))
	require.ErrorIs(t, err, core.ErrNotFound, "key %s", key)
}

func TestOpen_FreshStoreWritesInfoRecords(t *testing.T) {
	d := openTestDB(t, testOptions(t, t.TempDir()))
	ctx := context.Background()

	assert.Equal(t, uint64(2), d.GetLatestSN())

	v, err := d.engine.Get(ctx, core.BuildInfoItemKey(core.PlaceholderItemID))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, v)
	v, err = d.engine.Get(ctx, core.BuildInfoItemKey(core.TTLItemID))
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, v)
}

func TestOpen_ReopenWritesNothing(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	d, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d = openTestDB(t, opts)
	assert.Equal(t, uint64(2), d.GetLatestSN())
}

func TestOpen_InconsistentTTLFlag(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	d, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	opts.TTLEnabled = true
	opts.TTL = time.Hour
	_, err = Open(opts)
	require.Error(t, err)
	assert.True(t, core.IsInconsistentTTLEnabled(err))
	var ttlErr *core.InconsistentTTLEnabledError
	require.True(t, errors.As(err, &ttlErr))
	assert.False(t, ttlErr.Current)
	assert.True(t, ttlErr.Wanted)

	// The failed open released the directory.
	opts.TTLEnabled = false
	openTestDB(t, opts)
}

func TestOpen_RejectsBadOptions(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)

	opts := testOptions(t, t.TempDir())
	opts.TTLEnabled = true
	_, err = Open(opts)
	assert.ErrorContains(t, err, "ttl must be at least 1s")

	// Sub-second ttls would truncate to zero seconds and expire everything.
	opts.TTL = 500 * time.Millisecond
	_, err = Open(opts)
	assert.ErrorContains(t, err, "ttl must be at least 1s")

	opts.TTL = time.Second
	d := openTestDB(t, opts)
	assert.True(t, d.TTLEnabled())
}

func TestSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))

	// Registration takes two ops.
	_, err := d.CreateTable(ctx, "1m")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), d.GetLatestSN())
	t3, err := d.CreateTable(ctx, "3m")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), d.GetLatestSN())

	// Destroy deletes both registry records and the data range.
	require.NoError(t, d.DestroyTable(ctx, "1m"))
	assert.Equal(t, uint64(9), d.GetLatestSN())

	require.NoError(t, t3.Put(ctx, []byte("k1"), []byte("v1")))
	require.NoError(t, t3.Delete(ctx, []byte("k1")))
	b := t3.NewWriteBatch()
	b.Put([]byte("k2"), []byte("v2"))
	b.Put([]byte("k3"), []byte("v3"))
	b.Delete([]byte("k2"))
	require.NoError(t, b.Write(ctx))
	assert.Equal(t, uint64(14), d.GetLatestSN())

	it, err := d.GetWriteOpBatchesSince(0)
	require.NoError(t, err)
	defer it.Close()
	var sns []uint64
	for it.Next() {
		sns = append(sns, it.Batch().SN)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint64{1, 2, 3, 5, 7, 10, 11, 12}, sns)
}

func TestDestroy(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t, dir)
	d, err := Open(opts)
	require.NoError(t, err)
	tbl := openTable(t, d, "a")
	require.NoError(t, tbl.Put(context.Background(), []byte("k"), []byte("v")))
	require.NoError(t, d.Close())

	require.NoError(t, Destroy(dir))
	d = openTestDB(t, opts)
	infos, err := d.GetTableInfos(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestClosedDB(t *testing.T) {
	ctx := context.Background()
	d, err := Open(testOptions(t, t.TempDir()))
	require.NoError(t, err)
	tbl := openTable(t, d, "a")
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = d.OpenTable(ctx, "a")
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, tbl.Put(ctx, []byte("k"), []byte("v")), core.ErrClosed)
	_, err = tbl.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = tbl.NewCursor(ctx)
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, d.Write(ctx, NewWriteBatchX()), core.ErrClosed)
	_, err = d.GetWriteOpBatchesSince(0)
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestFirstWriteWins(t *testing.T) {
	op := firstWriteWins{}
	v, err := op.FullMerge(nil, []byte("old"), true, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, "old", string(v))

	v, err = op.FullMerge(nil, nil, false, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))
}

func TestConcurrentTablesAndWrites(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))

	names := []string{"cpu", "mem", "disk", "net"}
	var wg sync.WaitGroup
	for _, name := range names {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(name string, w int) {
				defer wg.Done()
				tbl, err := d.OpenTable(ctx, name)
				if !assert.NoError(t, err) {
					return
				}
				for i := 0; i < 25; i++ {
					key := []byte{byte(w), byte(i)}
					assert.NoError(t, tbl.Put(ctx, key, []byte(name)))
				}
			}(name, w)
		}
	}
	wg.Wait()

	infos, err := d.GetTableInfos(ctx)
	require.NoError(t, err)
	require.Len(t, infos, len(names))
	for _, name := range names {
		tbl := openTable(t, d, name)
		c, err := tbl.NewCursor(ctx)
		require.NoError(t, err)
		n := 0
		for ok := c.SeekToFirst(); ok; ok = c.Next() {
			assert.Equal(t, name, string(c.Value()))
			n++
		}
		require.NoError(t, c.Err())
		require.NoError(t, c.Close())
		assert.Equal(t, 100, n, "table %s", name)
	}
}
