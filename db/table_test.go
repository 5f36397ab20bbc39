package db

import (
	"context"
	"testing"

	"github.com/INLOpen/seriesdb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putAll(t *testing.T, tbl Table, kvs ...string) {
	t.Helper()
	require.Zero(t, len(kvs)%2)
	for i := 0; i < len(kvs); i += 2 {
		require.NoError(t, tbl.Put(context.Background(), []byte(kvs[i]), []byte(kvs[i+1])))
	}
}

func scanKeys(t *testing.T, tbl Table) []string {
	t.Helper()
	c, err := tbl.NewCursor(context.Background())
	require.NoError(t, err)
	defer c.Close()
	var keys []string
	for ok := c.SeekToFirst(); ok; ok = c.Next() {
		keys = append(keys, string(c.Key()))
	}
	require.NoError(t, c.Err())
	return keys
}

func TestTable_IsolatedKeyspaces(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))
	a := openTable(t, d, "a")
	b := openTable(t, d, "b")

	putAll(t, a, "k", "from-a", "only-a", "1")
	putAll(t, b, "k", "from-b")
	requireGet(t, a, "k", "from-a")
	requireGet(t, b, "k", "from-b")
	requireNotFound(t, b, "only-a")

	require.NoError(t, a.Delete(ctx, []byte("k")))
	requireNotFound(t, a, "k")
	requireGet(t, b, "k", "from-b")

	// Keys are stored behind the table prefix.
	raw, err := d.engine.Get(ctx, core.BuildInnerKey(b.ID(), []byte("k")))
	require.NoError(t, err)
	assert.Equal(t, "from-b", string(raw))
}

func TestTable_DeleteRange(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))
	a := openTable(t, d, "a")
	b := openTable(t, d, "b")

	putAll(t, a, "k0", "0", "k1", "1", "k2", "2", "k3", "3")
	putAll(t, b, "k1", "b1")
	require.NoError(t, a.DeleteRange(ctx, []byte("k1"), []byte("k3")))

	assert.Equal(t, []string{"k0", "k3"}, scanKeys(t, a))
	assert.Equal(t, []string{"k1"}, scanKeys(t, b))
}

func TestCursor_Positioning(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))
	before := openTable(t, d, "before")
	tbl := openTable(t, d, "t")
	after := openTable(t, d, "after")
	putAll(t, before, "zzz", "x")
	putAll(t, tbl, "a", "1", "b", "2", "c", "3", "d", "4")
	putAll(t, after, "", "x", "0", "x")

	c, err := tbl.NewCursor(ctx)
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.SeekToFirst())
	assert.Equal(t, "a", string(c.Key()))
	assert.Equal(t, "1", string(c.Value()))
	assert.False(t, c.Prev())
	assert.False(t, c.Valid())

	require.True(t, c.SeekToLast())
	assert.Equal(t, "d", string(c.Key()))
	assert.False(t, c.Next())

	require.True(t, c.Seek([]byte("bb")))
	assert.Equal(t, "c", string(c.Key()))
	require.True(t, c.Prev())
	assert.Equal(t, "b", string(c.Key()))

	require.True(t, c.SeekForPrev([]byte("bb")))
	assert.Equal(t, "b", string(c.Key()))
	require.True(t, c.SeekForPrev([]byte("c")))
	assert.Equal(t, "c", string(c.Key()))

	assert.False(t, c.Seek([]byte("e")))
	assert.False(t, c.SeekForPrev([]byte("0")))
	require.NoError(t, c.Err())

	var reverse []string
	for ok := c.SeekToLast(); ok; ok = c.Prev() {
		reverse = append(reverse, string(c.Key()))
	}
	assert.Equal(t, []string{"d", "c", "b", "a"}, reverse)
}

func TestCursor_HighestTableInMemtable(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))
	putAll(t, openTable(t, d, "low"), "z", "x")
	tbl := openTable(t, d, "high")
	putAll(t, tbl, "a", "1", "b", "2", "c", "3")

	c, err := tbl.NewCursor(ctx)
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.SeekToLast())
	assert.Equal(t, "c", string(c.Key()))
	assert.Equal(t, "3", string(c.Value()))

	require.True(t, c.SeekForPrev([]byte("zz")))
	assert.Equal(t, "c", string(c.Key()))
	require.True(t, c.SeekForPrev([]byte("bb")))
	assert.Equal(t, "b", string(c.Key()))

	var reverse []string
	for ok := c.SeekToLast(); ok; ok = c.Prev() {
		reverse = append(reverse, string(c.Key()))
	}
	assert.Equal(t, []string{"c", "b", "a"}, reverse)
	require.NoError(t, c.Err())

	// The only table of a fresh database behaves the same.
	only := openTable(t, openTestDB(t, testOptions(t, t.TempDir())), "only")
	putAll(t, only, "k", "v")
	oc, err := only.NewCursor(ctx)
	require.NoError(t, err)
	defer oc.Close()
	require.True(t, oc.SeekToLast())
	assert.Equal(t, "k", string(oc.Key()))
	require.True(t, oc.SeekForPrev([]byte("kk")))
	assert.Equal(t, "k", string(oc.Key()))
	assert.False(t, oc.Prev())
}

func TestCursor_EmptyTable(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))
	tbl := openTable(t, d, "empty")
	putAll(t, openTable(t, d, "full"), "k", "v")

	c, err := tbl.NewCursor(ctx)
	require.NoError(t, err)
	defer c.Close()
	assert.False(t, c.SeekToFirst())
	assert.False(t, c.SeekToLast())
	assert.False(t, c.Seek(nil))
	assert.Nil(t, c.Key())
	require.NoError(t, c.Err())
}

func TestCursor_ConsistentView(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))
	tbl := openTable(t, d, "t")
	putAll(t, tbl, "a", "1", "b", "2")

	c, err := tbl.NewCursor(ctx)
	require.NoError(t, err)
	defer c.Close()

	putAll(t, tbl, "c", "3")
	require.NoError(t, tbl.Delete(ctx, []byte("a")))
	require.NoError(t, d.Flush(ctx))

	var keys []string
	for ok := c.SeekToFirst(); ok; ok = c.Next() {
		keys = append(keys, string(c.Key()))
	}
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, []string{"b", "c"}, scanKeys(t, tbl))
}

func TestWriteBatch(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))
	tbl := openTable(t, d, "t")
	putAll(t, tbl, "old1", "x", "old2", "x", "stale", "x")

	b := tbl.NewWriteBatch()
	b.Put([]byte("new"), []byte("1"))
	b.Delete([]byte("stale"))
	b.DeleteRange([]byte("old1"), []byte("old3"))
	assert.Equal(t, 3, b.Count())

	sn := d.GetLatestSN()
	require.NoError(t, tbl.Write(ctx, b))
	assert.Equal(t, sn+3, d.GetLatestSN())
	assert.Equal(t, []string{"new"}, scanKeys(t, tbl))

	b.Reset()
	assert.Zero(t, b.Count())

	other := openTable(t, d, "other")
	err := other.Write(ctx, tbl.NewWriteBatch())
	assert.ErrorIs(t, err, core.ErrInvalidKey)
}

func TestWriteBatchX(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))
	a := openTable(t, d, "a")
	b := openTable(t, d, "b")
	putAll(t, a, "gone", "x")

	wb := NewWriteBatchX()
	wb.Put(a, []byte("k"), []byte("va"))
	wb.Put(b, []byte("k"), []byte("vb"))
	wb.Delete(a, []byte("gone"))
	wb.DeleteRange(b, []byte("x"), []byte("y"))
	assert.Equal(t, 4, wb.Count())

	sn := d.GetLatestSN()
	require.NoError(t, d.Write(ctx, wb))
	assert.Equal(t, sn+4, d.GetLatestSN())
	requireGet(t, a, "k", "va")
	requireGet(t, b, "k", "vb")
	requireNotFound(t, a, "gone")

	// The cross-table batch is one entry in the change feed.
	it, err := d.GetWriteOpBatchesSince(sn)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	assert.Equal(t, sn+1, it.Batch().SN)
	assert.Len(t, it.Batch().Ops, 4)
	assert.False(t, it.Next())
}

func TestTable_DataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, t.TempDir())
	d, err := Open(opts)
	require.NoError(t, err)
	tbl := openTable(t, d, "t")
	putAll(t, tbl, "flushed", "1")
	require.NoError(t, d.Flush(ctx))
	putAll(t, tbl, "in-wal", "2")
	require.NoError(t, d.Close())

	d = openTestDB(t, opts)
	tbl = openTable(t, d, "t")
	requireGet(t, tbl, "flushed", "1")
	requireGet(t, tbl, "in-wal", "2")
	assert.Equal(t, "t", tbl.Name())
}
