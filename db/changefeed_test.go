package db

import (
	"context"
	"testing"

	"github.com/INLOpen/seriesdb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectBatches(t *testing.T, d *DB, sn uint64) []*core.WriteOpBatch {
	t.Helper()
	it, err := d.GetWriteOpBatchesSince(sn)
	require.NoError(t, err)
	defer it.Close()
	var out []*core.WriteOpBatch
	for it.Next() {
		out = append(out, it.Batch())
	}
	require.NoError(t, it.Err())
	return out
}

func TestGetWriteOpBatchesSince(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))
	tbl := openTable(t, d, "t")
	id := tbl.ID()
	start := d.GetLatestSN()

	require.NoError(t, tbl.Put(ctx, []byte("a"), []byte("1")))
	b := tbl.NewWriteBatch()
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("a"))
	require.NoError(t, b.Write(ctx))
	require.NoError(t, tbl.DeleteRange(ctx, []byte("a"), []byte("z")))

	batches := collectBatches(t, d, start)
	require.Len(t, batches, 3)
	assert.Equal(t, []core.WriteOp{
		{Type: core.EntryTypePut, Key: core.BuildInnerKey(id, []byte("a")), Value: []byte("1")},
	}, batches[0].Ops)
	assert.Equal(t, []core.WriteOp{
		{Type: core.EntryTypePut, Key: core.BuildInnerKey(id, []byte("b")), Value: []byte("2")},
		{Type: core.EntryTypeDelete, Key: core.BuildInnerKey(id, []byte("a"))},
	}, batches[1].Ops)
	assert.Equal(t, []core.WriteOp{
		{Type: core.EntryTypeDeleteRange, Key: core.BuildInnerKey(id, []byte("a")), EndKey: core.BuildInnerKey(id, []byte("z"))},
	}, batches[2].Ops)

	for i := 1; i < len(batches); i++ {
		assert.Equal(t, batches[i-1].LastSN()+1, batches[i].SN)
	}
	assert.Equal(t, d.GetLatestSN(), batches[2].LastSN())

	// Everything from the start is still retained.
	all := collectBatches(t, d, 0)
	assert.Equal(t, uint64(1), all[0].SN)
	assert.Empty(t, collectBatches(t, d, d.GetLatestSN()))
}

func TestGetWriteOpBatchesSince_Expired(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, testOptions(t, t.TempDir()))
	tbl := openTable(t, d, "t")
	putAll(t, tbl, "a", "1")
	require.NoError(t, d.Flush(ctx))

	_, err := d.GetWriteOpBatchesSince(0)
	assert.ErrorIs(t, err, core.ErrSequenceExpired)

	sn := d.GetLatestSN()
	putAll(t, tbl, "b", "2")
	batches := collectBatches(t, d, sn)
	require.Len(t, batches, 1)
	assert.Equal(t, sn+1, batches[0].SN)
}

func TestReplay_EndToEnd(t *testing.T) {
	ctx := context.Background()
	src := openTestDB(t, testOptions(t, t.TempDir()))

	a := openTable(t, src, "a")
	b := openTable(t, src, "b")
	assert.Equal(t, core.TableID(1024), a.ID())
	assert.Equal(t, core.TableID(1025), b.ID())
	putAll(t, a, "k1", "v1")
	require.NoError(t, a.DeleteRange(ctx, []byte("k0"), []byte("k2")))

	log := collectBatches(t, src, 0)
	require.NotEmpty(t, log)

	// Ship the log through its wire format.
	shipped := make([]*core.WriteOpBatch, 0, len(log))
	for _, batch := range log {
		data, err := batch.Marshal()
		require.NoError(t, err)
		var decoded core.WriteOpBatch
		require.NoError(t, decoded.Unmarshal(data))
		shipped = append(shipped, &decoded)
	}

	dst := openTestDB(t, testOptions(t, t.TempDir()))
	last, err := dst.Replay(ctx, shipped)
	require.NoError(t, err)
	assert.Equal(t, log[len(log)-1].SN, last)

	id, ok, err := dst.GetTableIDByName(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.TableID(1024), id)
	requireNotFound(t, openTable(t, dst, "a"), "k1")

	infos, err := dst.GetTableInfos(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TableInfo{{Name: "a", ID: 1024}, {Name: "b", ID: 1025}}, infos)

	// New tables on the target continue after the replayed ids.
	c, err := dst.CreateTable(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, core.TableID(1026), c.ID())
}

func TestReplay_Empty(t *testing.T) {
	d := openTestDB(t, testOptions(t, t.TempDir()))
	last, err := d.Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, last)
	assert.Equal(t, uint64(2), d.GetLatestSN())
}

func TestReplay_RejectsUnknownOps(t *testing.T) {
	d := openTestDB(t, testOptions(t, t.TempDir()))
	_, err := d.Replay(context.Background(), []*core.WriteOpBatch{
		{SN: 9, Ops: []core.WriteOp{{Type: core.EntryType('X'), Key: []byte("k")}}},
	})
	assert.ErrorIs(t, err, core.ErrCorrupted)
}
