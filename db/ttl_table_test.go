package db

import (
	"context"
	"testing"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ttlEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ttlTestOptions(t *testing.T, clock core.Clock) Options {
	t.Helper()
	opts := testOptions(t, t.TempDir())
	opts.TTLEnabled = true
	opts.TTL = time.Hour
	opts.Clock = clock
	return opts
}

func TestTTLTable_StripsTimestamps(t *testing.T) {
	ctx := context.Background()
	clock := core.NewMockClock(ttlEpoch)
	d := openTestDB(t, ttlTestOptions(t, clock))
	tbl := openTable(t, d, "t")
	assert.Equal(t, int64(ttlHandleBaseWeight+core.InnerKeyPrefixLen), d.handles.Weight())

	before := uint32(ttlEpoch.Unix())
	require.NoError(t, tbl.Put(ctx, []byte("k"), []byte("v")))
	requireGet(t, tbl, "k", "v")

	timestamped, ok := tbl.(TimestampedTable)
	require.True(t, ok)
	v, ts, err := timestamped.GetWithTimestamp(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
	assert.GreaterOrEqual(t, ts, before)

	raw, err := d.engine.Get(ctx, core.BuildInnerKey(tbl.ID(), []byte("k")))
	require.NoError(t, err)
	assert.Equal(t, core.BuildTimestampedValue(before, []byte("v")), raw)
}

func TestTTLTable_CursorAndBatches(t *testing.T) {
	ctx := context.Background()
	clock := core.NewMockClock(ttlEpoch)
	d := openTestDB(t, ttlTestOptions(t, clock))
	a := openTable(t, d, "a")
	b := openTable(t, d, "b")

	require.NoError(t, a.Put(ctx, []byte("k1"), []byte("v1")))
	clock.Advance(time.Minute)
	wb := a.NewWriteBatch()
	wb.Put([]byte("k2"), []byte("v2"))
	require.NoError(t, wb.Write(ctx))
	clock.Advance(time.Minute)
	x := NewWriteBatchX()
	x.Put(a, []byte("k3"), []byte("v3"))
	x.Put(b, []byte("k1"), []byte("b1"))
	require.NoError(t, d.Write(ctx, x))

	c, err := a.NewCursor(ctx)
	require.NoError(t, err)
	defer c.Close()
	tc, ok := c.(TimestampedCursor)
	require.True(t, ok)

	type rec struct {
		key, value string
		ts         uint32
	}
	var got []rec
	for ok := tc.SeekToFirst(); ok; ok = tc.Next() {
		got = append(got, rec{string(tc.Key()), string(tc.Value()), tc.Timestamp()})
	}
	require.NoError(t, tc.Err())
	base := uint32(ttlEpoch.Unix())
	assert.Equal(t, []rec{
		{"k1", "v1", base},
		{"k2", "v2", base + 60},
		{"k3", "v3", base + 120},
	}, got)
	requireGet(t, b, "k1", "b1")
}

func TestTTLTable_CorruptedValue(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, ttlTestOptions(t, core.NewMockClock(ttlEpoch)))
	tbl := openTable(t, d, "t")

	_, err := d.engine.Put(ctx, core.BuildInnerKey(tbl.ID(), []byte("bad")), []byte{1, 2})
	require.NoError(t, err)
	_, err = tbl.Get(ctx, []byte("bad"))
	assert.ErrorIs(t, err, core.ErrCorrupted)

	c, err := tbl.NewCursor(ctx)
	require.NoError(t, err)
	defer c.Close()
	assert.False(t, c.SeekToFirst())
	assert.False(t, c.Valid())
	assert.ErrorIs(t, c.Err(), core.ErrCorrupted)
}

func TestTTLTable_FlagPersisted(t *testing.T) {
	ctx := context.Background()
	opts := ttlTestOptions(t, core.NewMockClock(ttlEpoch))
	d, err := Open(opts)
	require.NoError(t, err)
	v, err := d.engine.Get(ctx, core.BuildInfoItemKey(core.TTLItemID))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, v)
	require.NoError(t, d.Close())

	opts.TTLEnabled = false
	_, err = Open(opts)
	var ttlErr *core.InconsistentTTLEnabledError
	require.ErrorAs(t, err, &ttlErr)
	assert.True(t, ttlErr.Current)
	assert.False(t, ttlErr.Wanted)
}
