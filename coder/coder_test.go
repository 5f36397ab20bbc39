package coder

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	opts := db.DefaultOptions(t.TempDir())
	opts.Engine.WriteBufferSize = 1 << 20
	opts.Engine.BlockCacheSize = 1 << 20
	opts.Engine.DisableAutoCompactions = true
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := db.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func seriesTable(t *testing.T, d *db.DB, name string) *TypedTable[uint64, []byte] {
	t.Helper()
	raw, err := d.OpenTable(context.Background(), name)
	require.NoError(t, err)
	return NewTypedTable[uint64, []byte](raw, Uint64Coder{})
}

func TestUint64Coder(t *testing.T) {
	c := Uint64Coder{}
	small, err := c.EncodeKey(255)
	require.NoError(t, err)
	big, err := c.EncodeKey(256)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0xff}, small)
	assert.Equal(t, -1, bytes.Compare(small, big))

	k, err := c.DecodeKey(big)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), k)

	_, err = c.DecodeKey([]byte{1, 2, 3})
	assert.ErrorIs(t, err, core.ErrInvalidKey)
}

func TestBytesAndStringCoders(t *testing.T) {
	src := []byte("abc")
	decoded, err := BytesCoder{}.DecodeValue(src)
	require.NoError(t, err)
	src[0] = 'x'
	assert.Equal(t, "abc", string(decoded))

	s := StringCoder{}
	enc, err := s.EncodeKey("key")
	require.NoError(t, err)
	dec, err := s.DecodeKey(enc)
	require.NoError(t, err)
	assert.Equal(t, "key", dec)
}

func TestProtoValueCoder(t *testing.T) {
	c := Compose[string, *wrapperspb.StringValue](StringCoder{}, ProtoValueCoder[*wrapperspb.StringValue]{
		New: func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} },
	})
	data, err := c.EncodeValue(wrapperspb.String("hello"))
	require.NoError(t, err)
	msg, err := c.DecodeValue(data)
	require.NoError(t, err)
	assert.True(t, proto.Equal(wrapperspb.String("hello"), msg))

	_, err = c.DecodeValue([]byte{0xff, 0xff})
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestTypedTable_Basics(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	raw, err := d.OpenTable(ctx, "names")
	require.NoError(t, err)
	tbl := NewTypedTable[string, string](raw, StringCoder{})
	assert.Equal(t, raw.ID(), tbl.ID())
	assert.Equal(t, "names", tbl.Name())
	assert.Same(t, raw, tbl.Raw())

	require.NoError(t, tbl.Put(ctx, "a", "alpha"))
	v, err := tbl.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", v)

	require.NoError(t, tbl.Delete(ctx, "a"))
	_, err = tbl.Get(ctx, "a")
	assert.ErrorIs(t, err, core.ErrNotFound)

	b := tbl.NewWriteBatch()
	require.NoError(t, b.Put("b", "beta"))
	require.NoError(t, b.Put("c", "gamma"))
	require.NoError(t, b.Put("d", "delta"))
	require.NoError(t, b.Delete("d"))
	require.NoError(t, b.DeleteRange("c", "d"))
	assert.Equal(t, 5, b.Count())
	require.NoError(t, tbl.Write(ctx, b))

	c, err := tbl.NewCursor(ctx)
	require.NoError(t, err)
	defer c.Close()
	var got []Entry[string, string]
	for ok := c.SeekToFirst(); ok; ok = c.Next() {
		e, err := c.Entry()
		require.NoError(t, err)
		got = append(got, e)
	}
	require.NoError(t, c.Err())
	assert.Equal(t, []Entry[string, string]{{Key: "b", Value: "beta"}}, got)
	_, ok := c.Timestamp()
	assert.False(t, ok)
}

func TestTypedTable_CrossTableBatch(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	cpu := seriesTable(t, d, "cpu")
	mem := seriesTable(t, d, "mem")
	require.NoError(t, mem.Put(ctx, 9, []byte("old")))

	b := db.NewWriteBatchX()
	require.NoError(t, cpu.PutInto(b, 1, []byte("c1")))
	require.NoError(t, mem.PutInto(b, 1, []byte("m1")))
	require.NoError(t, mem.DeleteInto(b, 9))
	require.NoError(t, d.Write(ctx, b))

	v, err := cpu.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "c1", string(v))
	v, err = mem.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "m1", string(v))
	_, err = mem.Get(ctx, 9)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestTypedCursor_SeekEncodeError(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	raw, err := d.OpenTable(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, raw.Put(ctx, []byte("k"), []byte("v")))
	tbl := NewTypedTable[string, string](raw, failingKeys{})

	c, err := tbl.NewCursor(ctx)
	require.NoError(t, err)
	defer c.Close()
	assert.False(t, c.Seek("bad"))
	assert.False(t, c.Valid())
	assert.ErrorIs(t, c.Err(), core.ErrInvalidKey)
	assert.False(t, c.Next())

	require.True(t, c.SeekToFirst())
	require.NoError(t, c.Err())
	k, err := c.Key()
	require.NoError(t, err)
	assert.Equal(t, "k", k)
}

// failingKeys rejects the key "bad".
type failingKeys struct{ StringCoder }

func (failingKeys) EncodeKey(key string) ([]byte, error) {
	if key == "bad" {
		return nil, core.ErrInvalidKey
	}
	return []byte(key), nil
}
