package wal

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWALOptions(t *testing.T, dir string) Options {
	t.Helper()
	return Options{
		Dir:            dir,
		SyncMode:       SyncAlways,
		MaxSegmentSize: DefaultMaxSegmentSize,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func putBatch(sn uint64, keys ...string) *core.WriteOpBatch {
	b := &core.WriteOpBatch{SN: sn}
	for _, k := range keys {
		b.Ops = append(b.Ops, core.WriteOp{Type: core.EntryTypePut, Key: []byte(k), Value: []byte("v-" + k)})
	}
	return b
}

func collect(t *testing.T, w *WAL, afterSeq uint64) []core.WriteOpBatch {
	t.Helper()
	r, err := w.NewReader(afterSeq)
	require.NoError(t, err)
	defer r.Close()
	var out []core.WriteOpBatch
	for r.Next() {
		out = append(out, *r.Batch())
	}
	require.NoError(t, r.Err())
	return out
}

func TestWAL_AppendAndReadBack(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendBatch(putBatch(1, "a")))
	require.NoError(t, w.AppendBatch(putBatch(2, "b", "c")))
	require.NoError(t, w.AppendBatch(&core.WriteOpBatch{SN: 4, Ops: []core.WriteOp{
		{Type: core.EntryTypeDeleteRange, Key: []byte("a"), EndKey: []byte("c")},
	}}))

	all := collect(t, w, 0)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].SN)
	assert.Equal(t, uint64(2), all[1].SN)
	assert.Len(t, all[1].Ops, 2)
	assert.Equal(t, []byte("c"), all[2].Ops[0].EndKey)

	tail := collect(t, w, 2)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(4), tail[0].SN)

	first, ok := w.FirstSeq()
	require.True(t, ok)
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(4), w.LastSeq())
}

func TestWAL_RecoveryAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	opts := testWALOptions(t, dir)

	w, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, w.AppendBatch(putBatch(1, "a")))
	require.NoError(t, w.AppendBatch(putBatch(2, "b")))
	firstActive := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	w2, err := Open(opts)
	require.NoError(t, err)
	defer w2.Close()
	assert.Greater(t, w2.ActiveSegmentIndex(), firstActive, "reopen must not append to the old segment")

	require.NoError(t, w2.AppendBatch(putBatch(3, "c")))

	var sns []uint64
	n, err := w2.Replay(0, func(b *core.WriteOpBatch) error {
		sns = append(sns, b.SN)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint64{1, 2, 3}, sns)
}

func TestWAL_TornTailIsIgnored(t *testing.T) {
	dir := t.TempDir()
	opts := testWALOptions(t, dir)

	w, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, w.AppendBatch(putBatch(1, "a")))
	require.NoError(t, w.AppendBatch(putBatch(2, "b")))
	path := filepath.Join(dir, core.FormatSegmentFileName(w.ActiveSegmentIndex()))
	require.NoError(t, w.Close())

	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-3))

	w2, err := Open(opts)
	require.NoError(t, err)
	defer w2.Close()

	all := collect(t, w2, 0)
	require.Len(t, all, 1)
	assert.Equal(t, uint64(1), all[0].SN)
	assert.Equal(t, uint64(1), w2.LastSeq())
}

func TestWAL_CorruptSealedSegmentFailsOpen(t *testing.T) {
	dir := t.TempDir()
	opts := testWALOptions(t, dir)

	w, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, w.AppendBatch(putBatch(1, "a")))
	path := filepath.Join(dir, core.FormatSegmentFileName(w.ActiveSegmentIndex()))
	require.NoError(t, w.Rotate())
	require.NoError(t, w.AppendBatch(putBatch(2, "b")))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestWAL_RotationBySize(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	opts.MaxSegmentSize = 128

	var rotations []hooks.PostWALRotatePayload
	hm := hooks.NewHookManager(opts.Logger)
	hm.Register(hooks.EventPostWALRotate, hooks.ListenerFunc(func(_ context.Context, e hooks.HookEvent) error {
		rotations = append(rotations, e.Payload().(hooks.PostWALRotatePayload))
		return nil
	}))
	opts.HookManager = hm

	w, err := Open(opts)
	require.NoError(t, err)
	defer w.Close()

	big := make([]byte, 300)
	for i := uint64(1); i <= 3; i++ {
		b := &core.WriteOpBatch{SN: i, Ops: []core.WriteOp{{Type: core.EntryTypePut, Key: []byte("k"), Value: big}}}
		require.NoError(t, w.AppendBatch(b), "an oversized record still fits an empty segment")
	}

	segments, _ := w.Stats()
	assert.Equal(t, 3, segments)
	assert.Len(t, rotations, 2)
	assert.Len(t, collect(t, w, 0), 3)
}

func TestWAL_PurgeImmediate(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendBatch(putBatch(1, "a")))
	require.NoError(t, w.Rotate())
	require.NoError(t, w.AppendBatch(putBatch(2, "b")))
	require.NoError(t, w.Rotate())
	require.NoError(t, w.AppendBatch(putBatch(3, "c")))

	removed, err := w.Purge(1, 0, 0, time.Now())
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	first, ok := w.FirstSeq()
	require.True(t, ok)
	assert.Equal(t, uint64(2), first)

	// Nothing beyond the flushed sequence is removed, nor the active segment.
	removed, err = w.Purge(100, 0, 0, time.Now())
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	segments, _ := w.Stats()
	assert.Equal(t, 1, segments)
	assert.Len(t, collect(t, w, 0), 1)
}

func TestWAL_PurgeHonoursTTL(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendBatch(putBatch(1, "a")))
	require.NoError(t, w.Rotate())
	require.NoError(t, w.AppendBatch(putBatch(2, "b")))

	removed, err := w.Purge(2, time.Hour, 0, time.Now())
	require.NoError(t, err)
	assert.Empty(t, removed, "segment sealed just now is kept for the ttl")

	removed, err = w.Purge(2, time.Hour, 0, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, removed, 1)
}

func TestWAL_PurgeHonoursSizeLimit(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, w.AppendBatch(putBatch(i, "key")))
		require.NoError(t, w.Rotate())
	}

	removed, err := w.Purge(3, 0, 1<<20, time.Now())
	require.NoError(t, err)
	assert.Empty(t, removed, "archive is under the size limit")

	removed, err = w.Purge(3, 0, 1, time.Now())
	require.NoError(t, err)
	assert.Len(t, removed, 3)
	_, ok := w.FirstSeq()
	assert.False(t, ok)
}

func TestReader_PurgedSegmentReportsExpired(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendBatch(putBatch(1, "a")))
	require.NoError(t, w.Rotate())
	require.NoError(t, w.AppendBatch(putBatch(2, "b")))

	r, err := w.NewReader(0)
	require.NoError(t, err)
	defer r.Close()

	_, err = w.Purge(1, 0, 0, time.Now())
	require.NoError(t, err)

	assert.False(t, r.Next())
	assert.ErrorIs(t, r.Err(), core.ErrSequenceExpired)
}

func TestReader_SnapshotBoundary(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendBatch(putBatch(1, "a")))
	r, err := w.NewReader(0)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, w.AppendBatch(putBatch(2, "b")))

	require.True(t, r.Next())
	assert.Equal(t, uint64(1), r.Batch().SN)
	assert.False(t, r.Next(), "batches appended after the reader was created are not visible")
	assert.NoError(t, r.Err())
}

func TestWAL_AppendAfterClose(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.AppendBatch(putBatch(1, "a")), core.ErrClosed)
}
