package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// valueFilter removes every key whose newest value equals drop.
type valueFilter struct {
	drop   string
	seen   []string
	levels []int
	closed bool
}

func (f *valueFilter) Name() string { return "value" }

func (f *valueFilter) Filter(level int, key, value []byte) CompactionDecision {
	f.seen = append(f.seen, string(key))
	f.levels = append(f.levels, level)
	if string(value) == f.drop {
		return Remove
	}
	return Keep
}

func (f *valueFilter) Close() error {
	f.closed = true
	return nil
}

type valueFilterFactory struct {
	filters []*valueFilter
	ctxs    []CompactionFilterContext
}

func (f *valueFilterFactory) Name() string { return "value-factory" }

func (f *valueFilterFactory) CreateCompactionFilter(ctx CompactionFilterContext) CompactionFilter {
	filter := &valueFilter{drop: "expired"}
	f.filters = append(f.filters, filter)
	f.ctxs = append(f.ctxs, ctx)
	return filter
}

func putAll(t *testing.T, e *Engine, kv ...string) {
	t.Helper()
	b := NewBatch()
	for i := 0; i+1 < len(kv); i += 2 {
		b.Put([]byte(kv[i]), []byte(kv[i+1]))
	}
	_, err := e.Write(context.Background(), b)
	require.NoError(t, err)
}

func TestCompaction_PreservesVisibleData(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, testOptions(t, t.TempDir()))

	for i := 0; i < 20; i++ {
		putAll(t, e, fmt.Sprintf("k%02d", i), fmt.Sprintf("v%d", i))
	}
	require.NoError(t, e.Flush(ctx))

	putAll(t, e, "k01", "new")
	_, err := e.Delete(ctx, []byte("k02"))
	require.NoError(t, err)
	_, err = e.DeleteRange(ctx, []byte("k05"), []byte("k08"))
	require.NoError(t, err)
	_, err = e.Merge(ctx, []byte("k09"), []byte("+m"))
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	it, err := e.NewIterator(ctx, IterOptions{})
	require.NoError(t, err)
	before := scan(t, it)
	require.NoError(t, it.Close())

	require.NoError(t, e.CompactRange(ctx))

	stats := e.Stats()
	assert.Zero(t, stats.L0Tables)
	assert.Equal(t, 1, stats.L1Tables)
	assert.Equal(t, int64(1), e.Metrics().CompactionTotal.Value())

	it, err = e.NewIterator(ctx, IterOptions{})
	require.NoError(t, err)
	defer it.Close()
	assert.Equal(t, before, scan(t, it))
	assert.Len(t, before, 16)

	requireValue(t, e, "k01", "new")
	requireMissing(t, e, "k02")
	requireMissing(t, e, "k06")
	requireValue(t, e, "k09", "v9+m")

	entries, err := os.ReadDir(filepath.Join(e.Dir(), core.SSTableDirName))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "compacted inputs are deleted once unreferenced")
}

func TestCompaction_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, t.TempDir())
	e, err := Open(opts)
	require.NoError(t, err)
	putAll(t, e, "a", "1", "b", "2")
	require.NoError(t, e.Flush(ctx))
	putAll(t, e, "a", "3")
	require.NoError(t, e.CompactRange(ctx))
	require.NoError(t, e.Close())

	e = openTestEngine(t, opts)
	requireValue(t, e, "a", "3")
	requireValue(t, e, "b", "2")
	assert.Equal(t, 1, e.Stats().L1Tables)
	assert.Equal(t, uint64(3), e.LatestSequenceNumber())
}

func TestCompaction_SplitsOutputByTargetSize(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, t.TempDir())
	opts.TargetFileSizeBase = 2 << 10
	opts.Compression = core.CompressionNone
	e := openTestEngine(t, opts)

	value := make([]byte, 200)
	for i := 0; i < 50; i++ {
		_, err := e.Put(ctx, []byte(fmt.Sprintf("key%03d", i)), value)
		require.NoError(t, err)
	}
	require.NoError(t, e.CompactRange(ctx))

	assert.Greater(t, e.Stats().L1Tables, 1)
	it, err := e.NewIterator(ctx, IterOptions{})
	require.NoError(t, err)
	defer it.Close()
	assert.Len(t, scan(t, it), 50)
}

func TestCompaction_SnapshotKeepsOldVersions(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, testOptions(t, t.TempDir()))

	putAll(t, e, "a", "1", "b", "1")
	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Release()

	putAll(t, e, "a", "2")
	_, err = e.DeleteRange(ctx, []byte("b"), []byte("c"))
	require.NoError(t, err)
	require.NoError(t, e.CompactRange(ctx))

	got, err := snap.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
	got, err = snap.Get(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	requireValue(t, e, "a", "2")
	requireMissing(t, e, "b")

	it, err := snap.NewIterator(ctx, IterOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "b=1"}, scan(t, it))
	require.NoError(t, it.Close())

	snap.Release()
	_, err = snap.Get(ctx, []byte("a"))
	assert.ErrorIs(t, err, ErrSnapshotReleased)
	_, err = snap.NewIterator(ctx, IterOptions{})
	assert.ErrorIs(t, err, ErrSnapshotReleased)

	// Without the snapshot the old versions and the tombstone are dropped.
	require.NoError(t, e.CompactRange(ctx))
	requireValue(t, e, "a", "2")
	requireMissing(t, e, "b")
	assert.Zero(t, e.Stats().LiveSnapshots)
}

func TestCompaction_FilterRemovesKeys(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, t.TempDir())
	factory := &valueFilterFactory{}
	opts.CompactionFilterFactory = factory
	e := openTestEngine(t, opts)

	putAll(t, e, "x", "expired", "y", "fresh")
	putAll(t, e, "z", "old")
	putAll(t, e, "z", "expired")
	require.NoError(t, e.CompactRange(ctx))

	requireMissing(t, e, "x")
	requireValue(t, e, "y", "fresh")
	requireMissing(t, e, "z")
	assert.Equal(t, int64(2), e.Metrics().CompactionDropped.Value())

	require.Len(t, factory.filters, 1)
	f := factory.filters[0]
	assert.Equal(t, []string{"x", "y", "z"}, f.seen)
	assert.Equal(t, []int{1, 1, 1}, f.levels)
	assert.True(t, f.closed)
	assert.Equal(t, CompactionFilterContext{Manual: true, FullCompaction: true}, factory.ctxs[0])
}

func TestCompaction_FilterSkipsSnapshotStripes(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, t.TempDir())
	opts.CompactionFilterFactory = &valueFilterFactory{}
	e := openTestEngine(t, opts)

	putAll(t, e, "x", "expired")
	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Release()
	require.NoError(t, e.CompactRange(ctx))

	got, err := snap.Get(ctx, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "expired", string(got))
}

func TestCompaction_BottommostDeletesDropped(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, testOptions(t, t.TempDir()))

	putAll(t, e, "a", "1")
	_, err := e.Delete(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = e.Delete(ctx, []byte("never-written"))
	require.NoError(t, err)
	require.NoError(t, e.CompactRange(ctx))

	requireMissing(t, e, "a")
	stats := e.Stats()
	assert.Zero(t, stats.L1Tables, "nothing visible remains to be written")
}

func TestCompaction_AutoTrigger(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, t.TempDir())
	opts.DisableAutoCompactions = false
	opts.L0CompactionTrigger = 2
	e := openTestEngine(t, opts)

	putAll(t, e, "a", "1")
	require.NoError(t, e.Flush(ctx))
	putAll(t, e, "b", "2")
	require.NoError(t, e.Flush(ctx))

	require.Eventually(t, func() bool {
		s := e.Stats()
		return s.L0Tables == 0 && s.L1Tables == 1
	}, 5*time.Second, 10*time.Millisecond)
	requireValue(t, e, "a", "1")
	requireValue(t, e, "b", "2")
}
