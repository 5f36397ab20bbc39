package engine

import (
	"context"
	"testing"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectBatches(t *testing.T, r *wal.Reader) []*core.WriteOpBatch {
	t.Helper()
	defer r.Close()
	var out []*core.WriteOpBatch
	for r.Next() {
		b := *r.Batch()
		out = append(out, &b)
	}
	require.NoError(t, r.Err())
	return out
}

func TestGetUpdatesSince(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, testOptions(t, t.TempDir()))

	putAll(t, e, "a", "1")
	putAll(t, e, "b", "2", "c", "3")
	_, err := e.DeleteRange(ctx, []byte("a"), []byte("b"))
	require.NoError(t, err)

	r, err := e.GetUpdatesSince(0)
	require.NoError(t, err)
	batches := collectBatches(t, r)
	require.Len(t, batches, 3)
	assert.Equal(t, []uint64{1, 2, 4}, []uint64{batches[0].SN, batches[1].SN, batches[2].SN})
	assert.Equal(t, core.EntryTypeDeleteRange, batches[2].Ops[0].Type)
	assert.Equal(t, []byte("b"), batches[2].Ops[0].EndKey)

	r, err = e.GetUpdatesSince(3)
	require.NoError(t, err)
	batches = collectBatches(t, r)
	require.Len(t, batches, 1)
	assert.Equal(t, uint64(4), batches[0].SN)

	r, err = e.GetUpdatesSince(e.LatestSequenceNumber())
	require.NoError(t, err)
	assert.Empty(t, collectBatches(t, r))
}

func TestGetUpdatesSince_ExpiredAfterPurge(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, testOptions(t, t.TempDir()))

	putAll(t, e, "a", "1")
	putAll(t, e, "b", "2")
	require.NoError(t, e.Flush(ctx))

	_, err := e.GetUpdatesSince(0)
	assert.ErrorIs(t, err, core.ErrSequenceExpired)

	r, err := e.GetUpdatesSince(2)
	require.NoError(t, err)
	assert.Empty(t, collectBatches(t, r))

	putAll(t, e, "c", "3")
	_, err = e.GetUpdatesSince(1)
	assert.ErrorIs(t, err, core.ErrSequenceExpired)
	r, err = e.GetUpdatesSince(2)
	require.NoError(t, err)
	assert.Len(t, collectBatches(t, r), 1)
}

func TestGetUpdatesSince_RetainedByTTL(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, t.TempDir())
	opts.WALTTL = time.Hour
	e := openTestEngine(t, opts)

	putAll(t, e, "a", "1")
	putAll(t, e, "b", "2")
	require.NoError(t, e.Flush(ctx))
	putAll(t, e, "c", "3")

	r, err := e.GetUpdatesSince(0)
	require.NoError(t, err)
	assert.Len(t, collectBatches(t, r), 3)
}
