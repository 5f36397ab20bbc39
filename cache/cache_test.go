package cache

import (
	"expvar"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache_PutAndGet(t *testing.T) {
	c := NewLRUCache[string, []byte](3, nil, nil)

	c.Put("key1", []byte("value1"))
	c.Put("key2", []byte("value2"))
	c.Put("key3", []byte("value3"))
	require.Equal(t, 3, c.Len())

	v, ok := c.Get("key3")
	require.True(t, ok)
	assert.Equal(t, []byte("value3"), v)
	_, ok = c.Get("key1")
	require.True(t, ok)

	_, ok = c.Get("nonexistent")
	assert.False(t, ok)

	// key2 is least recently used now.
	c.Put("key4", []byte("value4"))
	assert.Equal(t, 3, c.Len())
	_, ok = c.Get("key2")
	assert.False(t, ok, "key2 should have been evicted")
	_, ok = c.Get("key4")
	assert.True(t, ok)
}

func TestLRUCache_WeightBound(t *testing.T) {
	var evicted []string
	c := NewLRUCache[string, string](10, func(k, v string) int64 { return int64(len(v)) }, func(k, v string) {
		evicted = append(evicted, k)
	})

	c.Put("a", "1234")
	c.Put("b", "1234")
	assert.Equal(t, int64(8), c.Weight())

	c.Put("c", "12345")
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, int64(9), c.Weight())

	// Replacing an entry updates its weight without eviction callbacks.
	c.Put("b", "1")
	assert.Equal(t, int64(6), c.Weight())
	assert.Equal(t, []string{"a"}, evicted)

	// Entries heavier than the capacity are never cached.
	c.Put("huge", "12345678901")
	_, ok := c.Get("huge")
	assert.False(t, ok)
}

func TestLRUCache_RemoveAndClear(t *testing.T) {
	evictions := 0
	c := NewLRUCache[int, int](100, nil, func(int, int) { evictions++ })
	for i := 0; i < 5; i++ {
		c.Put(i, i*i)
	}

	assert.True(t, c.Remove(2))
	assert.False(t, c.Remove(2))
	assert.Equal(t, 0, evictions, "Remove must not call onEvicted")
	assert.Equal(t, 4, c.Len())

	c.Clear()
	assert.Equal(t, 4, evictions)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Weight())
}

func TestLRUCache_Disabled(t *testing.T) {
	c := NewLRUCache[string, int](0, nil, nil)
	c.Put("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUCache_Metrics(t *testing.T) {
	hits, misses := new(expvar.Int), new(expvar.Int)
	c := NewLRUCache[string, int](2, nil, nil)
	c.SetMetrics(hits, misses)

	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("b")

	assert.Equal(t, int64(2), hits.Value())
	assert.Equal(t, int64(1), misses.Value())
	assert.InDelta(t, 2.0/3.0, c.GetHitRate(), 1e-9)
}
