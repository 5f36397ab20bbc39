package cache

import (
	"container/list"
	"expvar"
	"sync"
)

type cacheEntry[K comparable, V any] struct {
	key    K
	value  V
	weight int64
}

// Weigher returns the cost of keeping one entry in the cache.
type Weigher[K comparable, V any] func(key K, value V) int64

// LRUCache is a weight-bounded LRU cache. The sum of entry weights never
// exceeds capacity after Put returns; least recently used entries are evicted
// first. A capacity <= 0 disables the cache.
type LRUCache[K comparable, V any] struct {
	mu         sync.Mutex
	capacity   int64
	weight     int64
	weigher    Weigher[K, V]
	lruList    *list.List
	cacheItems map[K]*list.Element
	onEvicted  func(key K, value V)

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface[string, int] = (*LRUCache[string, int])(nil)

// NewLRUCache creates a cache bounded by capacity weight units. A nil weigher
// gives every entry a weight of 1.
func NewLRUCache[K comparable, V any](capacity int64, weigher Weigher[K, V], onEvicted func(key K, value V)) *LRUCache[K, V] {
	if weigher == nil {
		weigher = func(K, V) int64 { return 1 }
	}
	return &LRUCache[K, V]{
		capacity:   capacity,
		weigher:    weigher,
		lruList:    list.New(),
		cacheItems: make(map[K]*list.Element),
		onEvicted:  onEvicted,
	}
}

func (c *LRUCache[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value and marks it most recently used.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return value, false
	}
	if elem, found := c.cacheItems[key]; found {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry[K, V]).value, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return value, false
}

// Put inserts or replaces a value. An entry heavier than the whole capacity is
// not cached.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	w := c.weigher(key, value)
	if elem, ok := c.cacheItems[key]; ok {
		c.removeElement(elem, false)
	}
	if w > c.capacity {
		return
	}
	for c.weight+w > c.capacity && c.lruList.Len() > 0 {
		c.removeElement(c.lruList.Back(), true)
	}
	elem := c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value, weight: w})
	c.cacheItems[key] = elem
	c.weight += w
}

// Remove drops key from the cache without calling onEvicted. It reports
// whether the key was present.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.cacheItems[key]
	if ok {
		c.removeElement(elem, false)
	}
	return ok
}

// Must be called with c.mu locked.
func (c *LRUCache[K, V]) removeElement(elem *list.Element, evicted bool) {
	entry := c.lruList.Remove(elem).(*cacheEntry[K, V])
	delete(c.cacheItems, entry.key)
	c.weight -= entry.weight
	if evicted && c.onEvicted != nil {
		c.onEvicted(entry.key, entry.value)
	}
}

func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Weight returns the summed weight of all cached entries.
func (c *LRUCache[K, V]) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Clear removes all entries, calling onEvicted for each, and resets metrics.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			entry := elem.Value.(*cacheEntry[K, V])
			c.onEvicted(entry.key, entry.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[K]*list.Element)
	c.weight = 0
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate calculates the cache hit rate. It is suitable for expvar.Func.
func (c *LRUCache[K, V]) GetHitRate() float64 {
	c.mu.Lock()
	hitsVar, missesVar := c.hits, c.misses
	c.mu.Unlock()

	var hits, misses float64
	if hitsVar != nil {
		hits = float64(hitsVar.Value())
	}
	if missesVar != nil {
		misses = float64(missesVar.Value())
	}
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
