package reputation

import (
	"container/list"
	"sync"
	"time"
)

// cache is a bounded LRU with TTL expiry, one instance per tenant.
type cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	key      string
	score    Score
	storedAt time.Time
}

func newCache(capacity int, ttl time.Duration) *cache {
	return &cache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *cache) get(key string) (Score, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return Score{}, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return Score{}, false
	}
	c.order.MoveToFront(el)
	return entry.score, true
}

func (c *cache) put(key string, score Score) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).score = score
		el.Value.(*cacheEntry).storedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, score: score, storedAt: time.Now()})
	c.entries[key] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
