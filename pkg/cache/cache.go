// Package cache is the in-memory LRU tier that sits in front of the disk
// blob cache.
package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Size      int   // Current number of entries
	Capacity  int   // Maximum entries
	Weight    int64 // Current total weight
	MaxWeight int64 // Weight budget, 0 when unbounded
	Evictions int64 // Number of evicted entries
	Expired   int64 // Number of expired entries
}

// Options configures a Cache. Capacity <= 0 means 1024 entries.
type Options[V any] struct {
	Capacity int
	TTL      time.Duration
	// MaxWeight bounds the sum of Weigh(value). Zero disables the bound.
	MaxWeight int64
	Weigh     func(V) int64
}

// Cache is a threadsafe LRU with TTL support and an optional weight budget.
type Cache[V any] struct {
	mu          sync.Mutex
	ll          *list.List
	items       map[string]*list.Element
	capacity    int
	ttl         time.Duration
	maxWeight   int64
	weigh       func(V) int64
	weight      int64
	stats       Stats
	cleanupStop context.CancelFunc
	cleanupDone chan struct{}
}

type entry[V any] struct {
	key    string
	value  V
	weight int64
	expire time.Time
}

// New returns a cache. If TTL > 0, a background goroutine periodically drops
// expired entries until Close.
func New[V any](opts Options[V]) *Cache[V] {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	c := &Cache[V]{
		ll:        list.New(),
		items:     make(map[string]*list.Element),
		capacity:  capacity,
		ttl:       opts.TTL,
		maxWeight: opts.MaxWeight,
		weigh:     opts.Weigh,
	}
	if c.ttl > 0 {
		c.cleanupDone = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		c.cleanupStop = cancel
		go c.cleanupExpired(ctx, c.ttl)
	}
	return c
}

// Bytes is a weigher for byte-slice values.
func Bytes(b []byte) int64 { return int64(len(b)) }

// Get retrieves a value if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	ele, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	ent := ele.Value.(*entry[V])
	if c.ttl > 0 && time.Now().After(ent.expire) {
		c.removeElement(ele)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	return ent.value, true
}

// Set inserts or updates a cache entry. A value heavier than the whole
// weight budget is not stored.
func (c *Cache[V]) Set(key string, value V) {
	var w int64
	if c.weigh != nil {
		w = c.weigh(value)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxWeight > 0 && w > c.maxWeight {
		if ele, ok := c.items[key]; ok {
			c.removeElement(ele)
		}
		return
	}
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry[V])
		c.weight += w - ent.weight
		ent.value = value
		ent.weight = w
		if c.ttl > 0 {
			ent.expire = time.Now().Add(c.ttl)
		}
		c.evictOverflow()
		return
	}
	ent := &entry[V]{key: key, value: value, weight: w}
	if c.ttl > 0 {
		ent.expire = time.Now().Add(c.ttl)
	}
	c.items[key] = c.ll.PushFront(ent)
	c.weight += w
	c.evictOverflow()
}

// Delete removes a key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// DeletePrefix removes all keys with the given prefix.
func (c *Cache[V]) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prefix == "" {
		c.resetLocked()
		return
	}
	for key, ele := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(ele)
		}
	}
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Cache[V]) resetLocked() {
	c.items = make(map[string]*list.Element)
	c.ll = list.New()
	c.weight = 0
}

// evictOverflow drops least recently used entries until both the entry and
// weight bounds hold. The front entry is never evicted.
func (c *Cache[V]) evictOverflow() {
	for c.ll.Len() > 1 && (c.ll.Len() > c.capacity || (c.maxWeight > 0 && c.weight > c.maxWeight)) {
		c.removeElement(c.ll.Back())
		c.stats.Evictions++
	}
}

func (c *Cache[V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	ent := ele.Value.(*entry[V])
	c.weight -= ent.weight
	delete(c.items, ent.key)
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	s.Weight = c.weight
	s.MaxWeight = c.maxWeight
	return s
}

// Size returns the current number of entries in the cache.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[V]) cleanupExpired(ctx context.Context, interval time.Duration) {
	if interval < time.Minute {
		interval = time.Minute
	} else {
		interval /= 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.cleanupDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupOnce()
		}
	}
}

// cleanupOnce removes all expired entries in one pass.
func (c *Cache[V]) cleanupOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return
	}
	now := time.Now()
	for _, ele := range c.items {
		if now.After(ele.Value.(*entry[V]).expire) {
			c.removeElement(ele)
			c.stats.Expired++
		}
	}
}

// Close stops the background cleanup goroutine and waits for it to finish.
// It's safe to call Close multiple times.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	stop, done := c.cleanupStop, c.cleanupDone
	c.cleanupStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	return nil
}
