package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Size      int
	Weight    int64
	Capacity  int
	Evictions int64
	Expired   int64
}

// Options configures a Cache.
type Options[V any] struct {
	// Capacity bounds the number of entries. Zero selects 1024.
	Capacity int
	// TTL expires entries after this long; zero disables expiry.
	TTL time.Duration
	// MaxWeight bounds the summed Weigher result; zero disables the bound.
	MaxWeight int64
	// Weigher measures a value, typically its byte size.
	Weigher func(V) int64
}

// Cache is a threadsafe LRU with TTL and optional weight bound.
type Cache[K comparable, V any] struct {
	mu          sync.Mutex
	ll          *list.List
	items       map[K]*list.Element
	opts        Options[V]
	weight      int64
	stats       Stats
	cleanupStop context.CancelFunc
	cleanupDone chan struct{}
}

type entry[K comparable, V any] struct {
	key    K
	value  V
	weight int64
	expire time.Time
}

// New returns a cache configured by opts.
// If opts.TTL > 0, a background goroutine periodically drops expired entries.
func New[K comparable, V any](opts Options[V]) *Cache[K, V] {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	c := &Cache[K, V]{
		ll:    list.New(),
		items: make(map[K]*list.Element),
		opts:  opts,
	}
	if opts.TTL > 0 {
		c.cleanupDone = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		c.cleanupStop = cancel
		go c.cleanupExpired(ctx, opts.TTL)
	}
	return c
}

// NewBytes returns a cache of byte slices bounded by total size.
func NewBytes[K comparable](capacity int, maxBytes int64, ttl time.Duration) *Cache[K, []byte] {
	return New[K, []byte](Options[[]byte]{
		Capacity:  capacity,
		TTL:       ttl,
		MaxWeight: maxBytes,
		Weigher:   func(b []byte) int64 { return int64(len(b)) },
	})
}

// Get retrieves a value if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	ele, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	ent := ele.Value.(*entry[K, V])
	if c.opts.TTL > 0 && time.Now().After(ent.expire) {
		c.removeElement(ele)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	return ent.value, true
}

// Set inserts or updates an entry. A value heavier than MaxWeight is not
// stored.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.weigh(value)
	if c.opts.MaxWeight > 0 && w > c.opts.MaxWeight {
		if ele, ok := c.items[key]; ok {
			c.removeElement(ele)
		}
		return
	}
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry[K, V])
		c.weight += w - ent.weight
		ent.value = value
		ent.weight = w
		if c.opts.TTL > 0 {
			ent.expire = time.Now().Add(c.opts.TTL)
		}
		c.shrink()
		return
	}
	ent := &entry[K, V]{key: key, value: value, weight: w}
	if c.opts.TTL > 0 {
		ent.expire = time.Now().Add(c.opts.TTL)
	}
	c.items[key] = c.ll.PushFront(ent)
	c.weight += w
	c.shrink()
}

// Delete removes a key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.ll = list.New()
	c.weight = 0
}

func (c *Cache[K, V]) weigh(v V) int64 {
	if c.opts.Weigher == nil {
		return 0
	}
	return c.opts.Weigher(v)
}

// shrink evicts from the back until both bounds hold.
func (c *Cache[K, V]) shrink() {
	for c.ll.Len() > c.opts.Capacity || (c.opts.MaxWeight > 0 && c.weight > c.opts.MaxWeight) {
		ele := c.ll.Back()
		if ele == nil {
			return
		}
		c.removeElement(ele)
		c.stats.Evictions++
	}
}

func (c *Cache[K, V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	ent := ele.Value.(*entry[K, V])
	c.weight -= ent.weight
	delete(c.items, ent.key)
}

// Stats returns current cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Weight = c.weight
	s.Capacity = c.opts.Capacity
	return s
}

// Size returns the current number of entries in the cache.
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[K, V]) cleanupExpired(ctx context.Context, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
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
func (c *Cache[K, V]) cleanupOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.TTL <= 0 {
		return
	}
	now := time.Now()
	for ele := c.ll.Back(); ele != nil; {
		prev := ele.Prev()
		if now.After(ele.Value.(*entry[K, V]).expire) {
			c.removeElement(ele)
			c.stats.Expired++
		}
		ele = prev
	}
}

// Close stops the background cleanup goroutine and waits for it to finish.
// It's safe to call Close multiple times.
func (c *Cache[K, V]) Close() error {
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
