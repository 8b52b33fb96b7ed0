package cache

import (
	"sync"
	"time"
)

// CacheEntry represents a cached item with expiration
type CacheEntry[V any] struct {
	Value      V
	Expiration time.Time
}

// IsExpired checks if the cache entry has expired
func (e *CacheEntry[V]) IsExpired() bool {
	return time.Now().After(e.Expiration)
}

// MemoryCache is an in-memory TTL cache. Decoded stems are large, so it
// can also cap the number of entries, evicting the one closest to expiry.
type MemoryCache[V any] struct {
	items      map[string]*CacheEntry[V]
	mutex      sync.RWMutex
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMemoryCache creates a new memory cache. maxEntries <= 0 means unbounded.
func NewMemoryCache[V any](ttl time.Duration, maxEntries int) *MemoryCache[V] {
	cache := &MemoryCache[V]{
		items:      make(map[string]*CacheEntry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}

	go cache.cleanupExpired()

	return cache
}

// Set stores a value in the cache
func (c *MemoryCache[V]) Set(key string, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictOldest()
	}

	c.items[key] = &CacheEntry[V]{
		Value:      value,
		Expiration: time.Now().Add(c.ttl),
	}
}

// Get retrieves a value from the cache and refreshes its expiry
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var zero V
	entry, exists := c.items[key]
	if !exists || entry.IsExpired() {
		return zero, false
	}
	entry.Expiration = time.Now().Add(c.ttl)

	return entry.Value, true
}

// Delete removes a value from the cache
func (c *MemoryCache[V]) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
}

// Clear removes all items from the cache
func (c *MemoryCache[V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[string]*CacheEntry[V])
}

// Size returns the number of items in the cache
func (c *MemoryCache[V]) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.items)
}

// Close stops the background cleanup
func (c *MemoryCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// evictOldest drops the entry closest to expiry (must be called with lock held)
func (c *MemoryCache[V]) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.items {
		if oldestKey == "" || entry.Expiration.Before(oldest) {
			oldestKey, oldest = key, entry.Expiration
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

// cleanupExpired removes expired entries periodically
func (c *MemoryCache[V]) cleanupExpired() {
	ticker := time.NewTicker(time.Minute * 5)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mutex.Lock()
			for key, entry := range c.items {
				if entry.IsExpired() {
					delete(c.items, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}
