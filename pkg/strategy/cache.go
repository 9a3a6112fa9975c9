// Package strategy loads the authored strategy and flavor catalogs that
// write tools validate against, with TTL caching so edits to the JSON files
// show up without a restart.
package strategy

import (
	"sync"
	"time"
)

// cacheEntry holds a decoded catalog with a timestamp for TTL expiration.
type cacheEntry struct {
	value    any
	loadedAt time.Time
}

// cache is a thread-safe in-memory cache with TTL expiration.
// Expired entries are cleaned up lazily on get() — no background goroutine.
type cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newCache(ttl time.Duration) *cache {
	return &cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

func (c *cache) get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.loadedAt) > c.ttl {
		// Expired — clean up lazily.
		// Re-check under write lock: a concurrent set() may have replaced
		// the entry with a fresh one between RUnlock and Lock.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Since(current.loadedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.value, true
}

func (c *cache) set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		value:    value,
		loadedAt: time.Now(),
	}
	c.mu.Unlock()
}
