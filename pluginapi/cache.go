package pluginapi

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL applies to entries stored with Put. Alert-state entries
// that must survive between flushes use this default; lookups the plugins
// want refreshed hourly pass an explicit TTL to PutTTL.
const DefaultCacheTTL = 24 * time.Hour

// Cache is the per-trigger key/value store the host exposes to plugins.
// Entries expire after their TTL; a read of an expired entry misses.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, value any)
	PutTTL(key string, value any, ttl time.Duration)
	Delete(key string)
}

type cacheEntry struct {
	value    any
	expireAt time.Time
}

// MemCache is a thread-safe in-memory Cache with TTL eviction. A background
// goroutine (Run) removes expired entries; reads also honor expiry so Run is
// optional in tests.
type MemCache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
	now  func() time.Time // injectable for deterministic tests
}

// NewMemCache returns an empty MemCache.
func NewMemCache() *MemCache {
	return NewMemCacheAt(time.Now)
}

// NewMemCacheAt returns an empty MemCache that reads the clock from now.
func NewMemCacheAt(now func() time.Time) *MemCache {
	return &MemCache{
		data: make(map[string]cacheEntry),
		now:  now,
	}
}

// Get returns the live value for key. Expired entries miss.
func (c *MemCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[key]
	if !ok || c.now().After(e.expireAt) {
		return nil, false
	}
	return e.value, true
}

// Put stores value under key with the default TTL.
func (c *MemCache) Put(key string, value any) {
	c.PutTTL(key, value, DefaultCacheTTL)
}

// PutTTL stores value under key, expiring after ttl.
func (c *MemCache) PutTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{value: value, expireAt: c.now().Add(ttl)}
}

// Delete removes key if present.
func (c *MemCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Len returns the number of entries currently held, including expired ones
// not yet evicted.
func (c *MemCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Evict removes entries expired as of now and returns how many were removed.
func (c *MemCache) Evict(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.data {
		if now.After(e.expireAt) {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

// Run starts the background eviction loop, ticking once a minute. It blocks
// until ctx is cancelled.
func (c *MemCache) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.Evict(now)
		}
	}
}
