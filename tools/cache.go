package tools

import (
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long an idempotent read result stays valid.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	result    string
	path      string
	expiresAt time.Time
}

// Cache memoizes read-only tool results so repeated identical reads inside
// a workflow cost nothing. Entries expire after a TTL and are invalidated
// per path when a mutating tool touches that path.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithTimeFunc overrides the clock, for tests.
func WithTimeFunc(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache returns an empty cache with the default TTL.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result for a call, if present and unexpired.
func (c *Cache) Get(name string, args map[string]any) (string, bool) {
	key := CacheKey(name, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.result, true
}

// Put stores a result. path is the normalized file path the read touched,
// empty for path-less tools.
func (c *Cache) Put(name string, args map[string]any, path, result string) {
	key := CacheKey(name, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		result:    result,
		path:      NormalizePath(path),
		expiresAt: c.now().Add(c.ttl),
	}
}

// InvalidatePath drops every entry recorded against the given path.
func (c *Cache) InvalidatePath(path string) {
	normalized := NormalizePath(path)
	if normalized == "" || normalized == "." {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.path == normalized {
			delete(c.entries, key)
		}
	}
}

// Purge drops all entries.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Len reports the number of live entries, expired ones included until read.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
