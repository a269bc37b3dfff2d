package client

import (
	"strings"
	"sync"
	"time"
)

// freshWindow is how long a cached response is served without revalidation.
const freshWindow = 30 * time.Second

// cacheEntry is one cached response. Entries are immutable: a new response
// replaces the entry, it never mutates in place.
type cacheEntry struct {
	data     []byte
	isJSON   bool
	etag     string
	storedAt time.Time
}

// freshCache tracks the last known response and ETag per request key with a
// time-based freshness window. Entries past the window are kept and reported
// as stale until replaced, enabling stale-while-revalidate.
type freshCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newFreshCache() *freshCache {
	return &freshCache{entries: make(map[string]cacheEntry)}
}

// get returns the entry for key and whether it is past the freshness window.
func (c *freshCache) get(key string) (entry cacheEntry, stale bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok = c.entries[key]
	if !ok {
		return cacheEntry{}, false, false
	}
	return entry, time.Since(entry.storedAt) >= freshWindow, true
}

func (c *freshCache) set(key string, data []byte, etag string, isJSON bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: data, isJSON: isJSON, etag: etag, storedAt: time.Now()}
}

// touch refreshes the entry's timestamp without changing its data, used when
// the server confirms the entry is still current (304).
func (c *freshCache) touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	entry.storedAt = time.Now()
	c.entries[key] = entry
}

func (c *freshCache) etag(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key].etag
}

// invalidatePrefix drops every entry whose key starts with prefix, used
// after mutations to force revalidation of affected reads.
func (c *freshCache) invalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}
