package hybrid

import (
	"sync"
	"time"

	"github.com/qollective/qollective/transport"
)

// CacheEntry is a detected capability set and when it was detected.
type CacheEntry struct {
	Capabilities transport.Capabilities `json:"capabilities"`
	DetectedAt   time.Time              `json:"detected_at"`
	// Degraded is set when every probe failed and the defaults were stored.
	Degraded bool `json:"degraded"`
}

// capabilityCache keeps one entry per endpoint server. Entries older than
// the TTL count as misses.
type capabilityCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]CacheEntry
}

func newCapabilityCache(ttl time.Duration, now func() time.Time) *capabilityCache {
	return &capabilityCache{ttl: ttl, now: now, entries: map[string]CacheEntry{}}
}

func (c *capabilityCache) get(key string) (CacheEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return CacheEntry{}, false
	}
	if c.now().Sub(e.DetectedAt) > c.ttl {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.DetectedAt.Equal(e.DetectedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return CacheEntry{}, false
	}
	return e, true
}

func (c *capabilityCache) put(key string, e CacheEntry) {
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *capabilityCache) delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *capabilityCache) clear() {
	c.mu.Lock()
	c.entries = map[string]CacheEntry{}
	c.mu.Unlock()
}

func (c *capabilityCache) snapshot() map[string]CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CacheEntry, len(c.entries))
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.DetectedAt) <= c.ttl {
			out[k] = e
		}
	}
	return out
}
