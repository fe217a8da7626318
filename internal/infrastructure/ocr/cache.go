package ocr

import (
	"sync"
	"time"
)

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// TextCache is a TTL- and size-bounded cache of extracted text. It is an
// explicit injected component, not an ambient singleton, so eviction is
// testable.
type TextCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	text     string
	storedAt time.Time
}

func NewTextCache(cfg CacheConfig) *TextCache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 256
	}
	return &TextCache{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]cacheEntry),
		now:        time.Now,
	}
}

func (c *TextCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return entry.text, true
}

func (c *TextCache) Put(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{text: text, storedAt: c.now()}
}

func (c *TextCache) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		first     = true
	)
	for key, entry := range c.entries {
		if first || entry.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.storedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *TextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
