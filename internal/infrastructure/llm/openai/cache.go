package openai

import (
	"maps"
	"sync"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// ResponseCache stores decoded extraction results keyed by the prompt
// fingerprint. Entries are copied on the way in and out so cached fields
// cannot be mutated by callers.
type ResponseCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]responseEntry

	now func() time.Time
}

type responseEntry struct {
	fields   domain.Fields
	raw      string
	storedAt time.Time
}

func NewResponseCache(cfg CacheConfig) *ResponseCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 512
	}
	return &ResponseCache{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]responseEntry),
		now:        time.Now,
	}
}

func (c *ResponseCache) Get(fingerprint string) (domain.Fields, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		return nil, "", false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, fingerprint)
		return nil, "", false
	}
	return maps.Clone(entry.fields), entry.raw, true
}

func (c *ResponseCache) Put(fingerprint string, fields domain.Fields, raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[fingerprint] = responseEntry{
		fields:   maps.Clone(fields),
		raw:      raw,
		storedAt: c.now(),
	}
}

func (c *ResponseCache) evictOldestLocked() {
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

func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
