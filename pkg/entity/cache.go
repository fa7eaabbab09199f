package entity

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

const (
	linkCacheCap = 10000
	linkCacheTTL = 24 * time.Hour
)

// cacheKey derives the shared L1/L2 key for a lookup.
func cacheKey(text, expectedType string) string {
	t := expectedType
	if t == "" {
		t = "any"
	}
	h := md5.Sum([]byte(strings.ToLower(text) + "|" + t))
	return hex.EncodeToString(h[:])
}

type linkCacheEntry struct {
	val     *LinkedEntity
	addedAt time.Time
}

// linkCache is the in-process tier of the linker cache: bounded, with
// a soft TTL, evicting the oldest tenth when full. Insertion order
// stands in for age; a re-put refreshes the entry but not its slot.
type linkCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	entries map[string]linkCacheEntry
	order   []string
	now     func() time.Time
}

func newLinkCache(capacity int, ttl time.Duration) *linkCache {
	if capacity <= 0 {
		capacity = linkCacheCap
	}
	if ttl <= 0 {
		ttl = linkCacheTTL
	}
	return &linkCache{
		cap:     capacity,
		ttl:     ttl,
		entries: make(map[string]linkCacheEntry),
		now:     time.Now,
	}
}

func (c *linkCache) get(key string) (*LinkedEntity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.addedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.val, true
}

func (c *linkCache) put(key string, val *LinkedEntity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		if len(c.entries) >= c.cap {
			c.evictOldestLocked()
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = linkCacheEntry{val: val, addedAt: c.now()}
}

// evictOldestLocked removes the oldest 10% of live entries, skipping
// order slots whose entries already expired away.
func (c *linkCache) evictOldestLocked() {
	toEvict := c.cap / 10
	if toEvict < 1 {
		toEvict = 1
	}

	evicted := 0
	i := 0
	for ; i < len(c.order) && evicted < toEvict; i++ {
		if _, ok := c.entries[c.order[i]]; ok {
			delete(c.entries, c.order[i])
			evicted++
		}
	}
	c.order = c.order[i:]
}

func (c *linkCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
