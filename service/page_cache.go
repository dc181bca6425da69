package service

import (
	"slices"
	"sync"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/RigelNana/arkstudy/materialcore/pkg/metrics"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Page is one page of a listing. Items is shared with the cache and must be
// treated as read-only.
type Page struct {
	Items      []models.Material
	NextCursor *string
	TotalCount *int64
	HasMore    bool
	IsStale    bool
}

type cacheEntry struct {
	page     Page
	storedAt time.Time
}

// pageCache is a bounded LRU with a per-entry TTL. Expiry is checked on
// read, so an expired page stays reachable through getStale until it is
// read with get or pushed out by capacity.
type pageCache struct {
	// mu makes the check-then-remove in lookup atomic; lru.Cache only locks
	// single calls.
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	pages *lru.Cache[string, cacheEntry]
}

func newPageCache(ttl time.Duration, max int, now func() time.Time) *pageCache {
	if max < 1 {
		max = 1
	}
	// max >= 1, New cannot fail
	pages, _ := lru.New[string, cacheEntry](max)
	return &pageCache{ttl: ttl, now: now, pages: pages}
}

func (c *pageCache) expired(e cacheEntry) bool {
	return c.now().Sub(e.storedAt) > c.ttl
}

// get returns a fresh entry and promotes it. An expired entry is evicted.
func (c *pageCache) get(key string) (*Page, bool) {
	fresh, _ := c.lookup(key)
	return fresh, fresh != nil
}

// lookup is get that also hands back the page it evicted for being expired,
// so the caller can still serve it if the refetch fails.
func (c *pageCache) lookup(key string) (fresh, expired *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pages.Get(key)
	if !ok {
		return nil, nil
	}
	p := e.page
	if c.expired(e) {
		c.pages.Remove(key)
		metrics.ListingCacheEvictions.WithLabelValues("expired").Inc()
		p.IsStale = true
		return nil, &p
	}
	return &p, nil
}

// getStale ignores the TTL and does not change recency.
func (c *pageCache) getStale(key string) (*Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pages.Peek(key)
	if !ok {
		return nil, false
	}
	p := e.page
	p.IsStale = c.expired(e)
	return &p, true
}

func (c *pageCache) set(key string, page Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page.IsStale = false
	if c.pages.Add(key, cacheEntry{page: page, storedAt: c.now()}) {
		metrics.ListingCacheEvictions.WithLabelValues("capacity").Inc()
	}
}

func (c *pageCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages.Purge()
}

// invalidateContaining scans every cached page; the cache is small enough
// that an index from id to keys is not worth keeping in sync.
func (c *pageCache) invalidateContaining(id uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.pages.Keys() {
		e, ok := c.pages.Peek(key)
		if !ok {
			continue
		}
		if slices.ContainsFunc(e.page.Items, func(m models.Material) bool { return m.ID == id }) {
			c.pages.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		metrics.ListingCacheEvictions.WithLabelValues("invalidated").Add(float64(removed))
	}
	return removed
}

func (c *pageCache) size() int {
	return c.pages.Len()
}

// keys lists the cached keys, most recently used first.
func (c *pageCache) keys() []string {
	keys := c.pages.Keys()
	slices.Reverse(keys)
	return keys
}
