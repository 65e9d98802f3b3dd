package replay

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryCacheSize bounds the in-memory cache. Assertion validity
// windows are minutes, so even busy deployments stay well under this.
const DefaultMemoryCacheSize = 65536

// MemoryCache is a bounded in-process replay cache. Suitable for
// single-instance deployments; multi-instance deployments need the Redis
// cache so all instances share one view of consumed IDs.
type MemoryCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, time.Time]
	clock   func() time.Time
}

// NewMemoryCache creates a bounded in-memory replay cache. size <= 0 uses
// DefaultMemoryCacheSize.
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = DefaultMemoryCacheSize
	}
	entries, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{
		entries: entries,
		clock:   time.Now,
	}, nil
}

// Remember implements Cache. The check-then-insert runs under one lock so
// concurrent presentations of the same ID admit exactly one caller.
func (c *MemoryCache) Remember(ctx context.Context, assertionID string, notOnOrAfter time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.entries.Get(assertionID); ok {
		if c.clock().Before(expiry) {
			return false, nil
		}
		// Stale entry; the ID's validity window has passed
		c.entries.Remove(assertionID)
	}

	c.entries.Add(assertionID, notOnOrAfter)
	return true, nil
}

// Sweep drops entries whose validity window has passed and returns how many
// were removed. The LRU bound already caps memory; sweeping keeps lookups
// from hitting stale entries between evictions.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	removed := 0
	for _, id := range c.entries.Keys() {
		if expiry, ok := c.entries.Peek(id); ok && !now.Before(expiry) {
			c.entries.Remove(id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked IDs, expired or not
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
