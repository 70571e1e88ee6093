package permissions

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// SnapshotCache stores resolved per-user permission snapshots. A cached
// snapshot is served until a writer explicitly invalidates it; there is no
// freshness guarantee beyond that, and callers of the management
// operations are responsible for invalidating after every write.
type SnapshotCache interface {
	// Get returns the cached snapshot for a user, if present
	Get(ctx context.Context, userID int64) (*Snapshot, bool)

	// Set stores a snapshot
	Set(ctx context.Context, snap *Snapshot)

	// Invalidate removes one user's entry
	Invalidate(ctx context.Context, userID int64)

	// Purge removes all entries
	Purge(ctx context.Context)
}

// MemoryCache is an in-process LRU snapshot cache. A zero TTL disables
// time-based eviction entirely; entries then live until explicit
// invalidation or LRU pressure.
type MemoryCache struct {
	cache  *lru.LRU[int64, *Snapshot]
	hits   atomic.Int64
	misses atomic.Int64
}

// DefaultCacheSize bounds the number of cached user snapshots
const DefaultCacheSize = 4096

// NewMemoryCache creates a snapshot cache holding up to size entries
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &MemoryCache{
		cache: lru.NewLRU[int64, *Snapshot](size, nil, ttl),
	}
}

// Get returns the cached snapshot for a user, if present
func (c *MemoryCache) Get(ctx context.Context, userID int64) (*Snapshot, bool) {
	snap, ok := c.cache.Get(userID)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return snap, true
}

// Set stores a snapshot
func (c *MemoryCache) Set(ctx context.Context, snap *Snapshot) {
	if snap == nil {
		return
	}
	c.cache.Add(snap.UserID, snap)
}

// Invalidate removes one user's entry
func (c *MemoryCache) Invalidate(ctx context.Context, userID int64) {
	c.cache.Remove(userID)
}

// Purge removes all entries
func (c *MemoryCache) Purge(ctx context.Context) {
	c.cache.Purge()
}

// Stats reports hit/miss counts and the current entry count
func (c *MemoryCache) Stats() (hits, misses int64, entries int) {
	return c.hits.Load(), c.misses.Load(), c.cache.Len()
}
