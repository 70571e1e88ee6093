package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "caregrid:permsnap:"

// RedisCache is a snapshot cache backed by Redis, for deployments running
// more than one server replica: an invalidation issued by one replica is
// visible to all of them. Encoding failures degrade to cache misses, never
// to errors on the resolution path.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection. A zero TTL
// stores snapshots without expiry, matching the in-process cache's
// explicit-invalidation-only discipline.
func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

func snapshotKey(userID int64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, userID)
}

// Get returns the cached snapshot for a user, if present
func (c *RedisCache) Get(ctx context.Context, userID int64) (*Snapshot, bool) {
	data, err := c.client.Get(ctx, snapshotKey(userID)).Result()
	if err != nil {
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		// Corrupt entry: drop it and treat as a miss
		c.client.Del(ctx, snapshotKey(userID))
		return nil, false
	}

	return &snap, true
}

// Set stores a snapshot
func (c *RedisCache) Set(ctx context.Context, snap *Snapshot) {
	if snap == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.client.Set(ctx, snapshotKey(snap.UserID), data, c.ttl)
}

// Invalidate removes one user's entry
func (c *RedisCache) Invalidate(ctx context.Context, userID int64) {
	c.client.Del(ctx, snapshotKey(userID))
}

// Purge removes all snapshot entries
func (c *RedisCache) Purge(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
