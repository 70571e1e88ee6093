package permissions

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()

	srv := miniredis.RunT(t)
	cache, err := NewRedisCache(srv.Addr(), "", 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestRedisCache_SetGetInvalidate(t *testing.T) {
	ctx := context.Background()
	cache := newTestRedisCache(t)

	_, ok := cache.Get(ctx, 1)
	assert.False(t, ok)

	cache.Set(ctx, testSnapshot(1))

	snap, ok := cache.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.UserID)
	assert.True(t, snap.GeneralGrants["patients:write"])

	cache.Invalidate(ctx, 1)
	_, ok = cache.Get(ctx, 1)
	assert.False(t, ok)
}

func TestRedisCache_Purge(t *testing.T) {
	ctx := context.Background()
	cache := newTestRedisCache(t)

	cache.Set(ctx, testSnapshot(1))
	cache.Set(ctx, testSnapshot(2))
	cache.Purge(ctx)

	_, ok := cache.Get(ctx, 1)
	assert.False(t, ok)
	_, ok = cache.Get(ctx, 2)
	assert.False(t, ok)
}

func TestRedisCache_CorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	cache, err := NewRedisCache(srv.Addr(), "", 0, 0)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, srv.Set(snapshotKey(7), "not-json"))

	_, ok := cache.Get(ctx, 7)
	assert.False(t, ok)

	// The corrupt entry gets dropped, not left to fail again
	assert.False(t, srv.Exists(snapshotKey(7)))
}

func TestRedisCache_BadAddrFails(t *testing.T) {
	_, err := NewRedisCache("127.0.0.1:1", "", 0, 0)
	assert.Error(t, err)
}
