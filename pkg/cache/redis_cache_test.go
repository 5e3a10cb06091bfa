package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, &Options{DefaultTTL: time.Minute, Namespace: "test"}), mr
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	var got item
	assert.ErrorIs(t, c.Get(ctx, "a", &got), ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "a", item{Name: "x", Count: 2}, 0))
	assert.True(t, mr.Exists("test:a"))
	assert.Equal(t, time.Minute, mr.TTL("test:a"))

	require.NoError(t, c.Get(ctx, "a", &got))
	assert.Equal(t, item{Name: "x", Count: 2}, got)

	require.NoError(t, c.Delete(ctx, "a"))
	assert.ErrorIs(t, c.Get(ctx, "a", &got), ErrCacheMiss)
}

func TestRedisCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.NoError(t, c.Set(ctx, "defs:ENTITY_CREATED", item{Name: "a"}, 0))
	require.NoError(t, c.Set(ctx, "defs:TASK_OVERDUE", item{Name: "b"}, 0))
	require.NoError(t, c.Set(ctx, "other", item{Name: "c"}, 0))

	require.NoError(t, c.Invalidate(ctx, "defs:*"))

	assert.False(t, mr.Exists("test:defs:ENTITY_CREATED"))
	assert.False(t, mr.Exists("test:defs:TASK_OVERDUE"))
	assert.True(t, mr.Exists("test:other"))
}

func TestRedisCache_CacheAsideLoadsOnce(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	calls := 0
	loader := func() (interface{}, error) {
		calls++
		return item{Name: "loaded", Count: calls}, nil
	}

	var first, second item
	require.NoError(t, c.CacheAside(ctx, "k", &first, loader, 0))
	require.NoError(t, c.CacheAside(ctx, "k", &second, loader, 0))

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestRedisCache_CacheAsideServesWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	mr.Close()

	var got item
	err := c.CacheAside(ctx, "k", &got, func() (interface{}, error) {
		return item{Name: "db"}, nil
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "db", got.Name)
}

func TestKeyBuilder(t *testing.T) {
	b := NewKeyBuilder("automation")
	assert.Equal(t, "automation:definitions:active:MANUAL", b.Build("definitions", "active", "MANUAL"))
	assert.Equal(t, "automation:definitions:*", b.Pattern("definitions", ""))
}
