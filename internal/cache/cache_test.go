package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCacheWithClient(client, "test:"), mr
}

func TestCacheImplementations(t *testing.T) {
	redisCache, _ := newRedisCache(t)
	caches := map[string]Cache{
		"memory": NewMemoryCache(),
		"redis":  redisCache,
	}

	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := c.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.Set(ctx, "k", "v1"))
			require.NoError(t, c.Set(ctx, "k", "v2"))
			v, ok, err := c.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v2", v)

			require.NoError(t, c.Remove(ctx, "k"))
			require.NoError(t, c.Remove(ctx, "k"))
			_, ok, err = c.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRedisCacheUsesPrefix(t *testing.T) {
	c, mr := newRedisCache(t)
	require.NoError(t, c.Set(context.Background(), SequenceHintKey("t1", "25"), "7"))

	got, err := mr.Get("test:registration:next:t1:25")
	require.NoError(t, err)
	assert.Equal(t, "7", got)
}

func TestRedisCacheUnavailable(t *testing.T) {
	c, mr := newRedisCache(t)
	mr.Close()

	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
}
