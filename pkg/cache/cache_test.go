package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/ha1tch/olumine/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(2, 0)

	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, c.Set(ctx, "a", "1"))
	require.NoError(t, c.Set(ctx, "b", "2"))
	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	// b is the least recently used
	require.NoError(t, c.Set(ctx, "c", "3"))
	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Delete(ctx, "a", "missing"))
	_, err = c.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestMemoryCacheDeletePrefix(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(10, time.Minute)
	require.NoError(t, c.Set(ctx, "obj:1", "x"))
	require.NoError(t, c.Set(ctx, "obj:2", "y"))
	require.NoError(t, c.Set(ctx, "src:1", "z"))

	require.NoError(t, c.DeletePrefix(ctx, "obj:"))
	assert.Equal(t, 1, c.Len())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Len())
}

func TestNew(t *testing.T) {
	c, err := cache.New(cache.Options{Type: "memory", Size: 5})
	require.NoError(t, err)
	assert.IsType(t, &cache.MemoryCache{}, c)

	_, err = cache.New(cache.Options{Type: "memcached"})
	assert.ErrorIs(t, err, cache.ErrUnknownType)
}
