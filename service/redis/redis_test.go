package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftfolio/backend/util"
)

func newTestCache(t *testing.T, config CacheConfig) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	viper.Set("REDIS_URL", mr.Addr())
	viper.Set("REDIS_PASS", "")
	cache := NewCache(config)
	t.Cleanup(func() {
		cache.Close()
	})
	return cache
}

func TestCache_GetSet(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, CollectionCache)

	t.Run("returns ErrKeyNotFound for a missing key", func(t *testing.T) {
		_, err := cache.Get(ctx, "missing")
		require.Error(t, err)
		assert.True(t, util.ErrorAs[ErrKeyNotFound](err))
	})

	t.Run("round trips a value", func(t *testing.T) {
		err := cache.Set(ctx, "boredapeyachtclub", []byte(`{"slug":"boredapeyachtclub"}`), time.Hour)
		require.NoError(t, err)

		b, err := cache.Get(ctx, "boredapeyachtclub")
		require.NoError(t, err)
		assert.Equal(t, `{"slug":"boredapeyachtclub"}`, string(b))
	})

	t.Run("deleted keys are missing again", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "doomed", []byte("x"), time.Hour))
		require.NoError(t, cache.Delete(ctx, "doomed"))

		_, err := cache.Get(ctx, "doomed")
		assert.True(t, util.ErrorAs[ErrKeyNotFound](err))
	})
}

func TestCache_SetNX(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, SyncLockCache)

	set, err := cache.SetNX(ctx, "0xabc", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = cache.SetNX(ctx, "0xabc", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestCache_MGet(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, CollectionCache)

	require.NoError(t, cache.Set(ctx, "azuki", []byte("a"), time.Hour))
	require.NoError(t, cache.Set(ctx, "doodles-official", []byte("d"), time.Hour))

	t.Run("preserves input order with nil entries for misses", func(t *testing.T) {
		results, err := cache.MGet(ctx, []string{"doodles-official", "no-such-slug", "azuki"})
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, []byte("d"), results[0])
		assert.Nil(t, results[1])
		assert.Equal(t, []byte("a"), results[2])
	})

	t.Run("empty input returns an empty result", func(t *testing.T) {
		results, err := cache.MGet(ctx, []string{})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestCache_MSetWithTTL(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, MarketCache)

	err := cache.MSetWithTTL(ctx, map[string]any{
		"eth_price": []byte("2044.12"),
		"gas_price": []byte("14"),
	}, time.Hour)
	require.NoError(t, err)

	b, err := cache.Get(ctx, "eth_price")
	require.NoError(t, err)
	assert.Equal(t, "2044.12", string(b))

	b, err = cache.Get(ctx, "gas_price")
	require.NoError(t, err)
	assert.Equal(t, "14", string(b))
}

func TestCache_ScanAndDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, CollectionCache)

	require.NoError(t, cache.Set(ctx, "azuki", []byte("a"), time.Hour))
	require.NoError(t, cache.Set(ctx, "azuki-elementals", []byte("e"), time.Hour))
	require.NoError(t, cache.Set(ctx, "doodles-official", []byte("d"), time.Hour))

	t.Run("scan returns only keys under the prefix", func(t *testing.T) {
		keys, err := cache.ScanKeys(ctx, "azuki")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"azuki", "azuki-elementals"}, keys)
	})

	t.Run("delete by prefix removes matches and leaves the rest", func(t *testing.T) {
		deleted, err := cache.DeleteByPrefix(ctx, "azuki")
		require.NoError(t, err)
		assert.EqualValues(t, 2, deleted)

		_, err = cache.Get(ctx, "azuki")
		assert.True(t, util.ErrorAs[ErrKeyNotFound](err))

		b, err := cache.Get(ctx, "doodles-official")
		require.NoError(t, err)
		assert.Equal(t, "d", string(b))
	})

	t.Run("empty prefix matches every key in the namespace", func(t *testing.T) {
		deleted, err := cache.DeleteByPrefix(ctx, "")
		require.NoError(t, err)
		assert.EqualValues(t, 1, deleted)
	})
}

func TestCache_SetTime(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, SyncLockCache)

	earlier := time.Unix(1700000000, 0)
	later := time.Unix(1700005000, 0)

	t.Run("stores and retrieves a time", func(t *testing.T) {
		require.NoError(t, cache.SetTime(ctx, "lastSynced", later, time.Hour, false))

		got, err := cache.GetTime(ctx, "lastSynced")
		require.NoError(t, err)
		assert.True(t, got.Equal(later))
	})

	t.Run("onlyIfLater keeps the later value", func(t *testing.T) {
		require.NoError(t, cache.SetTime(ctx, "lastSynced", earlier, time.Hour, true))

		got, err := cache.GetTime(ctx, "lastSynced")
		require.NoError(t, err)
		assert.True(t, got.Equal(later))
	})

	t.Run("onlyIfLater advances an earlier value", func(t *testing.T) {
		evenLater := later.Add(time.Minute)
		require.NoError(t, cache.SetTime(ctx, "lastSynced", evenLater, time.Hour, true))

		got, err := cache.GetTime(ctx, "lastSynced")
		require.NoError(t, err)
		assert.True(t, got.Equal(evenLater))
	})
}

func TestLazyCache(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, MarketCache)

	calls := 0
	lazy := LazyCache{
		Cache: cache,
		Key:   "eth_price_usd",
		TTL:   time.Hour,
		CalcFunc: func(ctx context.Context) ([]byte, error) {
			calls++
			return []byte("1999.99"), nil
		},
	}

	b, err := lazy.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1999.99", string(b))
	assert.Equal(t, 1, calls)

	b, err = lazy.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1999.99", string(b))
	assert.Equal(t, 1, calls, "second load should be served from the cache")
}
