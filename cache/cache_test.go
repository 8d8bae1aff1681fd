package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/cache"
)

func newRedisTier(t *testing.T) (*cache.Redis, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	tier, err := cache.NewRedisFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })

	return tier, mr
}

func tiers(t *testing.T) map[string]cache.Tier {
	redisTier, _ := newRedisTier(t)
	return map[string]cache.Tier{
		"local": cache.NewLocal(128, time.Hour),
		"redis": redisTier,
	}
}

func TestTierGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, tier := range tiers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := tier.Get(ctx, "k")
			assert.ErrorIs(t, err, cache.ErrMiss)

			require.NoError(t, tier.Set(ctx, "k", []byte("v1"), time.Minute))
			got, err := tier.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			require.NoError(t, tier.Delete(ctx, "k"))
			_, err = tier.Get(ctx, "k")
			assert.ErrorIs(t, err, cache.ErrMiss)
			assert.NoError(t, tier.Ping(ctx))
		})
	}
}

func TestTierCounters(t *testing.T) {
	ctx := context.Background()
	for name, tier := range tiers(t) {
		t.Run(name, func(t *testing.T) {
			n, err := tier.Counter(ctx, "gen")
			require.NoError(t, err)
			assert.Zero(t, n)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = tier.Incr(ctx, "gen")
				}()
			}
			wg.Wait()

			n, err = tier.Counter(ctx, "gen")
			require.NoError(t, err)
			assert.Equal(t, int64(20), n)
		})
	}
}

func TestTierLocks(t *testing.T) {
	ctx := context.Background()
	for name, tier := range tiers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, ok, err := tier.TryLock(ctx, "lock", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			_, ok, err = tier.TryLock(ctx, "lock", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second holder must be refused")

			require.NoError(t, unlock(ctx))
			unlock2, ok, err := tier.TryLock(ctx, "lock", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
			require.NoError(t, unlock2(ctx))
		})
	}
}

func TestLocalExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tier := cache.NewLocal(8, time.Hour, cache.WithLocalClock(func() time.Time { return now }))

	require.NoError(t, tier.Set(ctx, "k", []byte("v"), 10*time.Second))
	now = now.Add(9 * time.Second)
	_, err := tier.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = tier.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrMiss)

	unlock, ok, _ := tier.TryLock(ctx, "l", time.Second)
	require.True(t, ok)
	now = now.Add(2 * time.Second)
	_, ok, _ = tier.TryLock(ctx, "l", time.Second)
	assert.True(t, ok, "expired lock can be taken over")
	assert.NoError(t, unlock(ctx), "stale unlock is a no-op")
	_, ok, _ = tier.TryLock(ctx, "l", time.Second)
	assert.False(t, ok, "stale unlock must not release the new holder")
}

func TestRedisLockExpiry(t *testing.T) {
	ctx := context.Background()
	tier, mr := newRedisTier(t)

	_, ok, err := tier.TryLock(ctx, "l", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = tier.TryLock(ctx, "l", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalCountersSurviveEviction(t *testing.T) {
	ctx := context.Background()
	// One entry slot gives room for four counters.
	tier := cache.NewLocal(1, time.Hour)

	_, _ = tier.Incr(ctx, "gen:a")
	n, err := tier.Incr(ctx, "gen:a")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	for _, k := range []string{"gen:b", "gen:c", "gen:d", "gen:e"} {
		_, err := tier.Incr(ctx, k)
		require.NoError(t, err)
	}

	n, err = tier.Counter(ctx, "gen:a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))

	n, err = tier.Incr(ctx, "gen:a")
	require.NoError(t, err)
	assert.Greater(t, n, int64(2))
}
