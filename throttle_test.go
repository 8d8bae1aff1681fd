package entitle_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/ratelimit"
	"github.com/xraph/entitle/store/memory"
)

const tiersYAML = `
default_tier: free
tiers:
  free: {capacity: 3, refill_rate: 1}
  pro: {capacity: 10, refill_rate: 5}
default_weight: 1
weights:
  "POST:/api/ai/generate": 4
  "GET:/healthz": 0
`

func TestAllowByPlanTier(t *testing.T) {
	tiers, err := ratelimit.LoadTiers(strings.NewReader(tiersYAML))
	require.NoError(t, err)

	f := newFixture(t, entitle.WithTiers(tiers))
	f.newPlan(t, "pro", nil, nil, "paid")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.engine.Allow(ctx, "unpaid", "search", 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := f.engine.Allow(ctx, "unpaid", "search", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	res, err = f.engine.Allow(ctx, "paid", "search", 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	f.clock.Advance(time.Second)
	res, err = f.engine.Allow(ctx, "unpaid", "search", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAllowRouteWeights(t *testing.T) {
	tiers, err := ratelimit.LoadTiers(strings.NewReader(tiersYAML))
	require.NoError(t, err)

	f := newFixture(t, entitle.WithTiers(tiers))
	f.newPlan(t, "pro", map[string]plan.FeatureValue{"ai": plan.Bool(true)}, nil, "acme")
	ctx := context.Background()

	res, err := f.engine.AllowRoute(ctx, "acme", "post", "/api/ai/generate")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(6), res.Remaining)

	res, err = f.engine.AllowRoute(ctx, "acme", "GET", "/healthz")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	_, err = f.engine.Allow(ctx, "acme", "", 1)
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRedisLimiterUsesEngineLogger(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	logs := &logBuffer{}
	// The logger comes after WithRedis on purpose.
	e := entitle.New(memory.New(),
		entitle.WithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
		entitle.WithLogger(slog.New(slog.NewTextHandler(logs, nil))),
	)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	mr.Close()

	res, err := e.Allow(context.Background(), "acme", "search", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Contains(t, logs.String(), "rate limiter unavailable")
}
