package entitle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/plan"
)

type mockTier struct {
	mock.Mock
}

func (m *mockTier) Get(_ context.Context, key string) ([]byte, error) {
	args := m.Called(key)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockTier) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	return m.Called(key, val, ttl).Error(0)
}

func (m *mockTier) Delete(_ context.Context, key string) error {
	return m.Called(key).Error(0)
}

func (m *mockTier) Incr(_ context.Context, key string) (int64, error) {
	args := m.Called(key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTier) Counter(_ context.Context, key string) (int64, error) {
	args := m.Called(key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTier) TryLock(_ context.Context, key string, ttl time.Duration) (cache.Unlock, bool, error) {
	args := m.Called(key, ttl)
	unlock, _ := args.Get(0).(cache.Unlock)
	return unlock, args.Bool(1), args.Error(2)
}

func (m *mockTier) Ping(context.Context) error { return m.Called().Error(0) }

func (m *mockTier) Close() error { return m.Called().Error(0) }

func TestCacheOutage(t *testing.T) {
	down := errors.New("connection refused")
	tier := &mockTier{}
	tier.On("Counter", mock.Anything).Return(int64(0), down)
	tier.On("Incr", mock.Anything).Return(int64(0), down)
	tier.On("Close").Return(nil)

	f := newFixture(t,
		entitle.WithCacheTier(tier),
		entitle.WithDefaults(plan.Defaults{
			Features: map[string]plan.FeatureValue{"search": plan.Bool(true)},
			Limits:   map[string]plan.LimitConfig{"api_calls": blocked(100)},
		}),
	)
	ctx := context.Background()

	_, err := f.engine.Resolve(ctx, "acme")
	require.ErrorIs(t, err, entitle.ErrConfigUnavailable)

	d, err := f.engine.Check(ctx, "acme", "search", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.True(t, d.FailOpen)

	d, err = f.engine.Check(ctx, "acme", "api_calls", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.ErrorIs(t, d.Err, entitle.ErrConfigUnavailable)

	// The override is stored even though the invalidation cannot reach the tier.
	_, err = f.engine.SetOverride(ctx, "acme", "search", plan.Bool(false))
	require.NoError(t, err)
	tier.AssertCalled(t, "Incr", "entitle:gen:acme")

	overrides, err := f.engine.ListOverrides(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	tier.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything)
}
