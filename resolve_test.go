package entitle_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
)

func TestResolveLayers(t *testing.T) {
	f := newFixture(t, entitle.WithDefaults(plan.Defaults{
		Features: map[string]plan.FeatureValue{"sso": plan.Bool(false), "theme": plan.Enum("basic")},
		Limits:   map[string]plan.LimitConfig{"api_calls": blocked(100)},
	}))
	f.newPlan(t, "pro", map[string]plan.FeatureValue{"sso": plan.Bool(true)},
		map[string]plan.LimitConfig{"api_calls": blocked(10_000)}, "acme")
	ctx := context.Background()

	_, err := f.engine.SetOverride(ctx, "acme", "api_calls", blocked(50))
	require.NoError(t, err)

	rc, err := f.engine.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "pro", rc.PlanSlug)
	assert.Equal(t, plan.SourcePlan, rc.Sources["sso"])
	assert.Equal(t, plan.SourceDefault, rc.Sources["theme"])
	// Overrides win even when they grant less than the plan.
	assert.Equal(t, plan.SourceOverride, rc.Sources["api_calls"])
	assert.Equal(t, int64(50), *rc.Limits["api_calls"].HardCap)
	assert.Equal(t, []string{"api_calls"}, rc.Overridden)
	assert.NotEmpty(t, rc.ETag)
}

func TestOverrideVisibleImmediately(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "free", map[string]plan.FeatureValue{"export": plan.Bool(false)}, nil, "acme")
	ctx := context.Background()

	ok, err := f.engine.Entitled(ctx, "acme", "export")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.engine.SetOverride(ctx, "acme", "export", plan.Bool(true))
	require.NoError(t, err)

	ok, err = f.engine.Entitled(ctx, "acme", "export")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.engine.ClearOverride(ctx, "acme", "export"))
	ok, err = f.engine.Entitled(ctx, "acme", "export")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOverrideRejectsInvalidTerms(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SetOverride(context.Background(), "acme", "api_calls",
		plan.LimitConfig{HardCap: plan.Cap(10), WarnThreshold: 2})
	assert.ErrorIs(t, err, entitle.ErrInvalidTerms)
}

func TestGrandfathering(t *testing.T) {
	f := newFixture(t)
	snap := f.newPlan(t, "pro", nil, map[string]plan.LimitConfig{"api_calls": blocked(100)}, "early")
	ctx := context.Background()

	v2, err := f.engine.PublishVersion(ctx, snap.Plan.ID, nil, map[string]plan.LimitConfig{"api_calls": blocked(500)})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Number)

	_, err = f.engine.AssignPlan(ctx, "late", snap.Plan.ID, time.Time{})
	require.NoError(t, err)

	capOf := func(tenant string) int64 {
		rc, err := f.engine.Resolve(ctx, tenant)
		require.NoError(t, err)
		return *rc.Limits["api_calls"].HardCap
	}
	assert.Equal(t, int64(100), capOf("early"))
	assert.Equal(t, int64(500), capOf("late"))

	_, err = f.engine.MigrateTenant(ctx, "early", v2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), capOf("early"))

	versions, err := f.engine.ListVersions(ctx, snap.Plan.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	old, err := f.engine.GetPlanBySlug(ctx, "pro", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), *old.Version.Limits["api_calls"].HardCap)

	current, err := f.engine.GetPlan(ctx, snap.Plan.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version.Number)
}

func TestCreatePlanValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreatePlan(ctx, &plan.Plan{}, nil, nil)
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)

	_, err = f.engine.CreatePlan(ctx, &plan.Plan{Slug: "bad"}, nil,
		map[string]plan.LimitConfig{"api_calls": {OveragePolicy: "refund"}})
	assert.ErrorIs(t, err, entitle.ErrInvalidTerms)

	_, err = f.engine.AssignPlan(ctx, "acme", id.NewPlanID(), time.Time{})
	assert.True(t, entitle.IsNotFound(err))
}

func TestCreatePlanDuplicateSlugWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "pro", nil, nil)
	ctx := context.Background()

	dup := &plan.Plan{ID: id.NewPlanID(), Slug: "pro"}
	_, err := f.engine.CreatePlan(ctx, dup, map[string]plan.FeatureValue{"sso": plan.Bool(true)}, nil)
	require.ErrorIs(t, err, entitle.ErrAlreadyExists)

	versions, err := f.store.ListVersions(ctx, dup.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestUnassignFallsBackToDefaults(t *testing.T) {
	f := newFixture(t, entitle.WithDefaults(plan.Defaults{
		Features: map[string]plan.FeatureValue{"sso": plan.Bool(false)},
	}))
	f.newPlan(t, "team", map[string]plan.FeatureValue{"sso": plan.Bool(true)}, nil, "acme")
	ctx := context.Background()

	require.NoError(t, f.engine.Unassign(ctx, "acme"))

	rc, err := f.engine.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, rc.PlanSlug)
	assert.Equal(t, plan.SourceDefault, rc.Sources["sso"])
}

func TestStaleWhileRevalidate(t *testing.T) {
	f := newFixture(t, entitle.WithConfig(entitle.Config{
		CacheTTL:             time.Minute,
		StaleWhileRevalidate: true,
		StaleWindow:          time.Minute,
	}))
	f.newPlan(t, "free", map[string]plan.FeatureValue{"export": plan.Bool(false)}, nil, "acme")
	ctx := context.Background()

	first, err := f.engine.Resolve(ctx, "acme")
	require.NoError(t, err)

	// Catalog write that bypasses invalidation.
	o := &plan.Override{Entity: types.NewEntity(f.clock.Now()), ID: id.NewOverrideID(), TenantID: "acme", Key: "export"}
	o.Set(plan.Bool(true))
	require.NoError(t, f.store.SaveOverride(ctx, o, 0))

	f.clock.Advance(90 * time.Second)

	stale, err := f.engine.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, first.ETag, stale.ETag)

	assert.Eventually(t, func() bool {
		rc, err := f.engine.Resolve(ctx, "acme")
		return err == nil && rc.Features["export"].Bool
	}, time.Second, 10*time.Millisecond)
}

func TestExpiredConfigRebuildsSynchronously(t *testing.T) {
	f := newFixture(t, entitle.WithConfig(entitle.Config{CacheTTL: time.Minute}))
	f.newPlan(t, "free", map[string]plan.FeatureValue{"export": plan.Bool(false)}, nil, "acme")
	ctx := context.Background()

	_, err := f.engine.Resolve(ctx, "acme")
	require.NoError(t, err)

	o := &plan.Override{Entity: types.NewEntity(f.clock.Now()), ID: id.NewOverrideID(), TenantID: "acme", Key: "export"}
	o.Set(plan.Bool(true))
	require.NoError(t, f.store.SaveOverride(ctx, o, 0))

	// Still cached.
	rc, err := f.engine.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, rc.Features["export"].Bool)

	f.clock.Advance(2 * time.Minute)
	rc, err = f.engine.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, rc.Features["export"].Bool)
}

func TestSharedRedisTier(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	newClient := func() *redis.Client { return redis.NewClient(&redis.Options{Addr: mr.Addr()}) }

	a := newFixture(t, entitle.WithRedis(newClient()))
	// A second engine over the same catalog and cache tier.
	b := entitle.New(a.store, entitle.WithLogger(quietLogger()), entitle.WithClock(a.clock.Now), entitle.WithRedis(newClient()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	a.newPlan(t, "free", map[string]plan.FeatureValue{"export": plan.Bool(false)}, nil, "acme")
	ctx := context.Background()
	require.NoError(t, a.engine.Health(ctx))

	ok, err := b.Entitled(ctx, "acme", "export")
	require.NoError(t, err)
	require.False(t, ok)

	// An override written through one engine is seen by the other.
	_, err = a.engine.SetOverride(ctx, "acme", "export", plan.Bool(true))
	require.NoError(t, err)

	ok, err = b.Entitled(ctx, "acme", "export")
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := b.Allow(ctx, "acme", "search", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
