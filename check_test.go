package entitle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
)

func TestCheckFeatures(t *testing.T) {
	f := newFixture(t, entitle.WithDefaults(plan.Defaults{
		Features: map[string]plan.FeatureValue{"sso": plan.Bool(false), "seats": plan.Number(1)},
	}))
	f.newPlan(t, "team", map[string]plan.FeatureValue{
		"sso":     plan.Bool(true),
		"seats":   plan.Number(10),
		"support": plan.Enum("email"),
		"reports": plan.Enum(plan.EnumNone),
	}, nil, "acme")
	ctx := context.Background()

	cases := []struct {
		tenant, key string
		qty         int64
		want        entitlement.Outcome
		source      plan.Source
	}{
		{"acme", "sso", 1, entitlement.Allow, plan.SourcePlan},
		{"acme", "seats", 10, entitlement.Allow, plan.SourcePlan},
		{"acme", "seats", 11, entitlement.Deny, plan.SourcePlan},
		{"acme", "support", 1, entitlement.Allow, plan.SourcePlan},
		{"acme", "reports", 1, entitlement.Deny, plan.SourcePlan},
		{"acme", "unknown", 1, entitlement.Deny, plan.SourceFallback},
		{"solo", "sso", 1, entitlement.Deny, plan.SourceDefault},
		{"solo", "seats", 1, entitlement.Allow, plan.SourceDefault},
	}
	for _, tc := range cases {
		t.Run(tc.tenant+"/"+tc.key, func(t *testing.T) {
			d, err := f.engine.Check(ctx, tc.tenant, tc.key, tc.qty)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Outcome)
			assert.Equal(t, tc.source, d.Source)
			if tc.want == entitlement.Deny {
				assert.ErrorIs(t, d.Err, entitle.ErrFeatureDisabled)
			}
		})
	}
}

func TestCheckRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Check(ctx, "", "sso", 1)
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)

	_, err = f.engine.Check(ctx, "acme", "sso", 0)
	assert.ErrorIs(t, err, entitle.ErrInvalidQuantity)
}

func TestCheckLimitBlock(t *testing.T) {
	sink := &alertSink{}
	f := newFixture(t, entitle.WithPlugin(sink))
	f.newPlan(t, "starter", nil, map[string]plan.LimitConfig{"projects": blocked(3)}, "acme")
	ctx := context.Background()

	_, err := f.engine.Record(ctx, "acme", "projects", 3, "p-1")
	require.NoError(t, err)

	d, err := f.engine.Check(ctx, "acme", "projects", 1)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Deny, d.Outcome)
	assert.ErrorIs(t, d.Err, entitle.ErrLimitExceeded)
	assert.Equal(t, int64(3), d.Used)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, int64(1), d.Overage)

	assert.Eventually(t, func() bool { return sink.count(entitlement.AlertExceeded) == 1 },
		time.Second, 10*time.Millisecond)
}

func TestCheckUnlimited(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "enterprise", nil, map[string]plan.LimitConfig{
		"api_calls": {ResetPeriod: plan.ResetMonthly},
	}, "acme")

	d, err := f.engine.Check(context.Background(), "acme", "api_calls", 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Allow, d.Outcome)
	assert.Equal(t, int64(-1), d.Remaining)
	assert.Nil(t, d.Limit)
}

func TestCheckOverageBilledToCredits(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "pro", nil, map[string]plan.LimitConfig{"api_calls": billed(1000, 1)}, "acme")
	ctx := context.Background()

	_, err := f.engine.Record(ctx, "acme", "api_calls", 995, "batch-1")
	require.NoError(t, err)

	t.Run("InsufficientCredits", func(t *testing.T) {
		d, err := f.engine.Check(ctx, "acme", "api_calls", 10)
		require.NoError(t, err)
		assert.Equal(t, entitlement.Deny, d.Outcome)
		assert.ErrorIs(t, d.Err, entitle.ErrInsufficientCredits)
		assert.Equal(t, int64(5), d.Overage)
		assert.True(t, d.Cost.Equal(decimal.NewFromInt(5)))

		bal, err := f.engine.Balance(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, bal.IsZero())
	})

	t.Run("Debited", func(t *testing.T) {
		_, err := f.engine.Grant(ctx, "acme", decimal.NewFromInt(8))
		require.NoError(t, err)

		d, err := f.engine.Check(ctx, "acme", "api_calls", 10)
		require.NoError(t, err)
		assert.Equal(t, entitlement.AllowWithOverage, d.Outcome)
		assert.True(t, d.Allowed())
		assert.NotEmpty(t, d.UsageRef)

		bal, err := f.engine.Balance(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, bal.Equal(decimal.NewFromInt(3)), "balance %s", bal)

		// Re-debiting the same usage reference is a no-op.
		_, err = f.engine.Debit(ctx, "acme", d.Cost, d.UsageRef)
		require.NoError(t, err)
		bal, err = f.engine.Balance(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, bal.Equal(decimal.NewFromInt(3)))
	})
}

func TestCheckOverageZeroRate(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "pro", nil, map[string]plan.LimitConfig{"api_calls": billed(10, 0)}, "acme")
	ctx := context.Background()

	_, err := f.engine.Record(ctx, "acme", "api_calls", 10, "")
	require.NoError(t, err)

	d, err := f.engine.Check(ctx, "acme", "api_calls", 2)
	require.NoError(t, err)
	assert.Equal(t, entitlement.AllowWithOverage, d.Outcome)
	assert.True(t, d.Cost.IsZero())
}

func TestCheckOverageNegativeCredits(t *testing.T) {
	f := newFixture(t)
	l := billed(10, 2)
	l.AllowNegativeCredits = true
	f.newPlan(t, "pro", nil, map[string]plan.LimitConfig{"api_calls": l}, "acme")
	ctx := context.Background()

	_, err := f.engine.Record(ctx, "acme", "api_calls", 10, "")
	require.NoError(t, err)

	d, err := f.engine.Check(ctx, "acme", "api_calls", 3)
	require.NoError(t, err)
	assert.Equal(t, entitlement.AllowWithOverage, d.Outcome)

	bal, err := f.engine.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(-6)), "balance %s", bal)
}

func TestCheckAllowWithAlert(t *testing.T) {
	sink := &alertSink{}
	f := newFixture(t, entitle.WithPlugin(sink))
	f.newPlan(t, "pro", nil, map[string]plan.LimitConfig{
		"storage_gb": {HardCap: plan.Cap(50), OveragePolicy: plan.OverageAllowWithAlert},
	}, "acme")
	ctx := context.Background()

	_, err := f.engine.Record(ctx, "acme", "storage_gb", 50, "")
	require.NoError(t, err)

	d, err := f.engine.Check(ctx, "acme", "storage_gb", 5)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Allow, d.Outcome)
	assert.True(t, d.Alerted)
	assert.Eventually(t, func() bool { return sink.count(entitlement.AlertOverage) == 1 },
		time.Second, 10*time.Millisecond)
}

func TestCheckWarnsOnThresholdCrossing(t *testing.T) {
	sink := &alertSink{}
	f := newFixture(t, entitle.WithPlugin(sink))
	f.newPlan(t, "pro", nil, map[string]plan.LimitConfig{
		"api_calls": {HardCap: plan.Cap(100), WarnThreshold: 0.8},
	}, "acme")
	ctx := context.Background()

	_, err := f.engine.Record(ctx, "acme", "api_calls", 79, "")
	require.NoError(t, err)

	d, err := f.engine.Check(ctx, "acme", "api_calls", 1)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Allow, d.Outcome)
	assert.True(t, d.Warned)

	_, err = f.engine.Record(ctx, "acme", "api_calls", 1, "")
	require.NoError(t, err)

	// Already past the threshold: no second warning.
	d, err = f.engine.Check(ctx, "acme", "api_calls", 1)
	require.NoError(t, err)
	assert.False(t, d.Warned)

	assert.Eventually(t, func() bool { return sink.count(entitlement.AlertWarning) == 1 },
		time.Second, 10*time.Millisecond)
}

func TestCheckContextTenant(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "team", map[string]plan.FeatureValue{"sso": plan.Bool(true)}, nil, "acme")

	ctx := entitle.WithTenant(context.Background(), "acme")
	assert.Equal(t, "acme", entitle.TenantFromContext(ctx))

	d, err := f.engine.CheckContext(ctx, "sso", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

// failingStore breaks every catalog read.
type failingStore struct {
	*memory.Store
}

var errCatalogDown = errors.New("catalog down")

func (failingStore) GetAssignment(context.Context, string) (*plan.Assignment, error) {
	return nil, errCatalogDown
}

func TestCheckFailurePolicy(t *testing.T) {
	s := failingStore{memory.New()}
	e := entitle.New(s,
		entitle.WithLogger(quietLogger()),
		entitle.WithConfig(fastRetries),
		entitle.WithDefaults(plan.Defaults{
			Features: map[string]plan.FeatureValue{
				"search": plan.Bool(true),
				"export": plan.Bool(true).Critical(),
			},
			Limits: map[string]plan.LimitConfig{
				"api_calls": {HardCap: plan.Cap(100), FailurePolicy: plan.FailOpen},
				"uploads":   {HardCap: plan.Cap(100)},
			},
		}),
	)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	ctx := context.Background()

	cases := []struct {
		key      string
		allowed  bool
		failOpen bool
	}{
		{"search", true, true},
		{"export", false, false},
		{"api_calls", true, true},
		{"uploads", false, false},
		{"undeclared", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			d, err := e.Check(ctx, "acme", tc.key, 1)
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, d.Allowed())
			assert.Equal(t, tc.failOpen, d.FailOpen)
			require.Error(t, d.Err)
			if !tc.allowed {
				assert.ErrorIs(t, d.Err, entitle.ErrConfigUnavailable)
			}
		})
	}
}

func TestEntitled(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "team", map[string]plan.FeatureValue{"sso": plan.Bool(true)}, nil, "acme")
	ctx := context.Background()

	ok, err := f.engine.Entitled(ctx, "acme", "sso")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.engine.Entitled(ctx, "acme", "audit_log")
	require.NoError(t, err)
	assert.False(t, ok)
}
