package observability_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/observability"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
)

func TestMetricsFollowEngineActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	e := entitle.New(memory.New(),
		entitle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		entitle.WithPlugin(metrics),
	)
	ctx := context.Background()
	t.Cleanup(func() { _ = e.Stop(ctx) })

	snap, err := e.CreatePlan(ctx, &plan.Plan{Slug: "pro"},
		map[string]plan.FeatureValue{"sso": plan.Bool(true)},
		map[string]plan.LimitConfig{"api_calls": {HardCap: plan.Cap(2)}})
	require.NoError(t, err)
	_, err = e.AssignPlan(ctx, "acme", snap.Plan.ID, time.Time{})
	require.NoError(t, err)

	_, err = e.Record(ctx, "acme", "api_calls", 2, "k1")
	require.NoError(t, err)
	_, err = e.Record(ctx, "acme", "api_calls", 2, "k1")
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	d, err := e.Check(ctx, "acme", "sso", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed())
	d, err = e.Check(ctx, "acme", "api_calls", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed())

	_, err = e.Grant(ctx, "acme", decimal.RequireFromString("2.5"))
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PlanPublished.(prometheus.Counter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.UsageRecorded.(prometheus.Counter)))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.UsageQuantity.(prometheus.Counter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.UsageDuplicates.(prometheus.Counter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.UsageFlushed.(prometheus.Counter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ChecksAllowed.(prometheus.Counter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ChecksDenied.(prometheus.Counter)))
	assert.Equal(t, 2.5, testutil.ToFloat64(metrics.CreditsGranted.(prometheus.Counter)))
	assert.Positive(t, testutil.ToFloat64(metrics.ConfigCacheMisses.(prometheus.Counter)))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.LimitsExceeded.(prometheus.Counter)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPrometheusFactoryReusesCollectors(t *testing.T) {
	f := observability.NewPrometheusFactory(prometheus.NewRegistry())

	a := f.Counter("entitle.test.hits")
	b := f.Counter("entitle.test.hits")
	a.Inc()
	b.Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(a.(prometheus.Counter)))
}
