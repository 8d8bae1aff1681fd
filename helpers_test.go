package entitle_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
)

// clock is a settable time source shared by the engine and its caches.
type clock struct {
	ns atomic.Int64
}

func newClock(t time.Time) *clock {
	c := &clock{}
	c.ns.Store(t.UnixNano())
	return c
}

func (c *clock) Now() time.Time { return time.Unix(0, c.ns.Load()).UTC() }

func (c *clock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

var epoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastRetries keeps failing-store tests from sleeping through the backoff.
var fastRetries = entitle.Config{
	RetryInitialInterval: time.Millisecond,
	RetryMaxElapsed:      20 * time.Millisecond,
}

type fixture struct {
	engine *entitle.Engine
	store  *memory.Store
	clock  *clock
}

func newFixture(t *testing.T, opts ...entitle.Option) *fixture {
	t.Helper()

	f := &fixture{store: memory.New(), clock: newClock(epoch)}
	base := []entitle.Option{
		entitle.WithLogger(quietLogger()),
		entitle.WithClock(f.clock.Now),
	}
	f.engine = entitle.New(f.store, append(base, opts...)...)
	t.Cleanup(func() { _ = f.engine.Stop(context.Background()) })
	return f
}

// newPlan creates a plan and assigns it to each tenant.
func (f *fixture) newPlan(t *testing.T, slug string, features map[string]plan.FeatureValue, limits map[string]plan.LimitConfig, tenants ...string) *plan.Snapshot {
	t.Helper()
	ctx := context.Background()

	snap, err := f.engine.CreatePlan(ctx, &plan.Plan{Slug: slug, Name: slug, Tier: slug}, features, limits)
	require.NoError(t, err)
	for _, tenant := range tenants {
		_, err := f.engine.AssignPlan(ctx, tenant, snap.Plan.ID, time.Time{})
		require.NoError(t, err)
	}
	return snap
}

func billed(hardCap int64, rate int64) plan.LimitConfig {
	return plan.LimitConfig{
		HardCap:       plan.Cap(hardCap),
		ResetPeriod:   plan.ResetMonthly,
		OveragePolicy: plan.OverageBill,
		OverageRate:   decimal.NewFromInt(rate),
	}
}

func blocked(hardCap int64) plan.LimitConfig {
	return plan.LimitConfig{HardCap: plan.Cap(hardCap), ResetPeriod: plan.ResetMonthly}
}

// alertSink counts alerts by kind.
type alertSink struct {
	mu     sync.Mutex
	alerts []*entitlement.Alert
}

func (s *alertSink) Name() string { return "alert-sink" }

func (s *alertSink) add(a *entitlement.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *alertSink) OnLimitWarning(_ context.Context, a *entitlement.Alert) error  { return s.add(a) }
func (s *alertSink) OnOverageAlert(_ context.Context, a *entitlement.Alert) error  { return s.add(a) }
func (s *alertSink) OnLimitExceeded(_ context.Context, a *entitlement.Alert) error { return s.add(a) }

func (s *alertSink) count(kind entitlement.AlertKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
