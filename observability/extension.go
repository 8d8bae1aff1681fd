// Package observability provides a metrics plugin for entitle that records
// resolution, metering, credits and subscription activity through a
// MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/meter"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnPlanPublished       = (*MetricsExtension)(nil)
	_ plugin.OnOverrideChanged     = (*MetricsExtension)(nil)
	_ plugin.OnConfigResolved      = (*MetricsExtension)(nil)
	_ plugin.OnConfigInvalidated   = (*MetricsExtension)(nil)
	_ plugin.OnUsageRecorded       = (*MetricsExtension)(nil)
	_ plugin.OnDuplicateUsage      = (*MetricsExtension)(nil)
	_ plugin.OnUsageFlushed        = (*MetricsExtension)(nil)
	_ plugin.OnCreditsGranted      = (*MetricsExtension)(nil)
	_ plugin.OnCreditsDebited      = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementChecked  = (*MetricsExtension)(nil)
	_ plugin.OnLimitWarning        = (*MetricsExtension)(nil)
	_ plugin.OnOverageAlert        = (*MetricsExtension)(nil)
	_ plugin.OnLimitExceeded       = (*MetricsExtension)(nil)
	_ plugin.OnRateLimited         = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionChanged = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records engine-wide metrics.
// Register it with entitle.WithPlugin.
type MetricsExtension struct {
	// Catalog metrics
	PlanPublished   Counter
	OverrideChanged Counter

	// Resolution metrics
	ConfigCacheHits     Counter
	ConfigCacheMisses   Counter
	ConfigInvalidations Counter

	// Usage metrics
	UsageRecorded     Counter
	UsageQuantity     Counter
	UsageDuplicates   Counter
	UsageFlushed      Counter
	UsageFlushLatency Histogram

	// Credits metrics
	CreditsGranted Counter
	CreditsDebited Counter

	// Decision metrics
	ChecksAllowed  Counter
	ChecksDenied   Counter
	ChecksOverage  Counter
	ChecksFailOpen Counter
	LimitWarnings  Counter
	OverageAlerts  Counter
	LimitsExceeded Counter
	RateLimited    Counter

	// Subscription metrics
	SubscriptionChanges  Counter
	SubscriptionCanceled Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		PlanPublished:   factory.Counter("entitle.plan.published"),
		OverrideChanged: factory.Counter("entitle.override.changed"),

		ConfigCacheHits:     factory.Counter("entitle.config.cache.hits"),
		ConfigCacheMisses:   factory.Counter("entitle.config.cache.misses"),
		ConfigInvalidations: factory.Counter("entitle.config.invalidations"),

		UsageRecorded:     factory.Counter("entitle.usage.recorded"),
		UsageQuantity:     factory.Counter("entitle.usage.quantity"),
		UsageDuplicates:   factory.Counter("entitle.usage.duplicates"),
		UsageFlushed:      factory.Counter("entitle.usage.flushed"),
		UsageFlushLatency: factory.Histogram("entitle.usage.flush.latency_ms"),

		CreditsGranted: factory.Counter("entitle.credits.granted"),
		CreditsDebited: factory.Counter("entitle.credits.debited"),

		ChecksAllowed:  factory.Counter("entitle.checks.allowed"),
		ChecksDenied:   factory.Counter("entitle.checks.denied"),
		ChecksOverage:  factory.Counter("entitle.checks.overage"),
		ChecksFailOpen: factory.Counter("entitle.checks.fail_open"),
		LimitWarnings:  factory.Counter("entitle.limits.warnings"),
		OverageAlerts:  factory.Counter("entitle.limits.overage_alerts"),
		LimitsExceeded: factory.Counter("entitle.limits.exceeded"),
		RateLimited:    factory.Counter("entitle.ratelimit.throttled"),

		SubscriptionChanges:  factory.Counter("entitle.subscription.changes"),
		SubscriptionCanceled: factory.Counter("entitle.subscription.canceled"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Catalog hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnPlanPublished(context.Context, *plan.Plan, *plan.Version) error {
	m.PlanPublished.Inc()
	return nil
}

func (m *MetricsExtension) OnOverrideChanged(context.Context, string, string, *plan.Override) error {
	m.OverrideChanged.Inc()
	return nil
}

func (m *MetricsExtension) OnConfigResolved(_ context.Context, _ *plan.ResolvedConfig, cached bool) error {
	if cached {
		m.ConfigCacheHits.Inc()
	} else {
		m.ConfigCacheMisses.Inc()
	}
	return nil
}

func (m *MetricsExtension) OnConfigInvalidated(context.Context, string, int64) error {
	m.ConfigInvalidations.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnUsageRecorded(_ context.Context, r *meter.Record) error {
	m.UsageRecorded.Inc()
	m.UsageQuantity.Add(float64(r.Quantity))
	return nil
}

func (m *MetricsExtension) OnDuplicateUsage(context.Context, string, string, string) error {
	m.UsageDuplicates.Inc()
	return nil
}

func (m *MetricsExtension) OnUsageFlushed(_ context.Context, count int, elapsed time.Duration) error {
	m.UsageFlushed.Add(float64(count))
	m.UsageFlushLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// ──────────────────────────────────────────────────
// Credits hooks
// ──────────────────────────────────────────────────

// OnCreditsGranted adds the granted amount. Fractional credits are kept.
func (m *MetricsExtension) OnCreditsGranted(_ context.Context, tx *credits.Transaction) error {
	m.CreditsGranted.Add(tx.Amount.InexactFloat64())
	return nil
}

func (m *MetricsExtension) OnCreditsDebited(_ context.Context, tx *credits.Transaction) error {
	m.CreditsDebited.Add(tx.Amount.Abs().InexactFloat64())
	return nil
}

// ──────────────────────────────────────────────────
// Decision hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnEntitlementChecked(_ context.Context, d *entitlement.Decision) error {
	switch d.Outcome {
	case entitlement.Allow:
		m.ChecksAllowed.Inc()
	case entitlement.AllowWithOverage:
		m.ChecksOverage.Inc()
	default:
		m.ChecksDenied.Inc()
	}
	if d.FailOpen {
		m.ChecksFailOpen.Inc()
	}
	return nil
}

func (m *MetricsExtension) OnLimitWarning(context.Context, *entitlement.Alert) error {
	m.LimitWarnings.Inc()
	return nil
}

func (m *MetricsExtension) OnOverageAlert(context.Context, *entitlement.Alert) error {
	m.OverageAlerts.Inc()
	return nil
}

func (m *MetricsExtension) OnLimitExceeded(context.Context, *entitlement.Alert) error {
	m.LimitsExceeded.Inc()
	return nil
}

func (m *MetricsExtension) OnRateLimited(context.Context, string, string, time.Duration) error {
	m.RateLimited.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnSubscriptionChanged(_ context.Context, sub *subscription.Subscription, _ subscription.Status, _ *subscription.Event) error {
	m.SubscriptionChanges.Inc()
	if sub.Status.IsTerminal() {
		m.SubscriptionCanceled.Inc()
	}
	return nil
}
