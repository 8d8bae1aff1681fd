// Package plugin lets extensions observe the engine. A plugin implements
// Plugin plus any number of hook interfaces; the registry discovers them
// once at registration and dispatches without reflection afterwards.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/meter"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit receives the engine when it starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Catalog and cache hooks
// ──────────────────────────────────────────────────

type OnPlanPublished interface {
	Plugin
	OnPlanPublished(ctx context.Context, p *plan.Plan, v *plan.Version) error
}

// OnOverrideChanged fires after an override write. o is nil when the override was cleared.
type OnOverrideChanged interface {
	Plugin
	OnOverrideChanged(ctx context.Context, tenantID, key string, o *plan.Override) error
}

type OnConfigResolved interface {
	Plugin
	OnConfigResolved(ctx context.Context, rc *plan.ResolvedConfig, cached bool) error
}

type OnConfigInvalidated interface {
	Plugin
	OnConfigInvalidated(ctx context.Context, tenantID string, generation int64) error
}

// ──────────────────────────────────────────────────
// Metering hooks
// ──────────────────────────────────────────────────

type OnUsageRecorded interface {
	Plugin
	OnUsageRecorded(ctx context.Context, r *meter.Record) error
}

type OnDuplicateUsage interface {
	Plugin
	OnDuplicateUsage(ctx context.Context, tenantID, usageType, key string) error
}

type OnUsageFlushed interface {
	Plugin
	OnUsageFlushed(ctx context.Context, count int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Credits hooks
// ──────────────────────────────────────────────────

type OnCreditsGranted interface {
	Plugin
	OnCreditsGranted(ctx context.Context, tx *credits.Transaction) error
}

type OnCreditsDebited interface {
	Plugin
	OnCreditsDebited(ctx context.Context, tx *credits.Transaction) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

type OnEntitlementChecked interface {
	Plugin
	OnEntitlementChecked(ctx context.Context, d *entitlement.Decision) error
}

// OnLimitWarning fires when projected usage crosses a limit's warn threshold.
type OnLimitWarning interface {
	Plugin
	OnLimitWarning(ctx context.Context, a *entitlement.Alert) error
}

type OnOverageAlert interface {
	Plugin
	OnOverageAlert(ctx context.Context, a *entitlement.Alert) error
}

type OnLimitExceeded interface {
	Plugin
	OnLimitExceeded(ctx context.Context, a *entitlement.Alert) error
}

type OnRateLimited interface {
	Plugin
	OnRateLimited(ctx context.Context, tenantID, key string, retryAfter time.Duration) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

type OnSubscriptionChanged interface {
	Plugin
	OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status, ev *subscription.Event) error
}
