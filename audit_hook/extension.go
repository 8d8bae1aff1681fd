// Package audithook bridges entitle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter at
// wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnPlanPublished       = (*Extension)(nil)
	_ plugin.OnOverrideChanged     = (*Extension)(nil)
	_ plugin.OnSubscriptionChanged = (*Extension)(nil)
	_ plugin.OnCreditsGranted      = (*Extension)(nil)
	_ plugin.OnCreditsDebited      = (*Extension)(nil)
	_ plugin.OnEntitlementChecked  = (*Extension)(nil)
	_ plugin.OnLimitWarning        = (*Extension)(nil)
	_ plugin.OnOverageAlert        = (*Extension)(nil)
	_ plugin.OnLimitExceeded       = (*Extension)(nil)
	_ plugin.OnRateLimited         = (*Extension)(nil)
	_ plugin.OnDuplicateUsage      = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	TenantID   string         `json:"tenant_id,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges entitle events to an audit trail backend.
// Allowed checks are not audited; denials and fail-open decisions are.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Catalog hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnPlanPublished(ctx context.Context, p *plan.Plan, v *plan.Version) error {
	return e.record(ctx, event{
		action: ActionPlanPublished, resource: ResourcePlan, category: CategoryCatalog,
		resourceID: p.ID.String(),
	},
		"slug", p.Slug,
		"version", v.Number,
		"version_id", v.ID.String(),
	)
}

// OnOverrideChanged records a set, or a clear when o is nil.
func (e *Extension) OnOverrideChanged(ctx context.Context, tenantID, key string, o *plan.Override) error {
	ev := event{
		action: ActionOverrideSet, resource: ResourceOverride, category: CategoryCatalog,
		tenantID: tenantID, resourceID: key,
	}
	if o == nil {
		ev.action = ActionOverrideCleared
		return e.record(ctx, ev, "key", key)
	}
	kind := "feature"
	if o.Limit != nil {
		kind = "limit"
	}
	return e.record(ctx, ev, "key", key, "kind", kind, "revision", o.Revision)
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status, ev *subscription.Event) error {
	rec := event{
		action: ActionSubscriptionChanged, resource: ResourceSubscription, category: CategorySubscription,
		tenantID: sub.TenantID, resourceID: sub.ExternalID,
	}
	if sub.Status.IsTerminal() {
		rec.action = ActionSubscriptionCanceled
		rec.severity = SeverityWarning
	}
	return e.record(ctx, rec,
		"from", string(from),
		"to", string(sub.Status),
		"plan_id", sub.PlanID.String(),
		"event_id", ev.ID,
	)
}

// ──────────────────────────────────────────────────
// Credits hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnCreditsGranted(ctx context.Context, tx *credits.Transaction) error {
	return e.creditEvent(ctx, ActionCreditsGranted, tx)
}

func (e *Extension) OnCreditsDebited(ctx context.Context, tx *credits.Transaction) error {
	return e.creditEvent(ctx, ActionCreditsDebited, tx)
}

func (e *Extension) creditEvent(ctx context.Context, action string, tx *credits.Transaction) error {
	return e.record(ctx, event{
		action: action, resource: ResourceCredits, category: CategoryBilling,
		tenantID: tx.TenantID, resourceID: tx.ID.String(),
	},
		"type", string(tx.Type),
		"amount", tx.Amount.String(),
		"balance_after", tx.BalanceAfter.String(),
		"reference_id", tx.ReferenceID,
	)
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnEntitlementChecked(ctx context.Context, d *entitlement.Decision) error {
	switch {
	case d.FailOpen:
		return e.record(ctx, event{
			action: ActionFailOpen, resource: ResourceEntitlement, category: CategoryAccess,
			tenantID: d.TenantID, resourceID: d.Key, severity: SeverityWarning, err: d.Err,
		}, "reason", d.Reason)
	case !d.Allowed():
		return e.record(ctx, event{
			action: ActionEntitlementDenied, resource: ResourceEntitlement, category: CategoryAccess,
			tenantID: d.TenantID, resourceID: d.Key, outcome: OutcomeFailure, err: d.Err,
		},
			"reason", d.Reason,
			"requested", d.Requested,
			"used", d.Used,
			"source", string(d.Source),
		)
	}
	return nil
}

func (e *Extension) OnLimitWarning(ctx context.Context, a *entitlement.Alert) error {
	return e.alert(ctx, ActionLimitWarning, SeverityInfo, a)
}

func (e *Extension) OnOverageAlert(ctx context.Context, a *entitlement.Alert) error {
	return e.alert(ctx, ActionOverage, SeverityWarning, a)
}

func (e *Extension) OnLimitExceeded(ctx context.Context, a *entitlement.Alert) error {
	return e.alert(ctx, ActionLimitExceeded, SeverityWarning, a)
}

func (e *Extension) alert(ctx context.Context, action, severity string, a *entitlement.Alert) error {
	return e.record(ctx, event{
		action: action, resource: ResourceEntitlement, category: CategoryUsage,
		tenantID: a.TenantID, resourceID: a.Key, severity: severity,
	},
		"used", a.Used,
		"requested", a.Requested,
		"limit", a.Limit,
		"threshold", a.Threshold,
		"cost", a.Cost.String(),
	)
}

func (e *Extension) OnRateLimited(ctx context.Context, tenantID, key string, retryAfter time.Duration) error {
	return e.record(ctx, event{
		action: ActionRateLimited, resource: ResourceEntitlement, category: CategoryAccess,
		tenantID: tenantID, resourceID: key, outcome: OutcomeFailure,
	}, "retry_after_ms", retryAfter.Milliseconds())
}

func (e *Extension) OnDuplicateUsage(ctx context.Context, tenantID, usageType, key string) error {
	return e.record(ctx, event{
		action: ActionDuplicateUsage, resource: ResourceUsage, category: CategoryUsage,
		tenantID: tenantID, resourceID: usageType,
	}, "idempotency_key", key)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

type event struct {
	action, resource, category string
	tenantID, resourceID       string
	severity, outcome          string
	err                        error
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(ctx context.Context, ev event, kvPairs ...any) error {
	if e.enabled != nil && !e.enabled[ev.action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if ev.err != nil {
		reason = ev.err.Error()
		meta["error"] = ev.err.Error()
	}
	if ev.severity == "" {
		ev.severity = SeverityInfo
	}
	if ev.outcome == "" {
		ev.outcome = OutcomeSuccess
	}

	out := &AuditEvent{
		Action:     ev.action,
		Resource:   ev.resource,
		Category:   ev.category,
		TenantID:   ev.tenantID,
		ResourceID: ev.resourceID,
		Metadata:   meta,
		Outcome:    ev.outcome,
		Severity:   ev.severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, out); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", ev.action,
			"tenant_id", ev.tenantID,
			"resource_id", ev.resourceID,
			"error", recErr,
		)
	}
	return nil
}
