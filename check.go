package entitle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

// Check decides whether tenantID may consume quantity of key. It always
// yields a Decision; infrastructure failures are folded in according to the
// key's failure policy. The returned error is reserved for invalid input.
//
// Check does not record usage. Callers that proceed should Record the
// consumption, using Decision.UsageRef as the idempotency key when set.
func (e *Engine) Check(ctx context.Context, tenantID, key string, quantity int64) (*entitlement.Decision, error) {
	if tenantID == "" || key == "" {
		return nil, ValidationError{Field: "tenant_id/key", Message: "required"}
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}

	d := &entitlement.Decision{TenantID: tenantID, Key: key, Requested: quantity}

	rc, err := e.Resolve(ctx, tenantID)
	if err != nil {
		e.failConfig(d, err)
		e.plugins.EmitEntitlementChecked(ctx, d)
		return d, nil
	}
	d.ETag = rc.ETag

	ent := rc.Entitlement(key)
	d.Source = ent.Source
	if ent.IsLimit() {
		e.checkLimit(ctx, d, rc, *ent.Limit)
	} else {
		checkFeature(d, *ent.Feature)
	}

	e.plugins.EmitEntitlementChecked(ctx, d)
	return d, nil
}

// Entitled is Check for a single unit.
func (e *Engine) Entitled(ctx context.Context, tenantID, key string) (bool, error) {
	d, err := e.Check(ctx, tenantID, key, 1)
	if err != nil {
		return false, err
	}
	return d.Allowed(), nil
}

func checkFeature(d *entitlement.Decision, f plan.FeatureValue) {
	if f.Permits(d.Requested) {
		d.Outcome = entitlement.Allow
		return
	}
	d.Outcome = entitlement.Deny
	d.Err = ErrFeatureDisabled
	if d.Source == plan.SourceFallback {
		d.Reason = "feature not defined"
	} else {
		d.Reason = "feature not enabled"
	}
}

// failConfig applies the failure policy the default tier declares for the
// key. Keys the defaults do not mention fail closed.
func (e *Engine) failConfig(d *entitlement.Decision, cause error) {
	ent := e.defaultsConfig(d.TenantID).Entitlement(d.Key)

	policy := plan.FailClosed
	switch {
	case ent.Source == plan.SourceFallback:
	case ent.IsLimit():
		policy = ent.Limit.Policy()
	default:
		policy = ent.Feature.Policy()
	}

	if policy == plan.FailOpen {
		d.Outcome = entitlement.Allow
		d.FailOpen = true
		d.Reason = "config unavailable, failing open"
		d.Err = cause
		e.logger.Warn("entitlement check failing open",
			"tenant_id", d.TenantID,
			"key", d.Key,
			"error", cause,
		)
		return
	}

	d.Outcome = entitlement.Deny
	d.Reason = "config unavailable"
	d.Err = cause
	if !errors.Is(cause, ErrConfigUnavailable) {
		d.Err = fmt.Errorf("%w: %w", ErrConfigUnavailable, cause)
	}
	e.logger.Warn("entitlement check failing closed",
		"tenant_id", d.TenantID,
		"key", d.Key,
		"error", cause,
	)
}

func (e *Engine) checkLimit(ctx context.Context, d *entitlement.Decision, rc *plan.ResolvedConfig, l plan.LimitConfig) {
	d.Limit = l.HardCap
	if l.Unlimited() {
		d.Outcome = entitlement.Allow
		d.Remaining = -1
		return
	}

	uctx, cancel := context.WithTimeout(ctx, e.config.UsageTimeout)
	sum, err := e.Summary(uctx, d.TenantID, d.Key, periodOf(rc, d.Key, e.now()))
	cancel()
	if err != nil {
		e.failUsage(d, l, err)
		return
	}

	hardCap := *l.HardCap
	used := sum.Quantity
	projected := used + d.Requested
	d.Used = used

	if projected <= hardCap {
		d.Outcome = entitlement.Allow
		d.Remaining = hardCap - projected
		if warnAt := l.WarnAt(); warnAt > 0 && used < warnAt && projected >= warnAt {
			d.Warned = true
			e.alert(ctx, entitlement.AlertWarning, d, hardCap, warnAt)
		}
		return
	}

	d.Overage = min(d.Requested, projected-hardCap)
	d.Remaining = max(hardCap-used, 0)

	switch l.Overage() {
	case plan.OverageAllowWithAlert:
		d.Outcome = entitlement.Allow
		d.Alerted = true
		d.Reason = "limit exceeded, allowed with alert"
		e.alert(ctx, entitlement.AlertOverage, d, hardCap, 0)

	case plan.OverageBill:
		e.billOverage(ctx, d, l, hardCap)

	default:
		d.Outcome = entitlement.Deny
		d.Reason = "limit exceeded"
		d.Err = ErrLimitExceeded
		e.alert(ctx, entitlement.AlertExceeded, d, hardCap, 0)
	}
}

// billOverage debits the overage cost from the tenant's credits. The debit
// reference is returned in the decision so the matching usage record can
// reuse it.
func (e *Engine) billOverage(ctx context.Context, d *entitlement.Decision, l plan.LimitConfig, hardCap int64) {
	d.Cost = l.OverageRate.Mul(decimal.NewFromInt(d.Overage))
	d.UsageRef = id.NewUsageEventID().String()

	if !d.Cost.IsPositive() {
		d.Outcome = entitlement.AllowWithOverage
		d.Reason = "overage billed at zero rate"
		d.Alerted = true
		e.alert(ctx, entitlement.AlertOverage, d, hardCap, 0)
		return
	}

	opts := []credits.Option{credits.WithReason("overage:" + d.Key)}
	if l.AllowNegativeCredits {
		opts = append(opts, credits.AllowNegative())
	}

	cctx, cancel := context.WithTimeout(ctx, e.config.CreditsTimeout)
	_, err := e.Debit(cctx, d.TenantID, d.Cost, d.UsageRef, opts...)
	cancel()

	switch {
	case err == nil:
		d.Outcome = entitlement.AllowWithOverage
		d.Reason = "overage billed to credits"
		d.Alerted = true
		e.alert(ctx, entitlement.AlertOverage, d, hardCap, 0)
	case errors.Is(err, ErrInsufficientCredits):
		d.Outcome = entitlement.Deny
		d.Reason = "insufficient credits for overage"
		d.Err = ErrInsufficientCredits
		e.alert(ctx, entitlement.AlertExceeded, d, hardCap, 0)
	default:
		d.Outcome = entitlement.Deny
		d.Reason = "credits unavailable"
		d.Err = err
		e.logger.Error("overage debit failed",
			"tenant_id", d.TenantID,
			"key", d.Key,
			"cost", d.Cost.String(),
			"error", err,
		)
	}
}

// failUsage decides a limit check whose usage could not be read.
func (e *Engine) failUsage(d *entitlement.Decision, l plan.LimitConfig, cause error) {
	d.Err = cause
	if l.Policy() == plan.FailOpen {
		d.Outcome = entitlement.Allow
		d.FailOpen = true
		d.Reason = "usage unavailable, failing open"
		e.logger.Warn("limit check failing open", "tenant_id", d.TenantID, "key", d.Key, "error", cause)
		return
	}
	d.Outcome = entitlement.Deny
	d.Reason = "usage unavailable"
	e.logger.Warn("limit check failing closed", "tenant_id", d.TenantID, "key", d.Key, "error", cause)
}

// alert delivers asynchronously; the decision never waits on the sink.
func (e *Engine) alert(ctx context.Context, kind entitlement.AlertKind, d *entitlement.Decision, hardCap, threshold int64) {
	a := &entitlement.Alert{
		Kind:      kind,
		TenantID:  d.TenantID,
		Key:       d.Key,
		Used:      d.Used,
		Requested: d.Requested,
		Limit:     hardCap,
		Threshold: threshold,
		Cost:      d.Cost,
		At:        e.now(),
	}
	e.goAsync(ctx, func(ctx context.Context) {
		e.plugins.EmitAlert(ctx, a)
	})
}
