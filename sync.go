package entitle

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// errStaleEvent stops processing of an event older than the last one applied.
var errStaleEvent = errors.New("entitle: stale subscription event")

// ApplyEvent applies an external subscription lifecycle event. Events are
// idempotent by ID, events older than the last applied one are ignored, and
// status changes must follow the subscription state machine.
func (e *Engine) ApplyEvent(ctx context.Context, ev subscription.Event) error {
	if ev.ID == "" || ev.SubscriptionID == "" {
		return ValidationError{Field: "event", Message: "id and subscription_id are required"}
	}
	if !ev.Status.Valid() {
		return ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", ev.Status)}
	}

	processed, err := retryValue(ctx, e, func() (bool, error) {
		return e.store.IsEventProcessed(ctx, ev.ID)
	})
	if err != nil {
		return fmt.Errorf("entitle: event %s: %w", ev.ID, err)
	}
	if processed {
		e.logger.Debug("subscription event already processed", "event_id", ev.ID)
		return nil
	}

	var (
		sub  *subscription.Subscription
		from subscription.Status
	)
	err = e.retry(ctx, func() error {
		var err error
		sub, from, err = e.applyOnce(ctx, &ev)
		return err
	})
	switch {
	case errors.Is(err, errStaleEvent):
		e.logger.Info("ignoring out-of-order subscription event",
			"event_id", ev.ID,
			"subscription", ev.SubscriptionID,
			"occurred_at", ev.OccurredAt,
		)
	case err != nil:
		return fmt.Errorf("entitle: event %s: %w", ev.ID, err)
	}

	if err := e.retry(ctx, func() error {
		return e.store.MarkEventProcessed(ctx, ev.ID, e.now())
	}); err != nil {
		return fmt.Errorf("entitle: mark event %s: %w", ev.ID, err)
	}

	if sub != nil {
		e.plugins.EmitSubscriptionChanged(ctx, sub, from, &ev)
		e.logger.Info("subscription updated",
			"subscription", sub.ExternalID,
			"tenant_id", sub.TenantID,
			"from", string(from),
			"to", string(sub.Status),
		)
	}
	return nil
}

// applyOnce is one optimistic attempt. Assignment changes are derived from
// the current assignment, so a retried event converges.
func (e *Engine) applyOnce(ctx context.Context, ev *subscription.Event) (*subscription.Subscription, subscription.Status, error) {
	now := e.now()

	sub, err := e.store.GetSubscriptionByExternalID(ctx, ev.SubscriptionID)
	var (
		expected int64
		from     subscription.Status
	)
	switch {
	case IsNotFound(err):
		if ev.TenantID == "" {
			return nil, "", ValidationError{Field: "tenant_id", Message: "required for a new subscription"}
		}
		if ev.Status.IsTerminal() {
			return nil, "", errStaleEvent
		}
		if !ev.Status.Initial() {
			return nil, "", fmt.Errorf("%w: new subscription cannot start %s", ErrInvalidTransition, ev.Status)
		}
		sub = &subscription.Subscription{
			Entity:     types.NewEntity(now),
			ID:         id.NewSubscriptionID(),
			ExternalID: ev.SubscriptionID,
			TenantID:   ev.TenantID,
		}
	case err != nil:
		return nil, "", err
	default:
		if !ev.OccurredAt.IsZero() && ev.OccurredAt.Before(sub.LastEventAt) {
			return nil, "", errStaleEvent
		}
		from = sub.Status
		if !subscription.CanTransition(from, ev.Status) {
			return nil, "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, ev.Status)
		}
		expected = sub.Revision
		sub.Touch(now)
	}

	var target *plan.Plan
	if ev.HasPlan() {
		target, err = e.lookupPlan(ctx, ev)
		if err != nil {
			return nil, "", err
		}
		sub.PlanID = target.ID
	}

	sub.Status = ev.Status
	if !ev.PeriodStart.IsZero() {
		sub.CurrentPeriodStart = ev.PeriodStart
	}
	if !ev.PeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = ev.PeriodEnd
	}
	if ev.Status == subscription.StatusCanceled && sub.CanceledAt == nil {
		sub.CanceledAt = &now
	}
	sub.LastEventID = ev.ID
	sub.LastEventAt = ev.OccurredAt
	if sub.LastEventAt.IsZero() {
		sub.LastEventAt = now
	}

	if err := e.store.SaveSubscription(ctx, sub, expected); err != nil {
		return nil, "", err
	}
	sub.Revision = expected + 1

	if err := e.syncAssignment(ctx, sub, target, ev); err != nil {
		return nil, "", err
	}
	return sub, from, nil
}

func (e *Engine) lookupPlan(ctx context.Context, ev *subscription.Event) (*plan.Plan, error) {
	if !ev.PlanID.IsNil() {
		return e.store.GetPlan(ctx, ev.PlanID)
	}
	return e.store.GetPlanBySlug(ctx, ev.PlanSlug)
}

// syncAssignment makes the tenant's assignment match the subscription.
// Entitled statuses pin the subscribed plan's current version when the
// tenant is on a different plan. Terminal statuses move the tenant to the
// fallback plan, or to the defaults when none is configured.
func (e *Engine) syncAssignment(ctx context.Context, sub *subscription.Subscription, target *plan.Plan, ev *subscription.Event) error {
	current, err := e.store.GetAssignment(ctx, sub.TenantID)
	if err != nil && !IsNotFound(err) {
		return err
	}

	switch {
	case sub.Status.IsTerminal():
		return e.revoke(ctx, sub.TenantID, current)

	case sub.Status.Entitled() && target != nil:
		if current != nil && current.PlanID.String() == target.ID.String() {
			return nil
		}
		_, err := e.pin(ctx, sub.TenantID, target.ID, target.CurrentVersionID, ev.PeriodStart)
		return err
	}
	return nil
}

func (e *Engine) revoke(ctx context.Context, tenantID string, current *plan.Assignment) error {
	if slug := e.config.FallbackPlanSlug; slug != "" {
		fallback, err := e.store.GetPlanBySlug(ctx, slug)
		if err != nil {
			return fmt.Errorf("fallback plan %q: %w", slug, err)
		}
		if current != nil && current.PlanID.String() == fallback.ID.String() {
			return nil
		}
		_, err = e.pin(ctx, tenantID, fallback.ID, fallback.CurrentVersionID, e.now())
		return err
	}

	if current == nil {
		return nil
	}
	if err := e.store.DeleteAssignment(ctx, tenantID); err != nil && !IsNotFound(err) {
		return err
	}
	e.invalidateQuietly(ctx, tenantID)
	return nil
}

// GetSubscription returns a subscription by its external ID.
func (e *Engine) GetSubscription(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	return e.store.GetSubscriptionByExternalID(ctx, externalID)
}

// ListSubscriptions lists a tenant's subscriptions.
func (e *Engine) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, tenantID, opts)
}
