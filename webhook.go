package entitle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/entitle/subscription"
)

// Stripe event types consumed by HandleStripeWebhook.
const (
	stripeSubCreated = "customer.subscription.created"
	stripeSubUpdated = "customer.subscription.updated"
	stripeSubDeleted = "customer.subscription.deleted"
	stripeSubPaused  = "customer.subscription.paused"
	stripeSubResumed = "customer.subscription.resumed"
)

// Metadata keys read from the Stripe subscription object.
const (
	MetadataTenantID = "tenant_id"
	MetadataPlanSlug = "plan_slug"
)

// HandleStripeWebhook verifies a Stripe webhook and applies the subscription
// event it carries. Event types other than customer.subscription.* are
// acknowledged without effect.
func (e *Engine) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	if e.config.WebhookSecret == "" {
		return ErrWebhookNotConfigured
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signature, e.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWebhookSignature, err)
	}

	ev, err := e.stripeEvent(&evt)
	if err != nil {
		e.logger.Info("ignoring stripe webhook event",
			"event_id", evt.ID,
			"event_type", string(evt.Type),
			"reason", err,
		)
		return nil
	}
	return e.ApplyEvent(ctx, *ev)
}

// stripeEvent maps a Stripe subscription event onto a lifecycle event. The
// tenant comes from subscription metadata; the plan from the price mapping
// or, failing that, the plan_slug metadata.
func (e *Engine) stripeEvent(evt *stripe.Event) (*subscription.Event, error) {
	switch string(evt.Type) {
	case stripeSubCreated, stripeSubUpdated, stripeSubDeleted, stripeSubPaused, stripeSubResumed:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, evt.Type)
	}
	if evt.Data == nil {
		return nil, fmt.Errorf("%w: event has no data", ErrUnhandledEvent)
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %w", ErrUnhandledEvent, err)
	}

	var status subscription.Status
	switch string(evt.Type) {
	case stripeSubDeleted:
		status = subscription.StatusCanceled
	case stripeSubPaused:
		status = subscription.StatusPaused
	case stripeSubResumed:
		status = subscription.StatusActive
	default:
		s, ok := stripeStatus(sub.Status)
		if !ok {
			return nil, fmt.Errorf("%w: status %s", ErrUnhandledEvent, sub.Status)
		}
		status = s
	}

	ev := &subscription.Event{
		ID:             evt.ID,
		SubscriptionID: sub.ID,
		TenantID:       sub.Metadata[MetadataTenantID],
		Status:         status,
		PlanSlug:       sub.Metadata[MetadataPlanSlug],
		OccurredAt:     time.Unix(evt.Created, 0).UTC(),
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if slug, ok := e.config.PriceToPlan[item.Price.ID]; ok {
				ev.PlanSlug = slug
				break
			}
		}
	}
	return ev, nil
}

// stripeStatus maps Stripe statuses onto the lifecycle. Incomplete
// subscriptions have not started and are skipped.
func stripeStatus(s stripe.SubscriptionStatus) (subscription.Status, bool) {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return subscription.StatusTrialing, true
	case stripe.SubscriptionStatusActive:
		return subscription.StatusActive, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return subscription.StatusPastDue, true
	case stripe.SubscriptionStatusPaused:
		return subscription.StatusPaused, true
	case stripe.SubscriptionStatusCanceled:
		return subscription.StatusCanceled, true
	case stripe.SubscriptionStatusIncompleteExpired:
		return subscription.StatusExpired, true
	default:
		return "", false
	}
}
