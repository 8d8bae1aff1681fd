package entitle_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
)

func TestApplyEventLifecycle(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "pro", map[string]plan.FeatureValue{"sso": plan.Bool(true)}, nil)
	f.newPlan(t, "team", map[string]plan.FeatureValue{"sso": plan.Bool(true), "audit_log": plan.Bool(true)}, nil)
	ctx := context.Background()

	t0 := epoch
	created := subscription.Event{
		ID:             "evt_1",
		SubscriptionID: "sub_1",
		TenantID:       "acme",
		Status:         subscription.StatusActive,
		PlanSlug:       "pro",
		PeriodStart:    t0,
		PeriodEnd:      t0.AddDate(0, 1, 0),
		OccurredAt:     t0,
	}
	require.NoError(t, f.engine.ApplyEvent(ctx, created))

	rc, err := f.engine.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "pro", rc.PlanSlug)
	assert.True(t, rc.BillingAnchor.Equal(t0))

	t.Run("Redelivery", func(t *testing.T) {
		require.NoError(t, f.engine.ApplyEvent(ctx, created))
		sub, err := f.engine.GetSubscription(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), sub.Revision)
	})

	t.Run("PlanChange", func(t *testing.T) {
		require.NoError(t, f.engine.ApplyEvent(ctx, subscription.Event{
			ID: "evt_2", SubscriptionID: "sub_1", Status: subscription.StatusActive,
			PlanSlug: "team", OccurredAt: t0.Add(time.Hour),
		}))
		ok, err := f.engine.Entitled(ctx, "acme", "audit_log")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("OutOfOrder", func(t *testing.T) {
		require.NoError(t, f.engine.ApplyEvent(ctx, subscription.Event{
			ID: "evt_old", SubscriptionID: "sub_1", Status: subscription.StatusPastDue,
			OccurredAt: t0.Add(30 * time.Minute),
		}))
		sub, err := f.engine.GetSubscription(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Equal(t, "evt_2", sub.LastEventID)
	})

	t.Run("Canceled", func(t *testing.T) {
		require.NoError(t, f.engine.ApplyEvent(ctx, subscription.Event{
			ID: "evt_3", SubscriptionID: "sub_1", Status: subscription.StatusCanceled,
			OccurredAt: t0.Add(2 * time.Hour),
		}))
		_, err := f.engine.GetAssignment(ctx, "acme")
		assert.ErrorIs(t, err, entitle.ErrNoAssignment)

		ok, err := f.engine.Entitled(ctx, "acme", "sso")
		require.NoError(t, err)
		assert.False(t, ok)

		sub, err := f.engine.GetSubscription(ctx, "sub_1")
		require.NoError(t, err)
		assert.NotNil(t, sub.CanceledAt)
	})

	t.Run("InvalidTransition", func(t *testing.T) {
		err := f.engine.ApplyEvent(ctx, subscription.Event{
			ID: "evt_4", SubscriptionID: "sub_1", Status: subscription.StatusActive,
			OccurredAt: t0.Add(3 * time.Hour),
		})
		assert.ErrorIs(t, err, entitle.ErrInvalidTransition)
	})

	subs, err := f.engine.ListSubscriptions(ctx, "acme", subscription.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestNewSubscriptionMustStartTrialingOrActive(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "pro", map[string]plan.FeatureValue{"sso": plan.Bool(true)}, nil)
	ctx := context.Background()

	for _, status := range []subscription.Status{subscription.StatusPastDue, subscription.StatusPaused} {
		t.Run(string(status), func(t *testing.T) {
			err := f.engine.ApplyEvent(ctx, subscription.Event{
				ID: "evt_" + string(status), SubscriptionID: "sub_" + string(status), TenantID: "acme",
				Status: status, PlanSlug: "pro", OccurredAt: epoch,
			})
			assert.ErrorIs(t, err, entitle.ErrInvalidTransition)

			_, err = f.engine.GetSubscription(ctx, "sub_"+string(status))
			assert.True(t, entitle.IsNotFound(err))
		})
	}

	_, err := f.engine.GetAssignment(ctx, "acme")
	assert.True(t, entitle.IsNotFound(err))
}

func TestCancelMovesToFallbackPlan(t *testing.T) {
	f := newFixture(t, entitle.WithConfig(entitle.Config{FallbackPlanSlug: "free"}))
	free := f.newPlan(t, "free", map[string]plan.FeatureValue{"sso": plan.Bool(false)}, nil)
	f.newPlan(t, "pro", map[string]plan.FeatureValue{"sso": plan.Bool(true)}, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.ApplyEvent(ctx, subscription.Event{
		ID: "evt_1", SubscriptionID: "sub_1", TenantID: "acme",
		Status: subscription.StatusTrialing, PlanSlug: "pro", OccurredAt: epoch,
	}))
	require.NoError(t, f.engine.ApplyEvent(ctx, subscription.Event{
		ID: "evt_2", SubscriptionID: "sub_1", Status: subscription.StatusExpired,
		OccurredAt: epoch.Add(time.Hour),
	}))

	a, err := f.engine.GetAssignment(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, free.Plan.ID.String(), a.PlanID.String())
}

func TestApplyEventValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.engine.ApplyEvent(ctx, subscription.Event{SubscriptionID: "sub_1", Status: subscription.StatusActive})
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)

	err = f.engine.ApplyEvent(ctx, subscription.Event{ID: "evt_1", SubscriptionID: "sub_1", Status: "refunded"})
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)

	err = f.engine.ApplyEvent(ctx, subscription.Event{
		ID: "evt_2", SubscriptionID: "sub_1", TenantID: "acme",
		Status: subscription.StatusActive, PlanSlug: "missing",
	})
	assert.True(t, entitle.IsNotFound(err))
}

const webhookSecret = "whsec_test_secret"

func stripeSubscriptionEvent(eventID, eventType, status string, created time.Time) string {
	return fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": %q,
  "created": %d,
  "data": {
    "object": {
      "id": "sub_stripe_1",
      "object": "subscription",
      "status": %q,
      "metadata": {"tenant_id": "acme", "plan_slug": "pro"}
    }
  }
}`, eventID, eventType, created.Unix(), status)
}

func signed(t *testing.T, payload string) ([]byte, string) {
	t.Helper()
	s := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    webhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return s.Payload, s.Header
}

func TestHandleStripeWebhook(t *testing.T) {
	f := newFixture(t, entitle.WithConfig(entitle.Config{WebhookSecret: webhookSecret}))
	f.newPlan(t, "pro", map[string]plan.FeatureValue{"sso": plan.Bool(true)}, nil)
	ctx := context.Background()

	payload, header := signed(t, stripeSubscriptionEvent("evt_s1", "customer.subscription.created", "active", epoch))
	require.NoError(t, f.engine.HandleStripeWebhook(ctx, payload, header))

	ok, err := f.engine.Entitled(ctx, "acme", "sso")
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("BadSignature", func(t *testing.T) {
		payload := []byte(stripeSubscriptionEvent("evt_s2", "customer.subscription.updated", "past_due", epoch))
		err := f.engine.HandleStripeWebhook(ctx, payload, "t=1,v1=deadbeef")
		assert.ErrorIs(t, err, entitle.ErrWebhookSignature)
	})

	t.Run("UnhandledType", func(t *testing.T) {
		payload, header := signed(t, `{"id": "evt_s3", "object": "event", "type": "invoice.paid", "data": {"object": {}}}`)
		assert.NoError(t, f.engine.HandleStripeWebhook(ctx, payload, header))
	})

	t.Run("Deleted", func(t *testing.T) {
		payload, header := signed(t, stripeSubscriptionEvent("evt_s4", "customer.subscription.deleted", "canceled", epoch.Add(time.Hour)))
		require.NoError(t, f.engine.HandleStripeWebhook(ctx, payload, header))

		sub, err := f.engine.GetSubscription(ctx, "sub_stripe_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, sub.Status)
	})
}

func TestHandleStripeWebhookRequiresSecret(t *testing.T) {
	f := newFixture(t)
	err := f.engine.HandleStripeWebhook(context.Background(), []byte(`{}`), "")
	assert.ErrorIs(t, err, entitle.ErrWebhookNotConfigured)
}
