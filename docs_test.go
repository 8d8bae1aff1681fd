package entitle_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/subscription"
)

// TestDocumentationExamples walks through the README examples.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Memory store for the demo, use PostgreSQL in production
		store := memory.New()

		engine := entitle.New(store,
			entitle.WithLogger(slog.New(slog.DiscardHandler)),
			entitle.WithDefaults(plan.Defaults{
				Features: map[string]plan.FeatureValue{"sso": plan.Bool(false)},
				Limits:   map[string]plan.LimitConfig{"api_calls": {HardCap: plan.Cap(100)}},
			}),
		)

		ctx := context.Background()
		if err := engine.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer func() {
			if err := engine.Stop(ctx); err != nil {
				t.Error(err)
			}
		}()

		// Publish a plan
		pro, err := engine.CreatePlan(ctx,
			&plan.Plan{Name: "Pro", Slug: "pro", Tier: "pro"},
			map[string]plan.FeatureValue{
				"sso":     plan.Bool(true),
				"seats":   plan.Number(25),
				"support": plan.Enum("priority"),
			},
			map[string]plan.LimitConfig{
				"api_calls": {
					HardCap:       plan.Cap(10_000),
					ResetPeriod:   plan.ResetMonthly,
					OveragePolicy: plan.OverageBill,
					OverageRate:   decimal.RequireFromString("0.01"),
				},
			},
		)
		if err != nil {
			t.Fatal(err)
		}

		// Assign it to a tenant
		if _, err := engine.AssignPlan(ctx, "tenant_123", pro.Plan.ID, time.Time{}); err != nil {
			t.Fatal(err)
		}

		// Gate a feature
		ok, err := engine.Entitled(ctx, "tenant_123", "sso")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("expected sso on the pro plan")
		}

		// Check a limit, then record the usage
		d, err := engine.Check(ctx, "tenant_123", "api_calls", 1)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed() {
			t.Fatalf("expected allow, got %s: %s", d.Outcome, d.Reason)
		}
		if _, err := engine.Record(ctx, "tenant_123", "api_calls", 1, "req_abc"); err != nil {
			t.Fatal(err)
		}

		usage, err := engine.CurrentUsage(ctx, "tenant_123", "api_calls")
		if err != nil {
			t.Fatal(err)
		}
		if usage.Quantity != 1 {
			t.Errorf("expected 1 call, got %d", usage.Quantity)
		}
	})

	t.Run("CreditsExample", func(t *testing.T) {
		engine := entitle.New(memory.New(), entitle.WithLogger(slog.New(slog.DiscardHandler)))
		ctx := context.Background()
		defer func() { _ = engine.Stop(ctx) }()

		if _, err := engine.Grant(ctx, "tenant_123", decimal.NewFromInt(50)); err != nil {
			t.Fatal(err)
		}
		if _, err := engine.Debit(ctx, "tenant_123", decimal.NewFromInt(20), "usage_1"); err != nil {
			t.Fatal(err)
		}

		balance, err := engine.Reconcile(ctx, "tenant_123")
		if err != nil {
			t.Fatal(err)
		}
		if !balance.Equal(decimal.NewFromInt(30)) {
			t.Errorf("expected balance 30, got %s", balance)
		}
	})

	t.Run("SubscriptionExample", func(t *testing.T) {
		engine := entitle.New(memory.New(), entitle.WithLogger(slog.New(slog.DiscardHandler)))
		ctx := context.Background()
		defer func() { _ = engine.Stop(ctx) }()

		if _, err := engine.CreatePlan(ctx, &plan.Plan{Slug: "team"},
			map[string]plan.FeatureValue{"audit_log": plan.Bool(true)}, nil); err != nil {
			t.Fatal(err)
		}

		err := engine.ApplyEvent(ctx, subscription.Event{
			ID:             "evt_1",
			SubscriptionID: "sub_1",
			TenantID:       "tenant_456",
			Status:         subscription.StatusActive,
			PlanSlug:       "team",
			OccurredAt:     time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}

		ok, err := engine.Entitled(ctx, "tenant_456", "audit_log")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("expected audit_log after subscribing")
		}
	})
}
