// Package entitle resolves what a tenant may do and keeps count of what it
// did. It is a library: embed an Engine in the service that answers
// entitlement checks.
//
// An Engine combines four things:
//
//   - A plan catalog of immutable, versioned plans. Tenants are pinned to a
//     version and keep it until migrated, so publishing new terms never
//     changes what existing tenants were sold.
//   - A resolver that layers tenant overrides over the pinned plan version
//     over the global defaults, and caches the result per tenant behind a
//     generation counter that makes invalidation visible immediately.
//   - A usage meter that buffers idempotent usage records and flushes them
//     in batches, while reads still see every acknowledged record.
//   - A prepaid credits ledger used to bill overage.
//
// # Quick Start
//
//	s := memory.New()
//	eng := entitle.New(s,
//	    entitle.WithLogger(slog.Default()),
//	    entitle.WithDefaults(plan.Defaults{
//	        Features: map[string]plan.FeatureValue{"sso": plan.Bool(false)},
//	    }),
//	)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(ctx)
//
//	snap, _ := eng.CreatePlan(ctx, &plan.Plan{Slug: "pro", Tier: "pro"},
//	    map[string]plan.FeatureValue{"sso": plan.Bool(true)},
//	    map[string]plan.LimitConfig{"api_calls": {HardCap: plan.Cap(10_000)}},
//	)
//	_, _ = eng.AssignPlan(ctx, "acme", snap.Plan.ID, time.Time{})
//
//	d, _ := eng.Check(ctx, "acme", "api_calls", 1)
//	if d.Allowed() {
//	    _, _ = eng.Record(ctx, "acme", "api_calls", 1, requestID)
//	}
//
// # Decisions
//
// Check always returns a Decision. When the catalog or cache cannot answer,
// the key's failure policy decides: limits fail closed, features fail open
// unless marked critical. Only invalid input produces an error.
//
// # Identifiers
//
// Entities use TypeIDs, for example plan_01h2xcejqtf2nbrexx3vqjhp41.
package entitle
