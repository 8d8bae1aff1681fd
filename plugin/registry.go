package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/meter"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry holds plugins and their cached hook lists.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                []OnInit
	onShutdown            []OnShutdown
	onPlanPublished       []OnPlanPublished
	onOverrideChanged     []OnOverrideChanged
	onConfigResolved      []OnConfigResolved
	onConfigInvalidated   []OnConfigInvalidated
	onUsageRecorded       []OnUsageRecorded
	onDuplicateUsage      []OnDuplicateUsage
	onUsageFlushed        []OnUsageFlushed
	onCreditsGranted      []OnCreditsGranted
	onCreditsDebited      []OnCreditsDebited
	onEntitlementChecked  []OnEntitlementChecked
	onLimitWarning        []OnLimitWarning
	onOverageAlert        []OnOverageAlert
	onLimitExceeded       []OnLimitExceeded
	onRateLimited         []OnRateLimited
	onSubscriptionChanged []OnSubscriptionChanged
}

func NewRegistry() *Registry {
	return &Registry{logger: slog.Default(), timeout: DefaultTimeout}
}

func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout overrides DefaultTimeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin and caches the hooks it implements.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}
	r.plugins = append(r.plugins, p)

	var hooks []string
	cache := func(ok bool, name string, add func()) {
		if ok {
			add()
			hooks = append(hooks, name)
		}
	}

	v1, ok := p.(OnInit)
	cache(ok, "OnInit", func() { r.onInit = append(r.onInit, v1) })
	v2, ok := p.(OnShutdown)
	cache(ok, "OnShutdown", func() { r.onShutdown = append(r.onShutdown, v2) })
	v3, ok := p.(OnPlanPublished)
	cache(ok, "OnPlanPublished", func() { r.onPlanPublished = append(r.onPlanPublished, v3) })
	v4, ok := p.(OnOverrideChanged)
	cache(ok, "OnOverrideChanged", func() { r.onOverrideChanged = append(r.onOverrideChanged, v4) })
	v5, ok := p.(OnConfigResolved)
	cache(ok, "OnConfigResolved", func() { r.onConfigResolved = append(r.onConfigResolved, v5) })
	v6, ok := p.(OnConfigInvalidated)
	cache(ok, "OnConfigInvalidated", func() { r.onConfigInvalidated = append(r.onConfigInvalidated, v6) })
	v7, ok := p.(OnUsageRecorded)
	cache(ok, "OnUsageRecorded", func() { r.onUsageRecorded = append(r.onUsageRecorded, v7) })
	v8, ok := p.(OnDuplicateUsage)
	cache(ok, "OnDuplicateUsage", func() { r.onDuplicateUsage = append(r.onDuplicateUsage, v8) })
	v9, ok := p.(OnUsageFlushed)
	cache(ok, "OnUsageFlushed", func() { r.onUsageFlushed = append(r.onUsageFlushed, v9) })
	v10, ok := p.(OnCreditsGranted)
	cache(ok, "OnCreditsGranted", func() { r.onCreditsGranted = append(r.onCreditsGranted, v10) })
	v11, ok := p.(OnCreditsDebited)
	cache(ok, "OnCreditsDebited", func() { r.onCreditsDebited = append(r.onCreditsDebited, v11) })
	v12, ok := p.(OnEntitlementChecked)
	cache(ok, "OnEntitlementChecked", func() { r.onEntitlementChecked = append(r.onEntitlementChecked, v12) })
	v13, ok := p.(OnLimitWarning)
	cache(ok, "OnLimitWarning", func() { r.onLimitWarning = append(r.onLimitWarning, v13) })
	v14, ok := p.(OnOverageAlert)
	cache(ok, "OnOverageAlert", func() { r.onOverageAlert = append(r.onOverageAlert, v14) })
	v15, ok := p.(OnLimitExceeded)
	cache(ok, "OnLimitExceeded", func() { r.onLimitExceeded = append(r.onLimitExceeded, v15) })
	v16, ok := p.(OnRateLimited)
	cache(ok, "OnRateLimited", func() { r.onRateLimited = append(r.onRateLimited, v16) })
	v17, ok := p.(OnSubscriptionChanged)
	cache(ok, "OnSubscriptionChanged", func() { r.onSubscriptionChanged = append(r.onSubscriptionChanged, v17) })

	r.logger.Info("plugin registered", "name", p.Name(), "hooks", hooks)

	return nil
}

// Get returns a plugin by name, or nil.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission
// ──────────────────────────────────────────────────

// emit snapshots the hook list under the read lock and calls each hook with
// the registry timeout. Failures are logged and never propagate.
func emit[T Plugin](ctx context.Context, r *Registry, list *[]T, hook string, call func(T) error) {
	r.mu.RLock()
	hooks := *list
	r.mu.RUnlock()

	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return call(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, &r.onInit, "OnInit", func(p OnInit) error { return p.OnInit(ctx, engine) })
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, &r.onShutdown, "OnShutdown", func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

func (r *Registry) EmitPlanPublished(ctx context.Context, pl *plan.Plan, v *plan.Version) {
	emit(ctx, r, &r.onPlanPublished, "OnPlanPublished", func(p OnPlanPublished) error {
		return p.OnPlanPublished(ctx, pl, v)
	})
}

func (r *Registry) EmitOverrideChanged(ctx context.Context, tenantID, key string, o *plan.Override) {
	emit(ctx, r, &r.onOverrideChanged, "OnOverrideChanged", func(p OnOverrideChanged) error {
		return p.OnOverrideChanged(ctx, tenantID, key, o)
	})
}

func (r *Registry) EmitConfigResolved(ctx context.Context, rc *plan.ResolvedConfig, cached bool) {
	emit(ctx, r, &r.onConfigResolved, "OnConfigResolved", func(p OnConfigResolved) error {
		return p.OnConfigResolved(ctx, rc, cached)
	})
}

func (r *Registry) EmitConfigInvalidated(ctx context.Context, tenantID string, generation int64) {
	emit(ctx, r, &r.onConfigInvalidated, "OnConfigInvalidated", func(p OnConfigInvalidated) error {
		return p.OnConfigInvalidated(ctx, tenantID, generation)
	})
}

func (r *Registry) EmitUsageRecorded(ctx context.Context, rec *meter.Record) {
	emit(ctx, r, &r.onUsageRecorded, "OnUsageRecorded", func(p OnUsageRecorded) error {
		return p.OnUsageRecorded(ctx, rec)
	})
}

func (r *Registry) EmitDuplicateUsage(ctx context.Context, tenantID, usageType, key string) {
	emit(ctx, r, &r.onDuplicateUsage, "OnDuplicateUsage", func(p OnDuplicateUsage) error {
		return p.OnDuplicateUsage(ctx, tenantID, usageType, key)
	})
}

func (r *Registry) EmitUsageFlushed(ctx context.Context, count int, elapsed time.Duration) {
	emit(ctx, r, &r.onUsageFlushed, "OnUsageFlushed", func(p OnUsageFlushed) error {
		return p.OnUsageFlushed(ctx, count, elapsed)
	})
}

func (r *Registry) EmitCreditsGranted(ctx context.Context, tx *credits.Transaction) {
	emit(ctx, r, &r.onCreditsGranted, "OnCreditsGranted", func(p OnCreditsGranted) error {
		return p.OnCreditsGranted(ctx, tx)
	})
}

func (r *Registry) EmitCreditsDebited(ctx context.Context, tx *credits.Transaction) {
	emit(ctx, r, &r.onCreditsDebited, "OnCreditsDebited", func(p OnCreditsDebited) error {
		return p.OnCreditsDebited(ctx, tx)
	})
}

func (r *Registry) EmitEntitlementChecked(ctx context.Context, d *entitlement.Decision) {
	emit(ctx, r, &r.onEntitlementChecked, "OnEntitlementChecked", func(p OnEntitlementChecked) error {
		return p.OnEntitlementChecked(ctx, d)
	})
}

// EmitAlert routes an alert to the hook matching its kind.
func (r *Registry) EmitAlert(ctx context.Context, a *entitlement.Alert) {
	switch a.Kind {
	case entitlement.AlertWarning:
		emit(ctx, r, &r.onLimitWarning, "OnLimitWarning", func(p OnLimitWarning) error {
			return p.OnLimitWarning(ctx, a)
		})
	case entitlement.AlertOverage:
		emit(ctx, r, &r.onOverageAlert, "OnOverageAlert", func(p OnOverageAlert) error {
			return p.OnOverageAlert(ctx, a)
		})
	case entitlement.AlertExceeded:
		emit(ctx, r, &r.onLimitExceeded, "OnLimitExceeded", func(p OnLimitExceeded) error {
			return p.OnLimitExceeded(ctx, a)
		})
	}
}

func (r *Registry) EmitRateLimited(ctx context.Context, tenantID, key string, retryAfter time.Duration) {
	emit(ctx, r, &r.onRateLimited, "OnRateLimited", func(p OnRateLimited) error {
		return p.OnRateLimited(ctx, tenantID, key, retryAfter)
	})
}

func (r *Registry) EmitSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status, ev *subscription.Event) {
	emit(ctx, r, &r.onSubscriptionChanged, "OnSubscriptionChanged", func(p OnSubscriptionChanged) error {
		return p.OnSubscriptionChanged(ctx, sub, from, ev)
	})
}

// callWithTimeout runs fn, giving up after the registry timeout. Plugins
// must never block the entitlement path.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
