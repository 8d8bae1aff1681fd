package entitle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/plan"
)

const (
	configKeyPrefix = "entitle:config:"
	genKeyPrefix    = "entitle:gen:"
	lockKeyPrefix   = "entitle:lock:"

	lockPollInterval = 25 * time.Millisecond
)

// Resolve returns the effective entitlements for a tenant. Fresh cache
// entries are served directly. A miss, an expired entry or an entry older
// than the tenant's invalidation generation triggers a rebuild, of which at
// most one runs per tenant across every engine sharing the cache tier.
func (e *Engine) Resolve(ctx context.Context, tenantID string) (*plan.ResolvedConfig, error) {
	if tenantID == "" {
		return nil, ValidationError{Field: "tenant_id", Message: "required"}
	}

	_, cached, err := e.readCached(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: cache: %w", ErrConfigUnavailable, err)
	}

	now := e.now()
	if cached != nil {
		if cached.Fresh(now) {
			e.plugins.EmitConfigResolved(ctx, cached, true)
			return cached, nil
		}
		if e.config.StaleWhileRevalidate && now.Before(cached.ExpiresAt.Add(e.config.StaleWindow)) {
			e.refreshAsync(ctx, tenantID, cached)
			e.plugins.EmitConfigResolved(ctx, cached, true)
			return cached, nil
		}
	}

	return e.rebuild(ctx, tenantID, cached)
}

// Invalidate bumps the tenant's generation so every cached config resolved
// before this call is rejected, then drops the entry. It returns once the
// bump is visible to all engines sharing the cache tier.
func (e *Engine) Invalidate(ctx context.Context, tenantID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.CacheTimeout)
	defer cancel()

	gen, err := e.tier.Incr(ctx, genKeyPrefix+tenantID)
	if err != nil {
		return fmt.Errorf("entitle: invalidate %s: %w", tenantID, err)
	}
	if err := e.tier.Delete(ctx, configKeyPrefix+tenantID); err != nil {
		e.logger.Warn("failed to drop cached config", "tenant_id", tenantID, "error", err)
	}
	e.rebuilds.Forget(tenantID)

	e.plugins.EmitConfigInvalidated(ctx, tenantID, gen)
	e.logger.Debug("config invalidated", "tenant_id", tenantID, "generation", gen)
	return nil
}

// invalidateQuietly is used after writes that already succeeded. A failure
// leaves the TTL as the staleness bound.
func (e *Engine) invalidateQuietly(ctx context.Context, tenantID string) {
	if err := e.Invalidate(ctx, tenantID); err != nil {
		e.logger.Error("config invalidation failed, cached config may be stale until ttl",
			"tenant_id", tenantID,
			"ttl", e.config.CacheTTL,
			"error", err,
		)
	}
}

// readCached returns the current generation and the cached config, if any
// entry exists at or above that generation.
func (e *Engine) readCached(ctx context.Context, tenantID string) (int64, *plan.ResolvedConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.CacheTimeout)
	defer cancel()

	gen, err := e.tier.Counter(ctx, genKeyPrefix+tenantID)
	if err != nil {
		return 0, nil, err
	}

	raw, err := e.tier.Get(ctx, configKeyPrefix+tenantID)
	if errors.Is(err, cache.ErrMiss) {
		return gen, nil, nil
	}
	if err != nil {
		return gen, nil, err
	}

	var rc plan.ResolvedConfig
	if err := json.Unmarshal(raw, &rc); err != nil {
		e.logger.Warn("discarding undecodable cached config", "tenant_id", tenantID, "error", err)
		return gen, nil, nil
	}
	if rc.Generation < gen {
		return gen, nil, nil
	}
	return gen, &rc, nil
}

func (e *Engine) refreshAsync(ctx context.Context, tenantID string, previous *plan.ResolvedConfig) {
	if _, busy := e.refreshing.LoadOrStore(tenantID, struct{}{}); busy {
		return
	}
	e.goAsync(ctx, func(ctx context.Context) {
		defer e.refreshing.Delete(tenantID)
		if _, err := e.rebuild(ctx, tenantID, previous); err != nil {
			e.logger.Warn("background config refresh failed", "tenant_id", tenantID, "error", err)
		}
	})
}

// rebuild collapses concurrent in-process rebuilds into one.
func (e *Engine) rebuild(ctx context.Context, tenantID string, previous *plan.ResolvedConfig) (*plan.ResolvedConfig, error) {
	v, err, _ := e.rebuilds.Do(tenantID, func() (any, error) {
		return e.rebuildLocked(context.WithoutCancel(ctx), tenantID, previous)
	})
	if err != nil {
		return nil, err
	}
	return v.(*plan.ResolvedConfig), nil
}

// rebuildLocked takes the cross-process rebuild lock. Losers poll for the
// winner's entry, retrying the lock, until RebuildLockWait elapses.
func (e *Engine) rebuildLocked(ctx context.Context, tenantID string, previous *plan.ResolvedConfig) (*plan.ResolvedConfig, error) {
	unlock, err := e.acquireRebuildLock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if unlock == nil {
		return e.awaitRebuild(ctx, tenantID, previous)
	}
	defer func() {
		if err := unlock(ctx); err != nil {
			e.logger.Warn("failed to release rebuild lock", "tenant_id", tenantID, "error", err)
		}
	}()

	return e.build(ctx, tenantID)
}

func (e *Engine) acquireRebuildLock(ctx context.Context, tenantID string) (cache.Unlock, error) {
	lctx, cancel := context.WithTimeout(ctx, e.config.CacheTimeout)
	defer cancel()

	unlock, ok, err := e.tier.TryLock(lctx, lockKeyPrefix+tenantID, e.config.RebuildLockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: rebuild lock: %w", ErrConfigUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	return unlock, nil
}

func (e *Engine) awaitRebuild(ctx context.Context, tenantID string, previous *plan.ResolvedConfig) (*plan.ResolvedConfig, error) {
	deadline := time.NewTimer(e.config.RebuildLockWait)
	defer deadline.Stop()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrConfigUnavailable, ctx.Err())
		case <-deadline.C:
			gen, _, err := e.readCached(ctx, tenantID)
			if err == nil && previous != nil && previous.Generation >= gen {
				e.logger.Warn("serving stale config, rebuild lock wait exceeded", "tenant_id", tenantID)
				return previous, nil
			}
			return nil, fmt.Errorf("%w: rebuild lock wait exceeded for %s", ErrConfigUnavailable, tenantID)
		case <-ticker.C:
			_, rc, err := e.readCached(ctx, tenantID)
			if err == nil && rc != nil && rc.Fresh(e.now()) {
				e.plugins.EmitConfigResolved(ctx, rc, true)
				return rc, nil
			}
			unlock, err := e.acquireRebuildLock(ctx, tenantID)
			if err != nil || unlock == nil {
				continue
			}
			rc, err = e.build(ctx, tenantID)
			if uerr := unlock(ctx); uerr != nil {
				e.logger.Warn("failed to release rebuild lock", "tenant_id", tenantID, "error", uerr)
			}
			return rc, err
		}
	}
}

// build loads the tenant's layers through the circuit breaker and stores the
// result. The generation is read before the catalog so a concurrent
// invalidation makes the stored entry obsolete rather than current.
func (e *Engine) build(ctx context.Context, tenantID string) (*plan.ResolvedConfig, error) {
	gen, rc, err := e.readCached(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: cache: %w", ErrConfigUnavailable, err)
	}
	if rc != nil && rc.Fresh(e.now()) {
		return rc, nil
	}

	start := time.Now()
	rc, err = e.breaker.Execute(func() (*plan.ResolvedConfig, error) {
		return e.load(ctx, tenantID)
	})
	if err != nil {
		if isBreakerOpen(err) {
			return nil, fmt.Errorf("%w: catalog circuit open: %w", ErrConfigUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
	}

	rc.Stamp(gen, e.now(), e.config.CacheTTL)
	e.writeCached(ctx, rc)

	e.plugins.EmitConfigResolved(ctx, rc, false)
	e.logger.Debug("config resolved",
		"tenant_id", tenantID,
		"plan", rc.PlanSlug,
		"version", rc.VersionNumber,
		"generation", gen,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return rc, nil
}

func (e *Engine) writeCached(ctx context.Context, rc *plan.ResolvedConfig) {
	raw, err := json.Marshal(rc)
	if err != nil {
		e.logger.Error("failed to encode resolved config", "tenant_id", rc.TenantID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.CacheTimeout)
	defer cancel()
	if err := e.tier.Set(ctx, configKeyPrefix+rc.TenantID, raw, e.config.CacheTTL+e.config.StaleWindow); err != nil {
		e.logger.Warn("failed to cache resolved config", "tenant_id", rc.TenantID, "error", err)
	}
}

// load reads the assignment, pinned version and overrides from the catalog.
func (e *Engine) load(ctx context.Context, tenantID string) (*plan.ResolvedConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.CatalogTimeout)
	defer cancel()

	asg, err := retryValue(ctx, e, func() (*plan.Assignment, error) {
		return e.store.GetAssignment(ctx, tenantID)
	})
	if err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("load assignment: %w", err)
	}

	var (
		snap      *plan.Snapshot
		overrides []*plan.Override
	)
	g, gctx := errgroup.WithContext(ctx)
	if asg != nil {
		g.Go(func() error {
			s, err := e.snapshot(gctx, asg)
			snap = s
			return err
		})
	}
	g.Go(func() error {
		list, err := retryValue(gctx, e, func() ([]*plan.Override, error) {
			return e.store.ListOverrides(gctx, tenantID)
		})
		overrides = list
		if err != nil {
			return fmt.Errorf("load overrides: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return plan.Resolve(tenantID, e.defaults, snap, asg, overrides), nil
}

func (e *Engine) snapshot(ctx context.Context, asg *plan.Assignment) (*plan.Snapshot, error) {
	v, err := retryValue(ctx, e, func() (*plan.Version, error) {
		return e.store.GetVersion(ctx, asg.VersionID)
	})
	if err != nil {
		return nil, fmt.Errorf("load version %s: %w", asg.VersionID, err)
	}
	p, err := retryValue(ctx, e, func() (*plan.Plan, error) {
		return e.store.GetPlan(ctx, asg.PlanID)
	})
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", asg.PlanID, err)
	}
	return &plan.Snapshot{Plan: p, Version: v}, nil
}

// defaultsConfig resolves the default tier alone, used when the catalog or
// cache cannot answer.
func (e *Engine) defaultsConfig(tenantID string) *plan.ResolvedConfig {
	return plan.Resolve(tenantID, e.defaults, nil, nil, nil)
}
