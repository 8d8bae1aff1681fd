package entitle

import (
	"context"
	"fmt"

	"github.com/xraph/entitle/ratelimit"
)

// Allow spends cost tokens from the tenant's bucket for key. The bucket size
// comes from the tier of the tenant's plan; tenants whose config cannot be
// resolved use the default tier.
func (e *Engine) Allow(ctx context.Context, tenantID, key string, cost int64) (ratelimit.Result, error) {
	if tenantID == "" || key == "" {
		return ratelimit.Result{}, ValidationError{Field: "tenant_id/key", Message: "required"}
	}

	tier := ""
	if rc, err := e.Resolve(ctx, tenantID); err == nil {
		tier = rc.Tier
	} else {
		e.logger.Debug("rate limiting on default tier", "tenant_id", tenantID, "error", err)
	}

	res, err := e.limiter.Allow(ctx, tenantID+":"+key, cost, e.tiers.For(tier))
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("entitle: rate limit %s/%s: %w", tenantID, key, err)
	}
	if !res.Allowed {
		e.plugins.EmitRateLimited(ctx, tenantID, key, res.RetryAfter)
	}
	return res, nil
}

// AllowRoute is Allow with the cost taken from the route weight table. All
// routes of a tenant share one bucket. Zero-weight routes are free.
func (e *Engine) AllowRoute(ctx context.Context, tenantID, method, path string) (ratelimit.Result, error) {
	w := e.tiers.Weight(method, path)
	if w <= 0 {
		return ratelimit.Result{Allowed: true}, nil
	}
	return e.Allow(ctx, tenantID, "api", w)
}
