package entitle

import (
	"context"

	"github.com/xraph/entitle/entitlement"
)

type tenantKey struct{}

// WithTenant returns a context carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext returns the tenant set by WithTenant, or "".
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

// CheckContext is Check for the tenant carried by ctx.
func (e *Engine) CheckContext(ctx context.Context, key string, quantity int64) (*entitlement.Decision, error) {
	return e.Check(ctx, TenantFromContext(ctx), key, quantity)
}
