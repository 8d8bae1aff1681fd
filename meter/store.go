package meter

import (
	"context"
	"time"
)

// Store persists flushed usage. Implementations must make CommitUsage atomic:
// the idempotency key claim and the counter increment succeed or fail together.
type Store interface {
	// CommitUsage claims r's idempotency key and adds r.Quantity to the
	// (tenant, type, period) counter. It returns false, nil when the key was
	// already claimed.
	CommitUsage(ctx context.Context, r *Record) (bool, error)
	UsageTotal(ctx context.Context, tenantID, usageType string, periodStart time.Time) (int64, error)
	IdempotencyKeySeen(ctx context.Context, tenantID, usageType, key string) (bool, error)
	// PurgeIdempotencyKeys drops keys claimed before the cutoff.
	PurgeIdempotencyKeys(ctx context.Context, before time.Time) (int64, error)
}
