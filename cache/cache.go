// Package cache provides the shared cache tier: a key-value store with TTL,
// atomic counters and short-lived locks. The config cache keeps entries and
// per-tenant generation counters here.
package cache

import (
	"context"
	"errors"
	"time"

	"go.jetify.com/typeid/v2"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Unlock releases a lock acquired with TryLock. It is safe to call after the
// lock expired; a lock taken over by another holder is left untouched.
type Unlock func(ctx context.Context) error

// Tier is implemented by Local and Redis.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr atomically adds one to a counter and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Counter reads a counter, 0 when it was never incremented.
	Counter(ctx context.Context, key string) (int64, error)
	// TryLock acquires key for ttl without waiting. ok is false when another
	// holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock Unlock, ok bool, err error)
	Ping(ctx context.Context) error
	Close() error
}

func lockToken() string {
	tid, err := typeid.Generate("lock")
	if err != nil {
		return time.Now().String()
	}
	return tid.String()
}

var (
	_ Tier = (*Local)(nil)
	_ Tier = (*Redis)(nil)
)
