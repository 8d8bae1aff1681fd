// Package ratelimit implements token-bucket rate limiting. Buckets refill
// lazily on access; a denied request leaves the bucket unchanged.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrInvalidCost = errors.New("ratelimit: cost must be positive")
	// ErrCostExceedsCapacity is returned when a request could never fit in the bucket.
	ErrCostExceedsCapacity = errors.New("ratelimit: cost exceeds bucket capacity")
)

// Bucket is the shape of a token bucket.
type Bucket struct {
	Capacity   int64   `json:"capacity" yaml:"capacity"`
	RefillRate float64 `json:"refill_rate" yaml:"refill_rate"` // tokens per second
}

// Result describes one Allow call.
type Result struct {
	Allowed   bool
	Remaining int64
	// ResetAt is when the bucket will be full again.
	ResetAt time.Time
	// RetryAfter is how long until cost tokens are available. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter is implemented by Memory and Redis.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64, b Bucket) (Result, error)
}

func validate(cost int64, b Bucket) error {
	if cost <= 0 {
		return ErrInvalidCost
	}
	if cost > b.Capacity {
		return ErrCostExceedsCapacity
	}
	return nil
}

// result derives a Result from the bucket level after the decision.
func result(allowed bool, tokens float64, cost int64, b Bucket, now time.Time) Result {
	r := Result{
		Allowed:   allowed,
		Remaining: int64(math.Floor(tokens)),
		ResetAt:   now.Add(secondsToDuration((float64(b.Capacity) - tokens) / b.RefillRate)),
	}
	if !allowed {
		r.RetryAfter = secondsToDuration((float64(cost) - tokens) / b.RefillRate)
	}
	return r
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 || math.IsInf(s, 0) || math.IsNaN(s) {
		return 0
	}
	return time.Duration(math.Ceil(s * float64(time.Second)))
}
