package entitle

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/xraph/entitle/plan"
)

const maxRetries = 5

// backoffFor builds the bounded exponential policy used for idempotent
// store operations.
func (e *Engine) backoffFor(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.RetryInitialInterval
	b.MaxElapsedTime = e.config.RetryMaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// retry runs op until it succeeds, fails with a non-retryable error or the
// policy gives up.
func (e *Engine) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		return permanentUnlessRetryable(op())
	}, e.backoffFor(ctx))
}

func retryValue[T any](ctx context.Context, e *Engine, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		return v, permanentUnlessRetryable(err)
	}, e.backoffFor(ctx))
}

func permanentUnlessRetryable(err error) error {
	if err != nil && !IsRetryable(err) {
		return backoff.Permanent(err)
	}
	return err
}

// newBreaker guards catalog rebuilds. Missing rows are answers, not faults,
// so they never trip it.
func (e *Engine) newBreaker() *gobreaker.CircuitBreaker[*plan.ResolvedConfig] {
	failures := e.config.BreakerFailures
	return gobreaker.NewCircuitBreaker[*plan.ResolvedConfig](gobreaker.Settings{
		Name:        "entitle-catalog",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     e.config.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsNotFound(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
