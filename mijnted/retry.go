package mijnted

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/evcc-io/evcc/util"
)

// RetryPolicy bounds a retried operation: MaxRetries+1 attempts in total with a
// constant Delay in between.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultRetryPolicy is used for token refresh and credential rotation.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	Delay:      10 * time.Second,
}

func (p RetryPolicy) validate() error {
	if p.MaxRetries < 0 {
		return newError(ErrConfiguration, fmt.Sprintf("max retries must be non-negative, got %d", p.MaxRetries), nil)
	}
	if p.Delay < 0 {
		return newError(ErrConfiguration, fmt.Sprintf("retry delay must be non-negative, got %v", p.Delay), nil)
	}
	return nil
}

// RetryOn retries errors matching any of the given kinds.
func RetryOn(kinds ...error) func(error) bool {
	return func(err error) bool {
		for _, kind := range kinds {
			if errors.Is(err, kind) {
				return true
			}
		}
		return false
	}
}

// RetryAny retries every error.
func RetryAny(error) bool {
	return true
}

// Retry runs op until it succeeds, fails with an error retryable rejects, or
// the policy is exhausted. On exhaustion the last error is returned.
func Retry[T any](ctx context.Context, log *util.Logger, label string, policy RetryPolicy, retryable func(error) bool, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := policy.validate(); err != nil {
		return zero, err
	}

	attempts := policy.MaxRetries + 1
	var attempt int
	var fatal error

	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++

		res, err := op(ctx)
		if err == nil {
			return res, nil
		}

		if !retryable(err) {
			log.ERROR.Printf("%s failed with non-retryable error (attempt %d/%d): %v", label, attempt, attempts, err)
			fatal = err
			return res, backoff.Permanent(err)
		}

		log.WARN.Printf("%s failed (attempt %d/%d): %v", label, attempt, attempts, err)
		return res, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Delay)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(_ error, d time.Duration) {
			log.DEBUG.Printf("retrying %s in %v", label, d)
		}),
	)

	switch {
	case fatal != nil:
		return res, fatal
	case err != nil && attempt == attempts:
		log.ERROR.Printf("%s failed after %d attempts: %v", label, attempts, err)
	}

	return res, err
}
