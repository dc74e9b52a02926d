package cycle

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a phase is attempted within one cycle.
// MaxAttempts of 1 or less means a single attempt.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: 2 * time.Second, MaxInterval: 10 * time.Second}

// Do runs op until it succeeds, returns a backoff.Permanent error, the
// attempts are used up or ctx is done. notify sees every failed attempt that
// will be retried.
func (p RetryPolicy) Do(ctx context.Context, op func() error, notify func(attempt int, err error, wait time.Duration)) error {
	if p.MaxAttempts <= 1 {
		if err := op(); err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return perm.Err
			}
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return op()
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx),
		func(err error, wait time.Duration) {
			if notify != nil {
				notify(attempt, err, wait)
			}
		},
	)
}
