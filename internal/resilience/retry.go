package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	InitDelay  time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay cap
	Multiplier float64       // Backoff multiplier (e.g., 2.0 for doubling)
	Jitter     float64       // Jitter factor (0.0 to 1.0)
}

// RetryFunc is the function signature for operations that can be retried.
type RetryFunc func(ctx context.Context) error

// RetryCallback is called before each retry attempt.
type RetryCallback func(attempt int, err error, nextDelay time.Duration)

// RetryWithCallback executes fn with exponential backoff and jitter,
// calling back before each retry. Permanent errors stop it early. Returns
// the last error if all retries fail.
func RetryWithCallback(ctx context.Context, cfg RetryConfig, fn RetryFunc, callback RetryCallback) error {
	return retry(ctx, cfg, fn, func(err error) bool { return !IsPermanentError(err) }, callback)
}

func retry(ctx context.Context, cfg RetryConfig, fn RetryFunc, shouldRetry func(error) bool, callback RetryCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := func() error {
		err := fn(ctx)
		if err != nil && !shouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	attempt := 0
	notify := func(err error, next time.Duration) {
		attempt++
		if callback != nil {
			callback(attempt, err, next)
		}
	}
	return backoff.RetryNotify(op, newBackOff(ctx, cfg), notify)
}

// newBackOff maps a RetryConfig onto the backoff library. The attempt count
// bounds the retries, not elapsed time.
func newBackOff(ctx context.Context, cfg RetryConfig) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if cfg.InitDelay > 0 {
		eb.InitialInterval = cfg.InitDelay
	}
	if cfg.MaxDelay > 0 {
		eb.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier >= 1 {
		eb.Multiplier = cfg.Multiplier
	}
	eb.RandomizationFactor = cfg.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)
}
