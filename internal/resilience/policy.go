package resilience

import (
	"context"
	"time"
)

/*
RETRY POLICY

TRANSIENT (retryable):
- Network timeouts, connection refused or reset
- HTTP 408, 429 and 5xx responses (StatusError)
- Anything not classified below

PERMANENT (not retryable):
- File not found (ENOENT), permission denied (EACCES, EPERM)
- DNS lookup failure (host doesn't exist)
- HTTP 4xx other than 408 and 429
- Context cancelled/deadline exceeded
- Errors wrapped with NewPermanentError

Job handlers are never retried; a failed job stays failed. Retries apply to
the pieces around a job: persisting its record and the upstream calls a
task makes.
*/

// RetryPolicy defines a named retry configuration.
type RetryPolicy struct {
	// Name identifies this policy in logs.
	Name string

	// MaxRetries is the maximum number of retry attempts (0 = no retries)
	MaxRetries int

	InitDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64

	// ShouldRetry overrides the default IsPermanentError check.
	ShouldRetry func(error) bool

	// OnRetry is called before each retry.
	OnRetry RetryCallback
}

var (
	// NoRetry disables retries entirely
	NoRetry = RetryPolicy{
		Name:       "no-retry",
		MaxRetries: 0,
	}

	// FetchRetry is for a task's upstream HTTP calls.
	FetchRetry = RetryPolicy{
		Name:       "fetch",
		MaxRetries: 2,
		InitDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}

	// PersistRetry is for writing a finished job record. It tries harder
	// because losing the record loses the audit trail.
	PersistRetry = RetryPolicy{
		Name:       "persist",
		MaxRetries: 5,
		InitDelay:  50 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
)

// WithRetries returns a copy of p with a different retry budget.
func (p RetryPolicy) WithRetries(n int) RetryPolicy {
	p.MaxRetries = n
	return p
}

// WithCallback returns a copy of p that reports each retry to fn.
func (p RetryPolicy) WithCallback(fn RetryCallback) RetryPolicy {
	p.OnRetry = fn
	return p
}

// ToConfig converts a RetryPolicy to RetryConfig for use with Retry functions
func (p RetryPolicy) ToConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: p.MaxRetries,
		InitDelay:  p.InitDelay,
		MaxDelay:   p.MaxDelay,
		Multiplier: p.Multiplier,
		Jitter:     p.Jitter,
	}
}

// Execute runs a function with this retry policy
func (p RetryPolicy) Execute(ctx context.Context, fn RetryFunc) error {
	if p.ShouldRetry == nil {
		return RetryWithCallback(ctx, p.ToConfig(), fn, p.OnRetry)
	}
	return retry(ctx, p.ToConfig(), fn, p.ShouldRetry, p.OnRetry)
}
