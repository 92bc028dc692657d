// Package cancel implements cooperative, advisory job cancellation. A flag is
// set externally for a job id; the running handler observes it only when it
// checks the token at its own checkpoints.
package cancel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CancelledError is raised by Token.Check once cancellation was requested.
type CancelledError struct {
	JobID string
}

func (e *CancelledError) Error() string {
	return "job " + e.JobID + " cancelled"
}

// IsCancelled checks if err is (or wraps) a cancellation signal.
func IsCancelled(err error) (*CancelledError, bool) {
	if err == nil {
		return nil, false
	}
	var ce *CancelledError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// FlagStore answers whether cancellation was requested for a job. It must be
// cheap: a single key lookup.
type FlagStore interface {
	CancellationRequested(ctx context.Context, jobID string) (bool, error)
}

// Token is the read-only cancellation view handed to a task handler.
type Token struct {
	store FlagStore
	jobID string

	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
	onError   func(error)
}

// NewToken creates a token for jobID backed by store.
func NewToken(store FlagStore, jobID string) *Token {
	return &Token{store: store, jobID: jobID, done: make(chan struct{})}
}

// OnError sets a callback for flag store failures. Failures never cancel the
// job; they are only reported.
func (t *Token) OnError(fn func(error)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

// Check reads the flag and returns a *CancelledError if it is set. Once a
// cancellation was observed, Check keeps returning it without further I/O.
func (t *Token) Check(ctx context.Context) error {
	if t.Cancelled() {
		return &CancelledError{JobID: t.jobID}
	}
	if t.poll(ctx) {
		return &CancelledError{JobID: t.jobID}
	}
	return nil
}

// Cancelled reports the last observed value without touching the store.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done is closed once cancellation has been observed, either by Check or by
// a running Watch.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Watch polls the store every interval until cancellation is observed or
// ctx ends. It lets handlers select on Done while blocked.
func (t *Token) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if t.Cancelled() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.poll(ctx) {
				return
			}
		}
	}
}

func (t *Token) poll(ctx context.Context) bool {
	if t.store == nil {
		return false
	}
	requested, err := t.store.CancellationRequested(ctx, t.jobID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		t.mu.Lock()
		fn := t.onError
		t.mu.Unlock()
		if fn != nil {
			fn(err)
		}
		return false
	}
	if !requested {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		t.cancelled = true
		close(t.done)
	}
	return true
}
