package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func quickConfig(retries int) RetryConfig {
	return RetryConfig{MaxRetries: retries, InitDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestRetryReturnsLastError(t *testing.T) {
	last := errors.New("third failure")
	calls := 0
	err := RetryWithCallback(context.Background(), quickConfig(2), failThen(&calls, errors.New("first"), errors.New("second"), last), nil)
	if err != last {
		t.Errorf("err = %v, want %v", err, last)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryKeepsPermanentErrorIdentity(t *testing.T) {
	perm := NewPermanentError(errors.New("bad request"))
	calls := 0
	if err := RetryWithCallback(context.Background(), quickConfig(5), failThen(&calls, perm), nil); err != perm {
		t.Errorf("err = %v, want the permanent error itself", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryCallbackNumbersAttempts(t *testing.T) {
	var seen []int
	calls := 0
	err := RetryWithCallback(context.Background(), quickConfig(3), failThen(&calls, errors.New("a"), errors.New("b")),
		func(attempt int, err error, next time.Duration) {
			seen = append(seen, attempt)
			if next <= 0 {
				t.Errorf("attempt %d: non-positive delay %v", attempt, next)
			}
		})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("attempts = %v", seen)
	}
}

func TestRetryCustomCheck(t *testing.T) {
	for _, again := range []bool{true, false} {
		calls := 0
		err := retry(context.Background(), quickConfig(3), failThen(&calls, errors.New("x")),
			func(error) bool { return again }, nil)
		wantCalls := 1
		if again {
			wantCalls = 2
		}
		if calls != wantCalls || (err == nil) != again {
			t.Errorf("retry=%v: calls=%d err=%v", again, calls, err)
		}
	}
}

func TestRetryContext(t *testing.T) {
	t.Run("already cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := RetryWithCallback(ctx, quickConfig(3), failThen(&calls), nil)
		if !errors.Is(err, context.Canceled) || calls != 0 {
			t.Errorf("calls=%d err=%v", calls, err)
		}
	})
	t.Run("cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		cfg := quickConfig(3)
		cfg.InitDelay = time.Second
		cfg.MaxDelay = time.Second
		err := RetryWithCallback(ctx, cfg, func(context.Context) error { return errors.New("down") }, nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestNewBackOffSchedule(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	b := newBackOff(context.Background(), cfg)
	want := []time.Duration{100, 200, 300, 300, 300}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Millisecond {
			t.Errorf("delay %d = %v, want %v", i, got, w*time.Millisecond)
		}
	}
	if got := b.NextBackOff(); got != -1 {
		t.Errorf("expected stop after %d retries, got %v", cfg.MaxRetries, got)
	}

	calls := 0
	if err := RetryWithCallback(context.Background(), RetryConfig{MaxRetries: -1}, failThen(&calls, errors.New("x")), nil); err == nil || calls != 1 {
		t.Errorf("negative budget: calls=%d err=%v", calls, err)
	}
}
