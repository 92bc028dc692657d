package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: threshold, ResetAfter: reset})
	cb.now = clock.now
	return cb, clock
}

var errUpstream = errors.New("connection reset")

func failing(ctx context.Context) error { return errUpstream }
func passing(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open circuit let a call through: err=%v called=%v", err, called)
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, passing)
	if cb.Failures() != 0 || cb.State() != CircuitClosed {
		t.Errorf("expected closed with 0 failures, got %s/%d", cb.State(), cb.Failures())
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	notFound := &StatusError{URL: "https://example.test/x", Code: 404}
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return notFound })
	if cb.State() != CircuitClosed {
		t.Errorf("404 opened the circuit")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe func(ctx context.Context) error
		want  CircuitState
	}{
		{"probe succeeds", passing, CircuitClosed},
		{"probe fails", failing, CircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(1, 30*time.Second)
			ctx := context.Background()
			_ = cb.Execute(ctx, failing)
			clock.advance(10 * time.Second)
			if err := cb.Execute(ctx, passing); !errors.Is(err, ErrCircuitOpen) {
				t.Fatalf("expected open before reset window, got %v", err)
			}
			clock.advance(30 * time.Second)
			_ = cb.Execute(ctx, tt.probe)
			if cb.State() != tt.want {
				t.Errorf("state = %s, want %s", cb.State(), tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	var changes []string
	cb.OnStateChange(func(from, to CircuitState) {
		changes = append(changes, from.String()+"->"+to.String())
	})
	_ = cb.Execute(context.Background(), failing)
	if len(changes) != 1 || changes[0] != "closed->open" {
		t.Errorf("unexpected changes %v", changes)
	}
	cb.Reset()
	if cb.State() != CircuitClosed || cb.Failures() != 0 {
		t.Errorf("Reset did not close the circuit")
	}
}

func TestBreakerSet_PerKey(t *testing.T) {
	set := NewBreakerSet(CircuitBreakerConfig{Threshold: 1, ResetAfter: time.Minute})
	a := set.Get("a.example")
	if set.Get("a.example") != a {
		t.Fatal("expected the same breaker for the same key")
	}
	_ = a.Execute(context.Background(), failing)
	if set.Get("b.example").State() != CircuitClosed {
		t.Error("failure on one host opened another")
	}
	if open := set.Open(); len(open) != 1 || open[0] != "a.example" {
		t.Errorf("Open() = %v", open)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d: got %q, want %q", tt.state, got, tt.want)
		}
	}
}
