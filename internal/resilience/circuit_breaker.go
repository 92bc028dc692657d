package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // requests flow through
	CircuitOpen                         // failures exceeded threshold, requests blocked
	CircuitHalfOpen                     // one probe allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	Threshold  int           // consecutive failures before opening
	ResetAfter time.Duration // time in open state before a probe
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:  3,
		ResetAfter: 30 * time.Second,
	}
}

// CircuitBreaker stops calling an upstream after repeated failures.
// Only transient failures count; a 404 says nothing about the host's health.
type CircuitBreaker struct {
	mu            sync.Mutex
	config        CircuitBreakerConfig
	state         CircuitState
	failures      int
	openedAt      time.Time
	now           func() time.Time
	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultCircuitBreakerConfig().Threshold
	}
	return &CircuitBreaker{
		config: cfg,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// OnStateChange sets a callback for state changes. It runs synchronously
// with the breaker unlocked.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	var from, to CircuitState
	changed := false
	allowed := true
	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.ResetAfter {
			from, to, changed = cb.state, CircuitHalfOpen, true
			cb.state = CircuitHalfOpen
		} else {
			allowed = false
		}
	}
	fn := cb.onStateChange
	cb.mu.Unlock()
	if changed && fn != nil {
		fn(from, to)
	}
	return allowed
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err == nil:
		cb.failures = 0
		cb.state = CircuitClosed
	case IsPermanentError(err):
		// the upstream answered; leave the count alone
	default:
		cb.failures++
		if cb.state == CircuitHalfOpen || cb.failures >= cb.config.Threshold {
			cb.state = CircuitOpen
			cb.openedAt = cb.now()
		}
	}
	to := cb.state
	fn := cb.onStateChange
	cb.mu.Unlock()
	if from != to && fn != nil {
		fn(from, to)
	}
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.openedAt = time.Time{}
	cb.state = CircuitClosed
	cb.mu.Unlock()
}

// BreakerSet hands out one breaker per key (an upstream host).
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewBreakerSet creates breakers on demand with cfg.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		config:   cfg,
		now:      time.Now,
	}
}

// Get retrieves or creates the breaker for key.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(s.config)
	cb.now = s.now
	s.breakers[key] = cb
	return cb
}

// Open lists keys whose breaker is currently open.
func (s *BreakerSet) Open() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, cb := range s.breakers {
		if cb.State() == CircuitOpen {
			out = append(out, k)
		}
	}
	return out
}
