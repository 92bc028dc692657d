package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memFlags struct {
	mu    sync.Mutex
	flags map[string]bool
	reads atomic.Int64
	err   error
}

func newMemFlags() *memFlags { return &memFlags{flags: map[string]bool{}} }

func (m *memFlags) set(id string) {
	m.mu.Lock()
	m.flags[id] = true
	m.mu.Unlock()
}

func (m *memFlags) CancellationRequested(_ context.Context, id string) (bool, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.flags[id], nil
}

func TestCheckBeforeAndAfterFlag(t *testing.T) {
	flags := newMemFlags()
	tok := NewToken(flags, "job-1")
	ctx := context.Background()

	if err := tok.Check(ctx); err != nil {
		t.Fatalf("expected nil before flag, got %v", err)
	}
	flags.set("job-1")
	err := tok.Check(ctx)
	ce, ok := IsCancelled(err)
	if !ok || ce.JobID != "job-1" {
		t.Fatalf("expected CancelledError for job-1, got %v", err)
	}
	select {
	case <-tok.Done():
	default:
		t.Errorf("Done should be closed after cancellation observed")
	}

	reads := flags.reads.Load()
	_ = tok.Check(ctx)
	if flags.reads.Load() != reads {
		t.Errorf("Check after observed cancellation should not read the store")
	}
}

func TestOtherJobFlagIgnored(t *testing.T) {
	flags := newMemFlags()
	flags.set("other")
	if err := NewToken(flags, "mine").Check(context.Background()); err != nil {
		t.Errorf("unexpected %v", err)
	}
}

func TestStoreErrorIsAdvisory(t *testing.T) {
	flags := newMemFlags()
	flags.err = errors.New("store offline")
	tok := NewToken(flags, "j")
	var reported error
	tok.OnError(func(err error) { reported = err })
	if err := tok.Check(context.Background()); err != nil {
		t.Fatalf("store error must not cancel, got %v", err)
	}
	if reported == nil {
		t.Errorf("expected store error to be reported")
	}
}

func TestWatchClosesDone(t *testing.T) {
	flags := newMemFlags()
	tok := NewToken(flags, "w")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tok.Watch(ctx, 5*time.Millisecond)

	flags.set("w")
	select {
	case <-tok.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not observe cancellation")
	}
	if !tok.Cancelled() {
		t.Errorf("Cancelled() should be true")
	}
}

func TestIsCancelledWrapped(t *testing.T) {
	err := fmt.Errorf("batch 3: %w", &CancelledError{JobID: "x"})
	if _, ok := IsCancelled(err); !ok {
		t.Errorf("expected wrapped CancelledError to be detected")
	}
	if _, ok := IsCancelled(errors.New("plain")); ok {
		t.Errorf("plain error is not a cancellation")
	}
	if _, ok := IsCancelled(nil); ok {
		t.Errorf("nil is not a cancellation")
	}
}
