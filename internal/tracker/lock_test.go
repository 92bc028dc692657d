package tracker

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"
)

func TestAcquireLockBlocksSecondAcquire(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	release, err := w.AcquireLock("worker-a")
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	defer func() { _ = release() }()

	if _, err := w.AcquireLock("worker-b"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	if err := release(); err != nil {
		t.Fatalf("release error: %v", err)
	}

	release2, err := w.AcquireLock("worker-c")
	if err != nil {
		t.Fatalf("expected AcquireLock after release to succeed, got: %v", err)
	}
	_ = release2()
}

func TestAcquireLockReplacesStaleLock(t *testing.T) {
	w := NewWriter(t.TempDir())
	// pid far above any real pid on the test host
	stale, _ := json.Marshal(Lock{PID: 1 << 22, StartedAt: time.Now(), WorkerID: "dead"})
	if err := os.WriteFile(w.LockPath, stale, 0644); err != nil {
		t.Fatal(err)
	}
	release, err := w.AcquireLock("alive")
	if err != nil {
		t.Fatalf("stale lock not replaced: %v", err)
	}
	_ = release()
}

func TestReadLockAndReleaseAfterTakeover(t *testing.T) {
	w := NewWriter(t.TempDir())
	if l, err := w.ReadLock(); err != nil || l != nil {
		t.Fatalf("ReadLock on empty dir = %v, %v", l, err)
	}

	release, err := w.AcquireLock("first")
	if err != nil {
		t.Fatal(err)
	}
	l, err := w.ReadLock()
	if err != nil || l == nil || l.WorkerID != "first" || l.PID != os.Getpid() {
		t.Fatalf("ReadLock = %+v, %v", l, err)
	}

	// someone else owns the file now; the old release must not remove it
	other, _ := json.Marshal(Lock{PID: os.Getpid() + 1, WorkerID: "second"})
	if err := os.WriteFile(w.LockPath, other, 0644); err != nil {
		t.Fatal(err)
	}
	if err := release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(w.LockPath); err != nil {
		t.Errorf("release removed a lock it does not own: %v", err)
	}
}

func TestAcquireLockRejectsGarbage(t *testing.T) {
	w := NewWriter(t.TempDir())
	if err := os.WriteFile(w.LockPath, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AcquireLock("x"); !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}
}
