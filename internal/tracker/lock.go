package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Lock is the content of the lock file held by the one worker process that
// owns a data directory.
type Lock struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	WorkerID  string    `json:"worker_id"`
}

var ErrLockHeld = errors.New("worker lock is held")

// AcquireLock takes the data directory lock and returns its release func.
// A lock whose owner process is gone is taken over.
func (w *Writer) AcquireLock(workerID string) (func() error, error) {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return nil, err
	}
	mine := Lock{PID: os.Getpid(), StartedAt: time.Now(), WorkerID: workerID}

	// one takeover attempt; a second collision means a live competitor
	for attempt := 0; attempt < 2; attempt++ {
		err := writeExclusive(w.LockPath, mine)
		if err == nil {
			return w.releaser(mine.PID), nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		held, err := w.ReadLock()
		if err != nil || held == nil || held.PID <= 0 {
			return nil, fmt.Errorf("%w (unreadable lock file %s)", ErrLockHeld, w.LockPath)
		}
		if processAlive(held.PID) {
			return nil, fmt.Errorf("%w by pid %d (worker_id=%s, since %s)",
				ErrLockHeld, held.PID, held.WorkerID, held.StartedAt.Format(time.RFC3339))
		}
		if err := os.Remove(w.LockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w (lost takeover race)", ErrLockHeld)
}

// ReadLock returns the current lock holder, or nil when unlocked.
func (w *Writer) ReadLock() (*Lock, error) {
	b, err := os.ReadFile(w.LockPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// releaser removes the lock only while it still names pid, so a release
// after a takeover leaves the new owner alone.
func (w *Writer) releaser(pid int) func() error {
	return func() error {
		held, err := w.ReadLock()
		if err != nil {
			return err
		}
		if held == nil || held.PID != pid {
			return nil
		}
		return os.Remove(w.LockPath)
	}
}

func writeExclusive(path string, l Lock) error {
	data, err := json.MarshalIndent(l, "", "    ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}

func processAlive(pid int) bool {
	// signal 0 only checks existence
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
