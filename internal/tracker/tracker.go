// Package tracker keeps the worker's on-disk state under the data directory:
// the process lock, the live status file and cumulative metrics.
package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WorkerState is what the worker is doing right now.
type WorkerState string

const (
	WorkerIdle     WorkerState = "idle"
	WorkerRunning  WorkerState = "running"
	WorkerStopping WorkerState = "stopping"
	WorkerStopped  WorkerState = "stopped"
)

// Status is rewritten on every job boundary so operators can see what the
// worker is doing without talking to it.
type Status struct {
	Timestamp   time.Time   `json:"timestamp"`
	WorkerID    string      `json:"worker_id"`
	PID         int         `json:"pid"`
	State       WorkerState `json:"state"`
	CurrentJob  string      `json:"current_job,omitempty"`
	CurrentTask string      `json:"current_task,omitempty"`
	JobStarted  *time.Time  `json:"job_started,omitempty"`
	Processed   int         `json:"processed"`
	LastError   string      `json:"last_error,omitempty"`
}

type Writer struct {
	Dir         string
	StatusPath  string
	LockPath    string
	MetricsPath string
}

func NewWriter(dir string) *Writer {
	return &Writer{
		Dir:         dir,
		StatusPath:  filepath.Join(dir, "worker_status.json"),
		LockPath:    filepath.Join(dir, ".jobtrail_lock"),
		MetricsPath: filepath.Join(dir, "worker_metrics.json"),
	}
}

func (w *Writer) WriteStatus(s Status) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return err
	}
	return WriteJSONAtomic(w.StatusPath, s)
}

// LoadStatus returns nil when no status was written yet.
func (w *Writer) LoadStatus() (*Status, error) {
	b, err := os.ReadFile(w.StatusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var s Status
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, nil
	}
	return &s, nil
}

// WriteJSONAtomic writes v as indented JSON through a temp file, fsync and
// rename, so readers never see a torn file.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
