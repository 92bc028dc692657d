package tracker

import (
	"encoding/json"
	"os"
	"time"
)

// WorkerMetrics accumulates over the life of a data directory.
type WorkerMetrics struct {
	StartedAt       time.Time      `json:"started_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Processed       int            `json:"processed"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	Cancelled       int            `json:"cancelled"`
	Recovered       int            `json:"recovered,omitempty"`
	TotalDurationMs int64          `json:"total_duration_ms"`
	ByTask          map[string]int `json:"by_task,omitempty"`
	LastJobID       string         `json:"last_job_id,omitempty"`
	LastWorkerID    string         `json:"last_worker_id,omitempty"`
}

// JobDelta is one finished job as seen by the metrics file.
type JobDelta struct {
	JobID    string
	TaskName string
	Outcome  string
	Duration time.Duration
}

func (w *Writer) LoadMetrics() (*WorkerMetrics, error) {
	b, err := os.ReadFile(w.MetricsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m WorkerMetrics
	if err := json.Unmarshal(b, &m); err != nil {
		// Corrupted metrics file: treat as no metrics.
		return nil, nil
	}
	return &m, nil
}

func (w *Writer) SaveMetrics(m *WorkerMetrics) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return err
	}
	return WriteJSONAtomic(w.MetricsPath, m)
}

func (w *Writer) LoadOrInitMetrics(workerID string) (*WorkerMetrics, error) {
	m, err := w.LoadMetrics()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if m == nil {
		m = &WorkerMetrics{StartedAt: now}
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = now
	}
	m.UpdatedAt = now
	m.LastWorkerID = workerID
	if err := w.SaveMetrics(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordJob folds one finished job into the metrics file. Failures are
// swallowed; metrics never fail a job.
func (w *Writer) RecordJob(workerID string, d JobDelta) *WorkerMetrics {
	m, err := w.LoadOrInitMetrics(workerID)
	if err != nil || m == nil {
		return nil
	}
	m.Processed++
	switch d.Outcome {
	case "success":
		m.Succeeded++
	case "cancelled":
		m.Cancelled++
	default:
		m.Failed++
	}
	m.TotalDurationMs += d.Duration.Milliseconds()
	if m.ByTask == nil {
		m.ByTask = map[string]int{}
	}
	m.ByTask[d.TaskName]++
	m.UpdatedAt = time.Now()
	m.LastJobID = d.JobID
	_ = w.SaveMetrics(m)
	return m
}

// RecordRecovered counts jobs failed by crash recovery.
func (w *Writer) RecordRecovered(workerID string, n int) {
	if n == 0 {
		return
	}
	m, err := w.LoadOrInitMetrics(workerID)
	if err != nil || m == nil {
		return
	}
	m.Recovered += n
	m.UpdatedAt = time.Now()
	_ = w.SaveMetrics(m)
}
