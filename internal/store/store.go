// Package store persists finished job records for audit and dashboards.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/task"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("job record not found")

// Status is the persisted terminal classification. Cancelled jobs are
// recorded as completed with Result cancelled.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is written once when a job reaches a terminal state.
type Record struct {
	ID          string          `json:"id"`
	TaskName    task.Name       `json:"taskName"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TriggeredBy string          `json:"triggeredBy"`
	Status      Status          `json:"status"`
	Result      task.Outcome    `json:"result"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
	StepTree    []steps.Step    `json:"stepTree"`
	Error       string          `json:"error,omitempty"`
	LogLines    []string        `json:"logLines"`
}

// StatusFor maps a handler outcome onto the persisted status.
func StatusFor(o task.Outcome) Status {
	if o == task.OutcomeFailed {
		return StatusFailed
	}
	return StatusCompleted
}

// Duration is the wall-clock run time of the job.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// normalize makes the empty collections explicit so records always carry
// [] rather than null.
func (r *Record) normalize() {
	if r.StepTree == nil {
		r.StepTree = []steps.Step{}
	}
	if r.LogLines == nil {
		r.LogLines = []string{}
	}
	if r.Status == "" {
		r.Status = StatusFor(r.Result)
	}
}

// ListOptions filters List.
type ListOptions struct {
	TaskName task.Name
	Result   task.Outcome
	Limit    int
}

// Store is durable storage for job records. Save is idempotent by id:
// saving the same id again replaces the record.
type Store interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, opts ListOptions) ([]Record, error)
}
