package queue

import (
	"encoding/json"
	"time"

	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/task"
)

// State is the lifecycle state of a queued job.
type State string

const (
	StateEnqueued  State = "enqueued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// canTransition encodes enqueued -> active -> {completed, failed, cancelled}.
// A job that never started may also be failed directly (crash recovery).
func canTransition(from, to State) bool {
	switch from {
	case StateEnqueued:
		return to == StateActive || to == StateFailed
	case StateActive:
		return to.Terminal()
	}
	return false
}

// Job is the queue's view of one job.
type Job struct {
	ID          string          `json:"id"`
	Seq         uint64          `json:"seq"`
	TaskName    task.Name       `json:"taskName"`
	Payload     json.RawMessage `json:"payload"`
	TriggeredBy string          `json:"triggeredBy"`
	State       State           `json:"state"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Data returns the immutable request the job was enqueued with.
func (j Job) Data() task.JobData {
	return task.JobData{TaskName: j.TaskName, Payload: j.Payload, TriggeredBy: j.TriggeredBy}
}

// Progress is a best-effort snapshot of a running job.
type Progress struct {
	JobID     string       `json:"jobId"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Steps     []steps.Step `json:"steps"`
	Line      string       `json:"line,omitempty"`
}
