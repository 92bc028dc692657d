package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chr1sbest/jobtrail/internal/queue"
	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/store"
	"github.com/chr1sbest/jobtrail/internal/task"
)

// JobView is what callers see of a job: the persisted record once it
// finished, otherwise the queue state plus the latest progress snapshot.
type JobView struct {
	ID          string          `json:"id"`
	TaskName    task.Name       `json:"taskName"`
	TriggeredBy string          `json:"triggeredBy"`
	State       queue.State     `json:"state"`
	Status      store.Status    `json:"status,omitempty"`
	Result      task.Outcome    `json:"result,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	DurationMs  int64           `json:"durationMs"`
	Error       string          `json:"error,omitempty"`
	StepTree    []steps.Step    `json:"stepTree"`
	LogLines    []string        `json:"logLines,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Live        bool            `json:"live"`
	UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
	Cancelling  bool            `json:"cancelling,omitempty"`
}

// GetJob returns the persisted record of a finished job, or a live view of
// one still queued or running.
func (e *Engine) GetJob(ctx context.Context, id string) (JobView, error) {
	rec, err := e.store.Get(ctx, id)
	switch {
	case err == nil:
		return recordView(rec), nil
	case !errors.Is(err, store.ErrNotFound):
		return JobView{}, err
	}

	j, err := e.queue.Get(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return JobView{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return JobView{}, err
	}
	return e.liveView(ctx, j)
}

func (e *Engine) liveView(ctx context.Context, j queue.Job) (JobView, error) {
	v := JobView{
		ID:          j.ID,
		TaskName:    j.TaskName,
		TriggeredBy: j.TriggeredBy,
		State:       j.State,
		EnqueuedAt:  j.EnqueuedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		Error:       j.Error,
		Payload:     j.Payload,
		Live:        !j.State.Terminal(),
		StepTree:    []steps.Step{},
	}
	now := time.Now()
	if j.StartedAt != nil {
		end := now
		if j.FinishedAt != nil {
			end = *j.FinishedAt
		}
		v.DurationMs = end.Sub(*j.StartedAt).Milliseconds()
	}
	if !v.Live {
		return v, nil
	}
	p, ok, err := e.queue.LatestProgress(ctx, j.ID)
	if err != nil {
		return JobView{}, err
	}
	if ok {
		v.StepTree = stepsOrEmpty(p.Steps)
		updated := p.UpdatedAt
		v.UpdatedAt = &updated
	}
	if c, err := e.queue.CancellationRequested(ctx, j.ID); err == nil {
		v.Cancelling = c
	}
	return v, nil
}

func recordView(rec store.Record) JobView {
	started, finished := rec.StartedAt, rec.FinishedAt
	v := JobView{
		ID:          rec.ID,
		TaskName:    rec.TaskName,
		TriggeredBy: rec.TriggeredBy,
		State:       stateFor(rec.Result),
		Status:      rec.Status,
		Result:      rec.Result,
		EnqueuedAt:  rec.EnqueuedAt,
		FinishedAt:  &finished,
		DurationMs:  rec.Duration().Milliseconds(),
		Error:       rec.Error,
		StepTree:    stepsOrEmpty(rec.StepTree),
		LogLines:    rec.LogLines,
		Payload:     rec.Payload,
	}
	if !started.IsZero() {
		v.StartedAt = &started
	}
	return v
}

func stateFor(o task.Outcome) queue.State {
	switch o {
	case task.OutcomeSuccess:
		return queue.StateCompleted
	case task.OutcomeCancelled:
		return queue.StateCancelled
	default:
		return queue.StateFailed
	}
}

// ListOptions filters ListJobs.
type ListOptions struct {
	TaskName task.Name
	State    queue.State
	Limit    int
}

// JobSummary is one row of ListJobs.
type JobSummary struct {
	ID          string       `json:"id"`
	TaskName    task.Name    `json:"taskName"`
	TriggeredBy string       `json:"triggeredBy"`
	State       queue.State  `json:"state"`
	Result      task.Outcome `json:"result,omitempty"`
	EnqueuedAt  time.Time    `json:"enqueuedAt"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// DefaultListLimit caps ListJobs when no limit is given.
const DefaultListLimit = 50

// ListJobs lists jobs newest first.
func (e *Engine) ListJobs(ctx context.Context, opts ListOptions) ([]JobSummary, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	// Filter by task here; the queue only filters by state.
	qopts := queue.ListOptions{State: opts.State}
	if opts.TaskName == "" {
		qopts.Limit = opts.Limit
	}
	jobs, err := e.queue.List(ctx, qopts)
	if err != nil {
		return nil, err
	}
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		if opts.TaskName != "" && j.TaskName != opts.TaskName {
			continue
		}
		s := JobSummary{
			ID:          j.ID,
			TaskName:    j.TaskName,
			TriggeredBy: j.TriggeredBy,
			State:       j.State,
			EnqueuedAt:  j.EnqueuedAt,
			FinishedAt:  j.FinishedAt,
			Error:       j.Error,
		}
		if j.State.Terminal() {
			s.Result = outcomeFor(j.State)
		}
		out = append(out, s)
		if len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func outcomeFor(s queue.State) task.Outcome {
	switch s {
	case queue.StateCompleted:
		return task.OutcomeSuccess
	case queue.StateCancelled:
		return task.OutcomeCancelled
	default:
		return task.OutcomeFailed
	}
}
