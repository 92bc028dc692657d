// Package worker runs queued jobs one at a time. It owns each job from
// dequeue until its record is persisted and the queue is told the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chr1sbest/jobtrail/internal/cancel"
	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/progress"
	"github.com/chr1sbest/jobtrail/internal/queue"
	"github.com/chr1sbest/jobtrail/internal/resilience"
	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/store"
	"github.com/chr1sbest/jobtrail/internal/task"
	"github.com/chr1sbest/jobtrail/internal/tracker"
)

// ErrAlreadyRunning is returned by Run when another Run is in progress.
var ErrAlreadyRunning = errors.New("worker already running")

const recoveredError = "worker restarted while job was active"

// Queue is what the worker needs from the job queue.
type Queue interface {
	Dequeue(ctx context.Context) (queue.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason string) error
	Cancel(ctx context.Context, id string) error
	Recover(ctx context.Context) ([]queue.Job, error)
	cancel.FlagStore
	progress.Publisher
}

// Options tunes a worker. Zero values pick defaults.
type Options struct {
	WorkerID           string
	JobLogDir          string // one append log per job; empty disables
	JobLogLines        int    // lines kept in the persisted record
	ProgressInterval   time.Duration
	CancelPollInterval time.Duration
	ErrorBackoff       time.Duration // pause after a failing Dequeue
	PersistPolicy      resilience.RetryPolicy
	// State writes the lock, status and metrics files; nil disables them.
	State *tracker.Writer
}

// Stats counts jobs processed by this worker since it started.
type Stats struct {
	Processed  int    `json:"processed"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
	Recovered  int    `json:"recovered"`
	CurrentJob string `json:"currentJob,omitempty"`
}

// Worker processes jobs strictly one after another.
type Worker struct {
	q        Queue
	registry *task.Registry
	store    store.Store
	log      *logger.SinkLogger
	opts     Options

	progressInterval atomic.Int64
	running          atomic.Bool

	mu    sync.Mutex
	stats Stats

	now func() time.Time
}

// New creates a worker.
func New(q Queue, registry *task.Registry, st store.Store, log *logger.SinkLogger, opts Options) *Worker {
	if log == nil {
		log = logger.New(logger.LevelError)
	}
	if opts.WorkerID == "" {
		opts.WorkerID = tracker.NewWorkerID()
	}
	if opts.JobLogLines <= 0 {
		opts.JobLogLines = 500
	}
	if opts.CancelPollInterval <= 0 {
		opts.CancelPollInterval = 500 * time.Millisecond
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	if opts.PersistPolicy.Name == "" {
		opts.PersistPolicy = resilience.PersistRetry
	}
	w := &Worker{
		q:        q,
		registry: registry,
		store:    st,
		log:      log,
		opts:     opts,
		now:      time.Now,
	}
	w.progressInterval.Store(int64(opts.ProgressInterval))
	return w
}

// SetProgressInterval changes the snapshot interval for jobs started after
// the call (hot reload).
func (w *Worker) SetProgressInterval(d time.Duration) {
	w.progressInterval.Store(int64(d))
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.opts.WorkerID }

// Stats returns a copy of the counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run recovers jobs left active by a previous process, then processes jobs
// until ctx is done or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.running.Store(false)

	if w.opts.State != nil {
		release, err := w.opts.State.AcquireLock(w.opts.WorkerID)
		if err != nil {
			return err
		}
		defer func() { _ = release() }()
	}

	if err := w.recover(ctx); err != nil {
		w.log.Error("crash recovery failed", logger.F("error", err))
	}

	w.log.Info("worker started", logger.F("worker", w.opts.WorkerID))
	defer func() {
		w.writeStatus(tracker.WorkerStopped, nil, nil)
		w.log.Info("worker stopped", logger.F("worker", w.opts.WorkerID))
	}()

	for {
		w.writeStatus(tracker.WorkerIdle, nil, nil)
		job, err := w.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			w.log.Error("dequeue failed", logger.F("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.ErrorBackoff):
			}
			continue
		}

		if _, err := w.Process(ctx, job); err != nil {
			w.log.Warn("job failed", logger.F("job", job.ID), logger.F("task", job.TaskName), logger.F("error", err))
		}
	}
}

// recover persists a failed record for every job a crashed process left
// active. Those jobs are not re-run.
func (w *Worker) recover(ctx context.Context) error {
	jobs, err := w.q.Recover(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		rec := store.Record{
			ID:          j.ID,
			TaskName:    j.TaskName,
			Payload:     j.Payload,
			TriggeredBy: j.TriggeredBy,
			Result:      task.OutcomeFailed,
			EnqueuedAt:  j.EnqueuedAt,
			FinishedAt:  w.now(),
			Error:       recoveredError,
		}
		if j.StartedAt != nil {
			rec.StartedAt = *j.StartedAt
		}
		if err := w.persist(ctx, rec, w.log, nil); err != nil {
			w.log.Error("failed to persist recovered job", logger.F("job", j.ID), logger.F("error", err))
		}
		w.log.Warn("failed job left active by a previous worker", logger.F("job", j.ID), logger.F("task", j.TaskName))
	}
	w.mu.Lock()
	w.stats.Recovered += len(jobs)
	w.mu.Unlock()
	if w.opts.State != nil {
		w.opts.State.RecordRecovered(w.opts.WorkerID, len(jobs))
	}
	return nil
}

// Process runs one dequeued job to its terminal state. The record is always
// persisted. For failed jobs the handler's error is returned as well.
func (w *Worker) Process(ctx context.Context, job queue.Job) (task.Result, error) {
	started := w.now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	w.setCurrent(job.ID)
	defer w.setCurrent("")
	w.writeStatus(tracker.WorkerRunning, &job, &started)

	jobLog, mem, closeLog := w.jobLogger(job)
	defer closeLog()

	tr := steps.NewTracker()
	token := cancel.NewToken(w.q, job.ID)
	token.OnError(func(err error) {
		jobLog.Warn("cancellation check failed", logger.F("error", err))
	})

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go token.Watch(watchCtx, w.opts.CancelPollInterval)

	rep := progress.New(job.ID, w.q, tr, jobLog, time.Duration(w.progressInterval.Load()))
	rep.Start(watchCtx)

	data := job.Data()
	tc := &task.Context{
		JobID:       job.ID,
		TaskName:    data.TaskName,
		Data:        data.Payload,
		TriggeredBy: data.TriggeredBy,
		Steps:       tr,
		Log:         jobLog,
		Token:       token,
		OnProgress:  func() { rep.Report("") },
	}

	jobLog.Info("job started", logger.F("triggered_by", job.TriggeredBy))
	handlerErr := w.invoke(ctx, job, tc)
	result := classify(handlerErr)

	if n := closeOpenSteps(tr, result); n > 0 {
		jobLog.Warn("closed steps left open by the handler", logger.F("count", n))
	}
	rep.Stop()
	stopWatch()

	result.StepTree = tr.Tree()
	finished := w.now()
	jobLog.Info("job finished",
		logger.F("result", result.Result),
		logger.F("duration", finished.Sub(started).Round(time.Millisecond)),
		logger.F("steps", tr.Len()),
	)

	// Bookkeeping must survive shutdown of the run context.
	bg := context.WithoutCancel(ctx)

	rec := store.Record{
		ID:          job.ID,
		TaskName:    job.TaskName,
		Payload:     job.Payload,
		TriggeredBy: job.TriggeredBy,
		Result:      result.Result,
		EnqueuedAt:  job.EnqueuedAt,
		StartedAt:   started,
		FinishedAt:  finished,
		StepTree:    result.StepTree,
		Error:       result.Error,
	}
	if err := w.persist(bg, rec, jobLog, mem); err != nil {
		w.log.Error("failed to persist job record", logger.F("job", job.ID), logger.F("error", err))
	}

	var qerr error
	switch result.Result {
	case task.OutcomeSuccess:
		qerr = w.q.Complete(bg, job.ID)
	case task.OutcomeCancelled:
		qerr = w.q.Cancel(bg, job.ID)
	default:
		qerr = w.q.Fail(bg, job.ID, result.Error)
	}
	if qerr != nil {
		w.log.Error("failed to update queue state", logger.F("job", job.ID), logger.F("error", qerr))
	}

	w.count(result.Result)
	if w.opts.State != nil {
		w.opts.State.RecordJob(w.opts.WorkerID, tracker.JobDelta{
			JobID:    job.ID,
			TaskName: string(job.TaskName),
			Outcome:  string(result.Result),
			Duration: finished.Sub(started),
		})
	}

	if result.Result == task.OutcomeFailed {
		return result, handlerErr
	}
	return result, nil
}

// invoke resolves and runs the handler. A panic becomes an error.
func (w *Worker) invoke(ctx context.Context, job queue.Job, tc *task.Context) (err error) {
	def, err := w.registry.Resolve(job.TaskName)
	if err != nil {
		return err
	}
	// A job cancelled while it waited never starts.
	if err := tc.CheckCancelled(ctx); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			tc.Log.Error("task panicked", logger.F("panic", r), logger.F("stack", string(debug.Stack())))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return def.Handler(ctx, tc)
}

func classify(err error) task.Result {
	if err == nil {
		return task.Result{Result: task.OutcomeSuccess}
	}
	if _, ok := cancel.IsCancelled(err); ok {
		return task.Result{Result: task.OutcomeCancelled}
	}
	msg := err.Error()
	if msg == "" {
		msg = "task failed"
	}
	return task.Result{Result: task.OutcomeFailed, Error: msg}
}

// closeOpenSteps ends the steps a handler abandoned, so they still appear
// in the record: failed when the job failed, skipped otherwise.
func closeOpenSteps(tr *steps.Tracker, result task.Result) int {
	switch result.Result {
	case task.OutcomeFailed:
		return tr.CloseOpen(steps.StatusFailed, "job failed before the step ended: "+result.Error)
	case task.OutcomeCancelled:
		return tr.CloseOpen(steps.StatusSkipped, "job cancelled")
	default:
		return tr.CloseOpen(steps.StatusSkipped, "step never ended")
	}
}

// persist saves rec under the persist policy. When mem is set the record's
// log lines are refreshed before every attempt, so retry warnings are kept.
func (w *Worker) persist(ctx context.Context, rec store.Record, log logger.Logger, mem *logger.MemorySink) error {
	policy := w.opts.PersistPolicy.WithCallback(func(attempt int, err error, next time.Duration) {
		log.Warn("retrying job record save",
			logger.F("attempt", attempt),
			logger.F("error", err),
			logger.F("next", next),
		)
	})
	return policy.Execute(ctx, func(ctx context.Context) error {
		if mem != nil {
			rec.LogLines = mem.Lines()
		}
		return w.store.Save(ctx, rec)
	})
}

// jobLogger builds the per-job logger: captured lines for the record, the
// job's append log, then the global sinks. The job sinks keep info and above
// whatever the global level is.
func (w *Worker) jobLogger(job queue.Job) (logger.Logger, *logger.MemorySink, func()) {
	mem := logger.NewMemorySink(w.opts.JobLogLines)
	sinks := []logger.Sink{mem}
	closeFn := func() {}
	if w.opts.JobLogDir != "" {
		fs, err := logger.NewFileSink(filepath.Join(w.opts.JobLogDir, job.ID+".log"))
		if err != nil {
			w.log.Warn("job log file unavailable", logger.F("job", job.ID), logger.F("error", err))
		} else {
			sinks = append(sinks, fs)
			closeFn = func() { _ = fs.Close() }
		}
	}
	l := w.log.WithSinks(logger.LevelInfo, sinks...).WithFields(logger.F("job", job.ID), logger.F("task", job.TaskName))
	return l, mem, closeFn
}

func (w *Worker) setCurrent(id string) {
	w.mu.Lock()
	w.stats.CurrentJob = id
	w.mu.Unlock()
}

func (w *Worker) count(o task.Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Processed++
	switch o {
	case task.OutcomeSuccess:
		w.stats.Succeeded++
	case task.OutcomeCancelled:
		w.stats.Cancelled++
	default:
		w.stats.Failed++
	}
}

func (w *Worker) writeStatus(state tracker.WorkerState, job *queue.Job, started *time.Time) {
	if w.opts.State == nil {
		return
	}
	s := tracker.Status{
		Timestamp: w.now(),
		WorkerID:  w.opts.WorkerID,
		PID:       os.Getpid(),
		State:     state,
		Processed: w.Stats().Processed,
	}
	if job != nil {
		s.CurrentJob = job.ID
		s.CurrentTask = string(job.TaskName)
		s.JobStarted = started
	}
	_ = w.opts.State.WriteStatus(s)
}
