// Package progress publishes best-effort snapshots of a running job's step
// tree. Nothing here can block or fail the handler.
package progress

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/queue"
	"github.com/chr1sbest/jobtrail/internal/steps"
)

// Publisher receives snapshots. The queue implements it.
type Publisher interface {
	PublishProgress(ctx context.Context, p queue.Progress) error
}

// Reporter owns the progress stream of one job. Only the newest pending
// snapshot is kept; older ones are dropped when the publisher falls behind.
type Reporter struct {
	jobID    string
	pub      Publisher
	steps    *steps.Tracker
	log      logger.Logger
	interval time.Duration
	now      func() time.Time

	pending  chan queue.Progress
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

// New creates a reporter. An interval of zero disables periodic snapshots;
// explicit Report calls still publish.
func New(jobID string, pub Publisher, tracker *steps.Tracker, log logger.Logger, interval time.Duration) *Reporter {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Reporter{
		jobID:    jobID,
		pub:      pub,
		steps:    tracker,
		log:      log,
		interval: interval,
		now:      time.Now,
		pending:  make(chan queue.Progress, 1),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Report queues a snapshot of the current tree, including open steps, and
// returns immediately.
func (r *Reporter) Report(line string) {
	snap := r.steps.Snapshot()
	open := r.steps.Open()
	p := queue.Progress{JobID: r.jobID, UpdatedAt: r.now(), Steps: snap, Line: line}

	fields := []logger.Field{logger.F("steps", countSteps(snap)), logger.F("open", len(open))}
	if len(open) > 0 {
		fields = append(fields, logger.F("current", strings.Join(open, " > ")))
	}
	msg := "progress"
	if line != "" {
		msg = "progress: " + line
	}
	r.log.Info(msg, fields...)

	r.offer(p)
}

func (r *Reporter) offer(p queue.Progress) {
	for {
		select {
		case r.pending <- p:
			return
		default:
		}
		select {
		case <-r.pending:
			r.dropped.Add(1)
		default:
		}
	}
}

// Start runs the publishing loop in the background until ctx is done or
// Stop is called.
func (r *Reporter) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.Run(ctx)
}

// Run publishes queued snapshots, and one every interval, until ctx is done
// or Stop is called. Whatever is pending at that point is flushed.
func (r *Reporter) Run(ctx context.Context) {
	r.started.Store(true)
	defer close(r.finished)

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case p := <-r.pending:
			r.publish(ctx, p)
		case <-tick:
			if len(r.steps.Open()) > 0 {
				r.Report("")
			}
		case <-r.stop:
			r.flush()
			return
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Reporter) flush() {
	select {
	case p := <-r.pending:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.publish(ctx, p)
	default:
	}
}

func (r *Reporter) publish(ctx context.Context, p queue.Progress) {
	if r.pub == nil {
		return
	}
	if err := r.pub.PublishProgress(ctx, p); err != nil {
		r.dropped.Add(1)
		r.log.Debug("progress publish failed", logger.F("error", err))
		return
	}
	r.sent.Add(1)
}

// Stop ends Run and waits for the final flush. On a reporter that was never
// started it returns at once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.finished
	}
}

// Sent is the number of snapshots the publisher accepted.
func (r *Reporter) Sent() int64 { return r.sent.Load() }

// Dropped is the number of snapshots superseded or rejected.
func (r *Reporter) Dropped() int64 { return r.dropped.Load() }

func countSteps(tree []steps.Step) int {
	n := 0
	steps.Walk(tree, func([]string, steps.Step) { n++ })
	return n
}
