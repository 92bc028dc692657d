// Package queue is the durable FIFO of job requests, backed by bbolt. It also
// holds the cancellation flags and the live progress channel.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/chr1sbest/jobtrail/internal/task"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a state change breaks the
	// lifecycle.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

var (
	bucketPending  = []byte("pending")
	bucketJobs     = []byte("jobs")
	bucketCancel   = []byte("cancel")
	bucketProgress = []byte("progress")
)

// Options configures a queue.
type Options struct {
	// PollInterval bounds how long Dequeue sleeps between store reads when
	// no enqueue notification arrives.
	PollInterval time.Duration
	// OpenTimeout is how long to wait for the bbolt file lock.
	OpenTimeout time.Duration
}

// Queue is a durable FIFO of jobs.
type Queue struct {
	db           *bolt.DB
	notify       chan struct{}
	pollInterval time.Duration
	now          func() time.Time

	subMu sync.RWMutex
	subs  map[string]map[chan Progress]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens (creating if needed) the queue database at path.
func Open(path string, opts Options) (*Queue, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 2 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPending, bucketJobs, bucketCancel, bucketProgress} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue buckets: %w", err)
	}
	return &Queue{
		db:           db,
		notify:       make(chan struct{}, 1),
		pollInterval: opts.PollInterval,
		now:          time.Now,
		subs:         make(map[string]map[chan Progress]struct{}),
		closed:       make(chan struct{}),
	}, nil
}

// Close releases the database.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		err = q.db.Close()
	})
	return err
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func getJob(tx *bolt.Tx, id string) (Job, error) {
	raw := tx.Bucket(bucketJobs).Get([]byte(id))
	if raw == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return Job{}, fmt.Errorf("corrupt job %s: %w", id, err)
	}
	return j, nil
}

func putJob(tx *bolt.Tx, j Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put([]byte(j.ID), raw)
}

// Enqueue appends a job request and returns its id. The payload is stored
// as given; validation happens before this call.
func (q *Queue) Enqueue(ctx context.Context, data task.JobData) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	job := Job{
		ID:          uuid.NewString(),
		TaskName:    data.TaskName,
		Payload:     data.Payload,
		TriggeredBy: data.TriggeredBy,
		State:       StateEnqueued,
		EnqueuedAt:  q.now(),
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		seq, err := pending.NextSequence()
		if err != nil {
			return err
		}
		job.Seq = seq
		if err := putJob(tx, job); err != nil {
			return err
		}
		return pending.Put(seqKey(seq), []byte(job.ID))
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return job.ID, nil
}

// Dequeue takes the oldest pending job and marks it active. It blocks until
// a job is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		job, ok, err := q.tryDequeue()
		if err != nil {
			return Job{}, err
		}
		if ok {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.closed:
			return Job{}, ErrClosed
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryDequeue() (Job, bool, error) {
	var job Job
	found := false
	err := q.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		for k, v := c.First(); k != nil; k, v = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			j, err := getJob(tx, string(v))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if j.State != StateEnqueued {
				continue
			}
			now := q.now()
			j.State = StateActive
			j.StartedAt = &now
			if err := putJob(tx, j); err != nil {
				return err
			}
			job = j
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return Job{}, false, fmt.Errorf("failed to dequeue job: %w", err)
	}
	return job, found, nil
}

// Complete marks an active job completed.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, StateCompleted, "")
}

// Fail marks a job failed with the error detail.
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	return q.finish(ctx, id, StateFailed, reason)
}

// Cancel marks an active job cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.finish(ctx, id, StateCancelled, "")
}

func (q *Queue) finish(ctx context.Context, id string, to State, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if !canTransition(j.State, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
		}
		now := q.now()
		j.State = to
		j.FinishedAt = &now
		j.Error = reason
		if err := putJob(tx, j); err != nil {
			return err
		}
		if err := tx.Bucket(bucketCancel).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketProgress).Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	q.closeSubscribers(id)
	return nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	var j Job
	err := q.db.View(func(tx *bolt.Tx) error {
		var err error
		j, err = getJob(tx, id)
		return err
	})
	return j, err
}

// ListOptions filters List.
type ListOptions struct {
	State State
	Limit int
}

// List returns jobs newest first.
func (q *Queue) List(ctx context.Context, opts ListOptions) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Job
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return nil
			}
			if opts.State != "" && j.State != opts.State {
				return nil
			}
			out = append(out, j)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Seq > out[k].Seq })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Pending returns how many jobs wait to be dequeued.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n, err
}

// RequestCancellation sets the advisory flag for a job. It is a no-op for
// jobs that already reached a terminal state.
func (q *Queue) RequestCancellation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if j.State.Terminal() {
			return nil
		}
		ts, _ := q.now().MarshalText()
		return tx.Bucket(bucketCancel).Put([]byte(id), ts)
	})
}

// CancellationRequested implements cancel.FlagStore with one key lookup.
func (q *Queue) CancellationRequested(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	requested := false
	err := q.db.View(func(tx *bolt.Tx) error {
		requested = tx.Bucket(bucketCancel).Get([]byte(id)) != nil
		return nil
	})
	return requested, err
}

// Recover fails jobs left active by a process that stopped mid-run. They
// are not re-run. The failed jobs are returned.
func (q *Queue) Recover(ctx context.Context) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var failed []Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		var stale []Job
		err := tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return nil
			}
			if j.State == StateActive {
				stale = append(stale, j)
			}
			return nil
		})
		if err != nil {
			return err
		}
		now := q.now()
		for _, j := range stale {
			j.State = StateFailed
			j.FinishedAt = &now
			j.Error = "worker restarted while job was active"
			if err := putJob(tx, j); err != nil {
				return err
			}
			_ = tx.Bucket(bucketProgress).Delete([]byte(j.ID))
			failed = append(failed, j)
		}
		return nil
	})
	return failed, err
}
