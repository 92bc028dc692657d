package queue

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// PublishProgress stores the latest snapshot for an unfinished job and
// forwards it to subscribers. Slow subscribers miss updates rather than
// blocking the publisher.
func (q *Queue) PublishProgress(ctx context.Context, p Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, p.JobID)
		if err != nil {
			return err
		}
		if j.State.Terminal() {
			return nil
		}
		return tx.Bucket(bucketProgress).Put([]byte(p.JobID), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to store progress: %w", err)
	}

	q.subMu.RLock()
	for ch := range q.subs[p.JobID] {
		select {
		case ch <- p:
		default:
		}
	}
	q.subMu.RUnlock()
	return nil
}

// LatestProgress returns the last published snapshot of an unfinished job.
func (q *Queue) LatestProgress(ctx context.Context, id string) (Progress, bool, error) {
	if err := ctx.Err(); err != nil {
		return Progress{}, false, err
	}
	var p Progress
	found := false
	err := q.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketProgress).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &p)
	})
	return p, found, err
}

// Subscribe returns a channel of progress snapshots for a job. The channel
// is closed when the job finishes or unsubscribe is called.
func (q *Queue) Subscribe(id string) (<-chan Progress, func()) {
	ch := make(chan Progress, 16)
	q.subMu.Lock()
	set := q.subs[id]
	if set == nil {
		set = map[chan Progress]struct{}{}
		q.subs[id] = set
	}
	set[ch] = struct{}{}
	q.subMu.Unlock()

	unsubscribe := func() {
		q.subMu.Lock()
		defer q.subMu.Unlock()
		if set, ok := q.subs[id]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(q.subs, id)
			}
		}
	}
	return ch, unsubscribe
}

func (q *Queue) closeSubscribers(id string) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for ch := range q.subs[id] {
		close(ch)
	}
	delete(q.subs, id)
}
