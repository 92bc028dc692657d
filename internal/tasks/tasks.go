// Package tasks holds the built-in task definitions. They exercise the
// step, cancellation and progress contract; their business logic is
// deliberately small.
package tasks

import (
	"net/http"
	"time"

	"github.com/chr1sbest/jobtrail/internal/resilience"
	"github.com/chr1sbest/jobtrail/internal/task"
)

// Deps are the collaborators the built-in tasks share.
type Deps struct {
	// HTTPClient is used by refresh-metadata. Defaults to a client with a
	// 10s timeout.
	HTTPClient *http.Client
	// Breakers guard upstream hosts across jobs.
	Breakers *resilience.BreakerSet
	// FetchPolicy is the retry policy for one URL fetch.
	FetchPolicy resilience.RetryPolicy
	// JobLogDir is the directory prune-logs cleans.
	JobLogDir string
	// Now is the clock for prune-logs.
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if d.Breakers == nil {
		d.Breakers = resilience.NewBreakerSet(resilience.DefaultCircuitBreakerConfig())
	}
	if d.FetchPolicy.Name == "" {
		d.FetchPolicy = resilience.FetchRetry
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Definitions returns every built-in task.
func Definitions(deps Deps) []task.Definition {
	deps = deps.withDefaults()
	return []task.Definition{
		Noop(),
		RefreshMetadata(deps),
		RecomputeAggregates(),
		NotifyFanout(),
		PruneLogs(deps),
		Replay(),
	}
}

// Register adds every built-in task to r.
func Register(r *task.Registry, deps Deps) error {
	for _, def := range Definitions(deps) {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
