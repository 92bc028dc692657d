// Package task defines the contract between the worker and task handlers:
// the closed set of task names, registered definitions, the context a
// handler runs with and the result it produces.
package task

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/chr1sbest/jobtrail/internal/cancel"
	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/steps"
)

// Name identifies a task. The full set is known at compile time.
type Name string

const (
	NameNoop                Name = "noop"
	NameRefreshMetadata     Name = "refresh-metadata"
	NameRecomputeAggregates Name = "recompute-aggregates"
	NameNotifyFanout        Name = "notify-fanout"
	NamePruneLogs           Name = "prune-logs"
	NameReplay              Name = "replay"
)

// Names lists every task name.
func Names() []Name {
	return []Name{
		NameNoop,
		NameRefreshMetadata,
		NameRecomputeAggregates,
		NameNotifyFanout,
		NamePruneLogs,
		NameReplay,
	}
}

// Valid reports whether n is one of the known task names.
func (n Name) Valid() bool {
	switch n {
	case NameNoop, NameRefreshMetadata, NameRecomputeAggregates, NameNotifyFanout, NamePruneLogs, NameReplay:
		return true
	}
	return false
}

// JobData is what a caller enqueues. It is immutable once accepted.
type JobData struct {
	TaskName    Name            `json:"taskName"`
	Payload     json.RawMessage `json:"payload"`
	TriggeredBy string          `json:"triggeredBy"`
}

// Handler runs one job. Returning an error wrapping *cancel.CancelledError
// records the job as cancelled; any other error fails it.
type Handler func(ctx context.Context, tc *Context) error

// Context bundles what a handler needs for one job.
type Context struct {
	JobID       string
	TaskName    Name
	Data        json.RawMessage
	TriggeredBy string
	Steps       *steps.Tracker
	Log         logger.Logger
	Token       *cancel.Token

	// OnProgress is called by Progress; the worker wires it to the
	// progress reporter.
	OnProgress func()
}

// CheckCancelled is the cancellation checkpoint. Call it between batches or
// major steps, not in tight loops.
func (c *Context) CheckCancelled(ctx context.Context) error {
	if c.Token == nil {
		return nil
	}
	return c.Token.Check(ctx)
}

// Progress asks for a progress snapshot to be published. It never blocks.
func (c *Context) Progress() {
	if c.OnProgress != nil {
		c.OnProgress()
	}
}

// Decode unmarshals the payload into v. An empty payload leaves v unchanged.
func (c *Context) Decode(v any) error {
	if len(bytes.TrimSpace(c.Data)) == 0 {
		return nil
	}
	return json.Unmarshal(c.Data, v)
}

// Outcome is the result classification of one job run.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Result is produced once per job.
type Result struct {
	Result   Outcome      `json:"result"`
	StepTree []steps.Step `json:"stepTree,omitempty"`
	Error    string       `json:"error,omitempty"`
}
