package steps

import (
	"fmt"
	"sync"
	"time"
)

const noParent = -1

// StepMisuseError is returned when a step handle is used incorrectly, for
// example ended twice.
type StepMisuseError struct {
	Step   string
	Reason string
}

func (e *StepMisuseError) Error() string {
	return fmt.Sprintf("step %q: %s", e.Step, e.Reason)
}

type node struct {
	name     string
	parent   int
	start    time.Time
	end      time.Time
	ended    bool
	status   Status
	err      string
	metrics  Metrics
	children []int // start order
	finished []int // end order
}

// Tracker records the step tree of one job. Nodes live in an arena and are
// referenced by index. All mutations go through mu, so handles may be used
// from several goroutines of the same handler.
type Tracker struct {
	mu       sync.Mutex
	nodes    []node
	roots    []int
	finished []int
	now      func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Handle refers to one step in a tracker.
type Handle struct {
	t  *Tracker
	id int
}

// EndOptions carries the optional error text and metrics for End.
type EndOptions struct {
	Error   string
	Metrics Metrics
}

// Start opens a root-level step.
func (t *Tracker) Start(name string) *Handle {
	return t.open(name, noParent)
}

// Child opens a step nested under h. The child may outlive h; it is still
// attached to h when it ends.
func (h *Handle) Child(name string) *Handle {
	return h.t.open(name, h.id)
}

func (t *Tracker) open(name string, parent int) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := len(t.nodes)
	t.nodes = append(t.nodes, node{
		name:    name,
		parent:  parent,
		start:   t.now(),
		metrics: Metrics{},
	})
	if parent == noParent {
		t.roots = append(t.roots, id)
	} else {
		t.nodes[parent].children = append(t.nodes[parent].children, id)
	}
	return &Handle{t: t, id: id}
}

// Name returns the step name.
func (h *Handle) Name() string {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.t.nodes[h.id].name
}

// AddMetric sets a metric on the step. Metrics added after End are ignored.
func (h *Handle) AddMetric(key string, value any) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	n := &h.t.nodes[h.id]
	if n.ended {
		return
	}
	n.metrics[key] = NormalizeMetric(value)
}

// IncMetric adds delta to a numeric metric, starting from zero.
func (h *Handle) IncMetric(key string, delta float64) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	n := &h.t.nodes[h.id]
	if n.ended {
		return
	}
	cur, _ := n.metrics[key].(float64)
	n.metrics[key] = cur + delta
}

// RecordError notes an error on an open step without ending it. The text is
// used as the step error if End is later called without one.
func (h *Handle) RecordError(err error) {
	if err == nil {
		return
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	n := &h.t.nodes[h.id]
	if n.ended {
		return
	}
	if n.err == "" {
		n.err = err.Error()
	} else {
		n.err += "; " + err.Error()
	}
}

// End closes the step with a terminal status. Ending a step twice, failing
// it without an error, or marking it partial when none of its descendants
// failed returns a *StepMisuseError and leaves the step unchanged.
func (h *Handle) End(status Status, opts EndOptions) error {
	t := h.t
	t.mu.Lock()
	defer t.mu.Unlock()

	n := &t.nodes[h.id]
	if n.ended {
		return &StepMisuseError{Step: n.name, Reason: "ended twice"}
	}
	if !status.Terminal() {
		return &StepMisuseError{Step: n.name, Reason: fmt.Sprintf("invalid status %q", status)}
	}
	errText := opts.Error
	if errText == "" {
		errText = n.err
	}
	if status == StatusFailed && errText == "" {
		return &StepMisuseError{Step: n.name, Reason: "failed without an error"}
	}
	if status == StatusPartial && !t.failedBelow(h.id) {
		return &StepMisuseError{Step: n.name, Reason: "partial without a failed child step"}
	}

	n.ended = true
	n.end = t.now()
	n.status = status
	if status == StatusCompleted || status == StatusSkipped {
		// Errors recorded on a step that still completed are kept only when
		// passed explicitly.
		errText = opts.Error
	}
	n.err = errText
	for k, v := range opts.Metrics {
		n.metrics[k] = NormalizeMetric(v)
	}
	if n.parent == noParent {
		t.finished = append(t.finished, h.id)
	} else {
		t.nodes[n.parent].finished = append(t.nodes[n.parent].finished, h.id)
	}
	return nil
}

// Complete ends the step as completed with optional metrics.
func (h *Handle) Complete(metrics Metrics) error {
	return h.End(StatusCompleted, EndOptions{Metrics: metrics})
}

// Fail ends the step as failed with err's text.
func (h *Handle) Fail(err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return h.End(StatusFailed, EndOptions{Error: msg})
}

// Skip ends the step as skipped, keeping the reason as a metric.
func (h *Handle) Skip(reason string) error {
	var m Metrics
	if reason != "" {
		m = Metrics{"reason": reason}
	}
	return h.End(StatusSkipped, EndOptions{Metrics: m})
}

// Ended reports whether End succeeded on this handle.
func (h *Handle) Ended() bool {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.t.nodes[h.id].ended
}

func (t *Tracker) failedBelow(id int) bool {
	for _, c := range t.nodes[id].children {
		cn := &t.nodes[c]
		if (cn.ended && cn.status == StatusFailed) || t.failedBelow(c) {
			return true
		}
	}
	return false
}

// Tree returns the finished steps, children in the order they ended.
// Steps that never ended are left out. The result is never nil.
func (t *Tracker) Tree() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, 0, len(t.finished))
	for _, id := range t.finished {
		out = append(out, t.build(id, false))
	}
	return out
}

// Snapshot returns every step, including open ones, which carry
// StatusRunning and no duration. Finished children come first in end
// order, followed by open children in start order.
func (t *Tracker) Snapshot() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, 0, len(t.roots))
	for _, id := range t.finished {
		out = append(out, t.build(id, true))
	}
	for _, id := range t.roots {
		if !t.nodes[id].ended {
			out = append(out, t.build(id, true))
		}
	}
	return out
}

// Len returns the number of steps opened so far.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// Open returns the names of steps that have not ended.
func (t *Tracker) Open() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var names []string
	for _, n := range t.nodes {
		if !n.ended {
			names = append(names, n.name)
		}
	}
	return names
}

// CloseOpen ends every step that is still open, innermost first, so a job
// that stopped early still leaves them in the persisted tree. It returns
// how many steps were closed.
func (t *Tracker) CloseOpen(status Status, errText string) int {
	t.mu.Lock()
	var open []int
	for id := len(t.nodes) - 1; id >= 0; id-- {
		if !t.nodes[id].ended {
			open = append(open, id)
		}
	}
	t.mu.Unlock()

	closed := 0
	for _, id := range open {
		h := &Handle{t: t, id: id}
		var err error
		switch status {
		case StatusFailed:
			err = h.End(StatusFailed, EndOptions{Error: errText})
		default:
			err = h.End(StatusSkipped, EndOptions{Metrics: Metrics{"reason": errText}})
		}
		if err == nil {
			closed++
		}
	}
	return closed
}

func (t *Tracker) build(id int, includeOpen bool) Step {
	n := &t.nodes[id]
	s := Step{
		Name:    n.name,
		Status:  n.status,
		Error:   n.err,
		Metrics: make(Metrics, len(n.metrics)),
	}
	for k, v := range n.metrics {
		s.Metrics[k] = v
	}
	if n.ended {
		d := n.end.Sub(n.start).Milliseconds()
		s.DurationMs = &d
	} else {
		s.Status = StatusRunning
	}
	for _, c := range n.finished {
		s.Children = append(s.Children, t.build(c, includeOpen))
	}
	if includeOpen {
		for _, c := range n.children {
			if !t.nodes[c].ended {
				s.Children = append(s.Children, t.build(c, includeOpen))
			}
		}
	}
	return s
}
