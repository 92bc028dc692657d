package steps

import (
	"fmt"
	"reflect"
)

// Status is the terminal classification of a step. StatusRunning only
// appears in progress snapshots, for steps that have not ended yet.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
	StatusSkipped   Status = "skipped"
	StatusRunning   Status = "running"
)

// Terminal reports whether s may be passed to End.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartial, StatusSkipped:
		return true
	}
	return false
}

// Metrics holds free-form counters. Values are float64 or string.
type Metrics map[string]any

// Step is one node of the execution report.
type Step struct {
	Name       string  `json:"name"`
	Status     Status  `json:"status"`
	DurationMs *int64  `json:"durationMs,omitempty"`
	Error      string  `json:"error,omitempty"`
	Metrics    Metrics `json:"metrics"`
	Children   []Step  `json:"children,omitempty"`
}

// Duration returns the recorded duration in milliseconds, or false for an
// open step.
func (s Step) Duration() (int64, bool) {
	if s.DurationMs == nil {
		return 0, false
	}
	return *s.DurationMs, true
}

// HasFailedDescendant reports whether any step below s ended failed.
func (s Step) HasFailedDescendant() bool {
	for _, c := range s.Children {
		if c.Status == StatusFailed || c.HasFailedDescendant() {
			return true
		}
	}
	return false
}

// Walk visits every step depth-first, parents before children.
func Walk(tree []Step, fn func(path []string, s Step)) {
	var walk func(prefix []string, list []Step)
	walk = func(prefix []string, list []Step) {
		for _, s := range list {
			path := append(append([]string(nil), prefix...), s.Name)
			fn(path, s)
			walk(path, s.Children)
		}
	}
	walk(nil, tree)
}

// Validate checks the report invariants: a failed step carries an error
// and a partial step has at least one failed descendant.
func Validate(tree []Step) error {
	var err error
	Walk(tree, func(path []string, s Step) {
		if err != nil {
			return
		}
		switch {
		case s.Status == StatusFailed && s.Error == "":
			err = fmt.Errorf("step %v: failed without error", path)
		case s.Status == StatusPartial && !s.HasFailedDescendant():
			err = fmt.Errorf("step %v: partial without a failed descendant", path)
		}
	})
	return err
}

// Equal reports structural equality of two trees.
func Equal(a, b []Step) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.Status != y.Status || x.Error != y.Error {
			return false
		}
		dx, okx := x.Duration()
		dy, oky := y.Duration()
		if okx != oky || dx != dy {
			return false
		}
		if len(x.Metrics) != len(y.Metrics) || (len(x.Metrics) > 0 && !reflect.DeepEqual(x.Metrics, y.Metrics)) {
			return false
		}
		if !Equal(x.Children, y.Children) {
			return false
		}
	}
	return true
}

// NormalizeMetric converts integer and float kinds to float64 so a value
// survives a JSON round trip unchanged. Strings pass through; anything else
// is stored as its fmt.Sprint form.
func NormalizeMetric(v any) any {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return fmt.Sprint(v)
	}
}
