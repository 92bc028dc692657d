package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/task"
)

const replaySchema = `{
	"type": "object",
	"definitions": {
		"step": {
			"type": "object",
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"status": {"type": "string", "enum": ["completed", "failed", "partial", "skipped", "running"]},
				"error": {"type": "string"},
				"metrics": {"type": "object"},
				"delayMs": {"type": "integer", "minimum": 0, "maximum": 60000},
				"children": {"type": "array", "items": {"$ref": "#/definitions/step"}}
			},
			"required": ["name", "status"]
		}
	},
	"properties": {
		"steps": {"type": "array", "items": {"$ref": "#/definitions/step"}},
		"fail": {"type": "string", "description": "error returned after the plan ran"},
		"panic": {"type": "string"}
	},
	"required": ["steps"],
	"additionalProperties": false
}`

// PlannedStep is one node of a replay plan. Status running leaves the step
// open.
type PlannedStep struct {
	Name     string        `json:"name"`
	Status   steps.Status  `json:"status"`
	Error    string        `json:"error,omitempty"`
	Metrics  steps.Metrics `json:"metrics,omitempty"`
	DelayMs  int           `json:"delayMs,omitempty"`
	Children []PlannedStep `json:"children,omitempty"`
}

// ReplayConfig is the replay payload.
type ReplayConfig struct {
	Steps []PlannedStep `json:"steps"`
	Fail  string        `json:"fail,omitempty"`
	Panic string        `json:"panic,omitempty"`
}

// Replay follows a scripted step plan. It is hidden from task listings and
// used by operators and tests to produce a known tree.
func Replay() task.Definition {
	return task.Definition{
		Name:        task.NameReplay,
		Description: "Plays back a scripted step plan.",
		Schema:      task.MustCompileSchema(string(task.NameReplay), replaySchema),
		Visibility:  task.VisibilityHidden,
		Handler:     replay,
	}
}

func replay(ctx context.Context, tc *task.Context) error {
	var cfg ReplayConfig
	if err := tc.Decode(&cfg); err != nil {
		return fmt.Errorf("failed to parse replay payload: %w", err)
	}
	for _, ps := range cfg.Steps {
		if err := play(ctx, tc, tc.Steps.Start(ps.Name), ps); err != nil {
			return err
		}
	}
	if cfg.Panic != "" {
		panic(cfg.Panic)
	}
	if cfg.Fail != "" {
		return errors.New(cfg.Fail)
	}
	return nil
}

func play(ctx context.Context, tc *task.Context, h *steps.Handle, ps PlannedStep) error {
	if err := tc.CheckCancelled(ctx); err != nil {
		return err
	}
	for _, c := range ps.Children {
		if err := play(ctx, tc, h.Child(c.Name), c); err != nil {
			return err
		}
	}
	if ps.DelayMs > 0 {
		tc.Progress()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(ps.DelayMs) * time.Millisecond):
		}
	}
	if ps.Status == steps.StatusRunning {
		return nil
	}
	return h.End(ps.Status, steps.EndOptions{Error: ps.Error, Metrics: ps.Metrics})
}
