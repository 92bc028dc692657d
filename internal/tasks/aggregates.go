package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/task"
)

const aggregatesSchema = `{
	"type": "object",
	"properties": {
		"batches": {"type": "integer", "minimum": 1, "maximum": 10000, "default": 5},
		"batchSize": {"type": "integer", "minimum": 1, "default": 100},
		"delayMs": {
			"type": "integer",
			"minimum": 0,
			"maximum": 60000,
			"default": 0,
			"description": "simulated work per batch"
		}
	},
	"additionalProperties": false
}`

// AggregatesConfig is the recompute-aggregates payload.
type AggregatesConfig struct {
	Batches   int `json:"batches"`
	BatchSize int `json:"batchSize"`
	DelayMs   int `json:"delayMs"`
}

// RecomputeAggregates walks the data set in batches, checking for
// cancellation between batches.
func RecomputeAggregates() task.Definition {
	return task.Definition{
		Name:        task.NameRecomputeAggregates,
		Description: "Recomputes aggregates batch by batch. Cancellable between batches.",
		Schema:      task.MustCompileSchema(string(task.NameRecomputeAggregates), aggregatesSchema),
		Handler:     recomputeAggregates,
	}
}

func recomputeAggregates(ctx context.Context, tc *task.Context) error {
	cfg := AggregatesConfig{Batches: 5, BatchSize: 100}
	if err := tc.Decode(&cfg); err != nil {
		return fmt.Errorf("failed to parse recompute-aggregates payload: %w", err)
	}
	delay := time.Duration(cfg.DelayMs) * time.Millisecond

	parent := tc.Steps.Start("recompute")
	processed := 0
	for i := 1; i <= cfg.Batches; i++ {
		if err := tc.CheckCancelled(ctx); err != nil {
			_ = parent.End(steps.StatusSkipped, steps.EndOptions{Metrics: steps.Metrics{
				"records processed": processed,
				"batches done":      i - 1,
				"reason":            "cancelled",
			}})
			return err
		}

		batch := parent.Child(fmt.Sprintf("batch %d", i))
		if delay > 0 {
			select {
			case <-ctx.Done():
				_ = batch.Fail(ctx.Err())
				_ = parent.Fail(ctx.Err())
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		processed += cfg.BatchSize
		parent.IncMetric("records processed", float64(cfg.BatchSize))
		_ = batch.Complete(steps.Metrics{"records processed": cfg.BatchSize})
		tc.Progress()
	}
	return parent.Complete(steps.Metrics{"batches done": cfg.Batches})
}
