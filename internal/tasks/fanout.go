package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/task"
)

const fanoutSchema = `{
	"type": "object",
	"properties": {
		"recipients": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 1
		},
		"channel": {"type": "string", "enum": ["email", "push"], "default": "email"},
		"concurrency": {"type": "integer", "minimum": 1, "maximum": 64, "default": 4}
	},
	"required": ["recipients"],
	"additionalProperties": false
}`

// FanoutConfig is the notify-fanout payload.
type FanoutConfig struct {
	Recipients  []string `json:"recipients"`
	Channel     string   `json:"channel"`
	Concurrency int      `json:"concurrency"`
}

// errUndeliverable marks recipients that cannot be reached on a channel.
var errUndeliverable = errors.New("undeliverable recipient")

// NotifyFanout delivers one notification per recipient from a small pool of
// goroutines. Each delivery is its own child step.
func NotifyFanout() task.Definition {
	return task.Definition{
		Name:        task.NameNotifyFanout,
		Description: "Sends a notification to every recipient concurrently.",
		Schema:      task.MustCompileSchema(string(task.NameNotifyFanout), fanoutSchema),
		Handler:     notifyFanout,
	}
}

func notifyFanout(ctx context.Context, tc *task.Context) error {
	cfg := FanoutConfig{Channel: "email", Concurrency: 4}
	if err := tc.Decode(&cfg); err != nil {
		return fmt.Errorf("failed to parse notify-fanout payload: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	parent := tc.Steps.Start("notify")
	parent.AddMetric("channel", cfg.Channel)

	var sent, failed atomic.Int64
	work := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range work {
				child := parent.Child("deliver")
				child.AddMetric("recipient", r)
				if err := deliver(cfg.Channel, r); err != nil {
					failed.Add(1)
					tc.Log.Warn("delivery failed", logger.F("recipient", r), logger.F("error", err))
					_ = child.Fail(err)
					continue
				}
				sent.Add(1)
				_ = child.Complete(nil)
			}
		}()
	}

	var cancelErr error
	for _, r := range cfg.Recipients {
		if err := tc.CheckCancelled(ctx); err != nil {
			cancelErr = err
			break
		}
		work <- r
	}
	close(work)
	wg.Wait()
	tc.Progress()

	metrics := steps.Metrics{"sent": sent.Load(), "failed": failed.Load()}
	switch {
	case cancelErr != nil:
		metrics["reason"] = "cancelled"
		_ = parent.End(steps.StatusSkipped, steps.EndOptions{Metrics: metrics})
		return cancelErr
	case failed.Load() == 0:
		return parent.Complete(metrics)
	case sent.Load() == 0:
		err := fmt.Errorf("all %d deliveries failed", failed.Load())
		_ = parent.End(steps.StatusFailed, steps.EndOptions{Error: err.Error(), Metrics: metrics})
		return err
	default:
		return parent.End(steps.StatusPartial, steps.EndOptions{
			Error:   fmt.Sprintf("%d of %d deliveries failed", failed.Load(), len(cfg.Recipients)),
			Metrics: metrics,
		})
	}
}

// deliver simulates a send. Email needs an address; push needs a device
// token prefixed with "device:".
func deliver(channel, recipient string) error {
	switch channel {
	case "push":
		if !strings.HasPrefix(recipient, "device:") {
			return fmt.Errorf("%w: %s has no push device", errUndeliverable, recipient)
		}
	default:
		if !strings.Contains(recipient, "@") {
			return fmt.Errorf("%w: %s is not an email address", errUndeliverable, recipient)
		}
	}
	return nil
}
