package tasks

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/task"
)

const pruneSchema = `{
	"type": "object",
	"properties": {
		"olderThanDays": {"type": "integer", "minimum": 0, "default": 30},
		"dryRun": {"type": "boolean", "default": false}
	},
	"additionalProperties": false
}`

// PruneConfig is the prune-logs payload.
type PruneConfig struct {
	OlderThanDays int  `json:"olderThanDays"`
	DryRun        bool `json:"dryRun"`
}

type pruner struct {
	dir string
	now func() time.Time
}

// PruneLogs deletes job append logs older than a cutoff.
func PruneLogs(deps Deps) task.Definition {
	deps = deps.withDefaults()
	p := &pruner{dir: deps.JobLogDir, now: deps.Now}
	return task.Definition{
		Name:        task.NamePruneLogs,
		Description: "Deletes job log files older than olderThanDays.",
		Schema:      task.MustCompileSchema(string(task.NamePruneLogs), pruneSchema),
		Handler:     p.run,
	}
}

func (p *pruner) run(ctx context.Context, tc *task.Context) error {
	cfg := PruneConfig{OlderThanDays: 30}
	if err := tc.Decode(&cfg); err != nil {
		return fmt.Errorf("failed to parse prune-logs payload: %w", err)
	}
	cutoff := p.now().Add(-time.Duration(cfg.OlderThanDays) * 24 * time.Hour)

	scan := tc.Steps.Start("scan")
	candidates, scanned, bytes, err := p.scan(tc.JobID, cutoff)
	if err != nil {
		_ = scan.Fail(err)
		return err
	}
	_ = scan.Complete(steps.Metrics{"files": scanned, "matched": len(candidates), "bytes": bytes})
	tc.Progress()

	del := tc.Steps.Start("delete")
	if cfg.DryRun {
		_ = del.Skip("dry run")
		tc.Log.Info("dry run, nothing deleted", logger.F("matched", len(candidates)))
		return nil
	}
	if err := tc.CheckCancelled(ctx); err != nil {
		_ = del.Skip("cancelled")
		return err
	}

	deleted := 0
	var errs []error
	for _, path := range candidates {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			del.RecordError(err)
			continue
		}
		deleted++
	}
	metrics := steps.Metrics{"deleted": deleted}
	if len(errs) > 0 {
		metrics["errors"] = len(errs)
		err := errors.Join(errs...)
		_ = del.End(steps.StatusFailed, steps.EndOptions{Metrics: metrics})
		return fmt.Errorf("failed to delete %d log files: %w", len(errs), err)
	}
	tc.Log.Info("pruned job logs", logger.F("deleted", deleted))
	return del.Complete(metrics)
}

// scan lists *.log files last modified before cutoff. The running job's own
// log is never a candidate.
func (p *pruner) scan(jobID string, cutoff time.Time) ([]string, int, int64, error) {
	if p.dir == "" {
		return nil, 0, 0, nil
	}
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, 0, nil
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	var out []string
	var bytes int64
	scanned := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		scanned++
		if e.Name() == jobID+".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			out = append(out, filepath.Join(p.dir, e.Name()))
			bytes += info.Size()
		}
	}
	return out, scanned, bytes, nil
}
