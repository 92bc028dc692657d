package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chr1sbest/jobtrail/internal/config"
	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/queue"
	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/task"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		DataDir:            t.TempDir(),
		PollInterval:       "10ms",
		ProgressInterval:   "0",
		CancelPollInterval: "5ms",
	}
	cfg.ApplyDefaults()
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg, logger.New(logger.LevelDebug, logger.NewMemorySink(1000)), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func waitFinished(t *testing.T, e *Engine, id string) JobView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		v, err := e.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if v.Result != "" {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return JobView{}
}

func TestEnqueueValidates(t *testing.T) {
	e := newEngine(t, testConfig(t))
	ctx := context.Background()

	if _, err := e.Enqueue(ctx, "no-such-task", nil, "tester"); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
	_, err := e.Enqueue(ctx, "notify-fanout", json.RawMessage(`{"recipients":["a@x"],"channel":"sms"}`), "tester")
	var verr *task.ValidationError
	if !errors.As(err, &verr) || len(verr.Details) == 0 {
		t.Errorf("expected a ValidationError with details, got %v", err)
	}
	if n, _ := e.queue.Pending(ctx); n != 0 {
		t.Errorf("rejected requests were queued: %d", n)
	}
}

func TestEnqueueFillsDefaults(t *testing.T) {
	e := newEngine(t, testConfig(t))
	id, err := e.Enqueue(context.Background(), "refresh-metadata", json.RawMessage(`{"urls":["http://example.invalid"]}`), "tester")
	if err != nil {
		t.Fatal(err)
	}
	v, err := e.GetJob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if v.State != queue.StateEnqueued || !v.Live || len(v.StepTree) != 0 {
		t.Errorf("unexpected live view %+v", v)
	}
	var payload map[string]any
	if err := json.Unmarshal(v.Payload, &payload); err != nil || payload["timeoutSeconds"] != float64(10) {
		t.Errorf("default not applied: %s", v.Payload)
	}
}

func TestGetJobUnknown(t *testing.T) {
	e := newEngine(t, testConfig(t))
	if _, err := e.GetJob(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if err := e.RequestCancellation(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRunsJobsToRecords(t *testing.T) {
	e := newEngine(t, testConfig(t))
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(ctx); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start: %v", err)
	}

	plan := `{"steps":[{"name":"sync-all","status":"partial","error":"1 of 2 failed","children":[
		{"name":"a","status":"completed"},{"name":"b","status":"failed","error":"upstream 503"}]}]}`
	id, err := e.Enqueue(ctx, "replay", json.RawMessage(plan), "ops")
	if err != nil {
		t.Fatal(err)
	}
	noop, err := e.Enqueue(ctx, "noop", nil, "ops")
	if err != nil {
		t.Fatal(err)
	}

	v := waitFinished(t, e, id)
	if v.Result != task.OutcomeSuccess || v.State != queue.StateCompleted || v.Live {
		t.Errorf("unexpected view %+v", v)
	}
	if len(v.StepTree) != 1 || v.StepTree[0].Status != steps.StatusPartial || len(v.StepTree[0].Children) != 2 {
		t.Errorf("unexpected tree %+v", v.StepTree)
	}
	if v.TriggeredBy != "ops" || len(v.LogLines) == 0 {
		t.Errorf("record metadata missing: %+v", v)
	}
	if nv := waitFinished(t, e, noop); len(nv.StepTree) != 0 || nv.StepTree == nil {
		t.Errorf("noop tree = %#v", nv.StepTree)
	}

	jobs, err := e.ListJobs(ctx, ListOptions{TaskName: "replay"})
	if err != nil || len(jobs) != 1 || jobs[0].ID != id || jobs[0].Result != task.OutcomeSuccess {
		t.Errorf("ListJobs = %+v %v", jobs, err)
	}
	stats, err := e.Stats(ctx)
	if err != nil || stats.Worker.Processed != 2 {
		t.Errorf("stats = %+v %v", stats, err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	e := newEngine(t, testConfig(t))
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	id, err := e.Enqueue(ctx, "recompute-aggregates", json.RawMessage(`{"batches":1000,"delayMs":5}`), "tester")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v, _ := e.GetJob(ctx, id)
		if v.State == queue.StateActive {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.RequestCancellation(ctx, id); err != nil {
		t.Fatal(err)
	}

	v := waitFinished(t, e, id)
	if v.Result != task.OutcomeCancelled || v.Status != "completed" || v.State != queue.StateCancelled {
		t.Errorf("unexpected view %+v", v)
	}
	if err := e.RequestCancellation(ctx, id); err != nil {
		t.Errorf("cancelling a finished job should be a no-op: %v", err)
	}
}

func TestTaskOverrides(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Tasks = map[string]config.TaskConfig{
		"notify-fanout": {Enabled: &off},
		"replay":        {Visibility: "public"},
	}
	e := newEngine(t, cfg)

	names := map[task.Name]bool{}
	for _, m := range e.ListTasks(false) {
		names[m.Name] = true
	}
	if names["notify-fanout"] {
		t.Error("disabled task listed")
	}
	if !names["replay"] {
		t.Error("replay override to public ignored")
	}
	if _, err := e.Enqueue(context.Background(), "notify-fanout", json.RawMessage(`{"recipients":["a@x"]}`), ""); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("disabled task accepted: %v", err)
	}
}

func TestRegisteredTasksLogged(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Tasks = map[string]config.TaskConfig{"notify-fanout": {Enabled: &off}}
	sink := logger.NewMemorySink(100)
	e, err := New(cfg, logger.New(logger.LevelInfo, sink), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	var line string
	for _, l := range sink.Lines() {
		if strings.Contains(l, "tasks registered") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no registration line in %v", sink.Lines())
	}
	if !strings.Contains(line, "noop") || strings.Contains(line, "notify-fanout") {
		t.Errorf("unexpected registered tasks: %q", line)
	}
}

func TestListTasksHidesReplay(t *testing.T) {
	e := newEngine(t, testConfig(t))
	for _, m := range e.ListTasks(false) {
		if m.Name == task.NameReplay {
			t.Error("hidden task listed")
		}
	}
	found := false
	for _, m := range e.ListTasks(true) {
		if m.Name == task.NameReplay {
			found = true
		}
	}
	if !found {
		t.Error("hidden task missing with includeHidden")
	}
}

func TestReload(t *testing.T) {
	e := newEngine(t, testConfig(t))
	next := testConfig(t)
	next.LogLevel = "warn"
	if err := e.Reload(next); err != nil {
		t.Fatal(err)
	}
	if e.log.Level() != logger.LevelWarn {
		t.Errorf("level = %v", e.log.Level())
	}
	bad := testConfig(t)
	bad.LogLevel = "loud"
	if err := e.Reload(bad); err == nil {
		t.Error("invalid level accepted")
	}
	if e.Config() != next {
		t.Error("rejected reload replaced the config")
	}
}

func TestWatchConfigReloadsLevel(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)
	path := filepath.Join(t.TempDir(), "jobtrail.yaml")
	write := func(level string) {
		body := "data_dir: " + cfg.DataDir + "\nlog_level: " + level + "\n"
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("info")
	if err := e.WatchConfig(context.Background(), config.NewLoader(), path); err != nil {
		t.Fatal(err)
	}
	write("error")

	deadline := time.Now().Add(3 * time.Second)
	for e.log.Level() != logger.LevelError && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if e.log.Level() != logger.LevelError {
		t.Errorf("level not reloaded: %v", e.log.Level())
	}
}

func TestCloseIdempotent(t *testing.T) {
	e := newEngine(t, testConfig(t))
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := e.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("Start after Close: %v", err)
	}
}
