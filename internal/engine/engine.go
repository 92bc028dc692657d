// Package engine wires the task registry, queue, record store and worker
// into the object the API and CLI talk to. It is constructed explicitly from
// a config; nothing in it is global.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/chr1sbest/jobtrail/internal/config"
	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/queue"
	"github.com/chr1sbest/jobtrail/internal/resilience"
	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/store"
	"github.com/chr1sbest/jobtrail/internal/task"
	"github.com/chr1sbest/jobtrail/internal/tasks"
	"github.com/chr1sbest/jobtrail/internal/tracker"
	"github.com/chr1sbest/jobtrail/internal/worker"
)

var (
	// ErrJobNotFound is returned for ids neither queued nor recorded.
	ErrJobNotFound = errors.New("job not found")
	// ErrStarted is returned by Start when the engine already runs.
	ErrStarted = errors.New("engine already started")
)

// Options are optional collaborators.
type Options struct {
	// HTTPClient is handed to tasks that call upstreams.
	HTTPClient *http.Client
	// Definitions are registered after the built-in tasks and replace any
	// built-in of the same name.
	Definitions []task.Definition
}

// Engine is the in-process task engine.
type Engine struct {
	log      *logger.SinkLogger
	registry *task.Registry
	queue    *queue.Queue
	store    *store.FileStore
	worker   *worker.Worker
	state    *tracker.Writer
	breakers *resilience.BreakerSet

	mu      sync.Mutex
	cfg     *config.Config
	defs    []task.Definition
	cancel  context.CancelFunc
	done    chan struct{}
	watcher *config.Watcher
	closed  bool
}

// New opens the engine's storage under cfg.DataDir and registers tasks. The
// worker does not run until Start.
func New(cfg *config.Config, log *logger.SinkLogger, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.New(logger.LevelInfo)
	}

	q, err := queue.Open(cfg.QueuePath(), queue.Options{PollInterval: cfg.GetPollInterval()})
	if err != nil {
		return nil, err
	}
	st, err := store.NewFileStore(cfg.RecordsDir())
	if err != nil {
		q.Close()
		return nil, err
	}

	e := &Engine{
		log:      log,
		registry: task.NewRegistry(),
		queue:    q,
		store:    st,
		state:    tracker.NewWriter(cfg.DataDir),
		breakers: resilience.NewBreakerSet(resilience.DefaultCircuitBreakerConfig()),
		cfg:      cfg,
	}
	e.defs = append(tasks.Definitions(tasks.Deps{
		HTTPClient: opts.HTTPClient,
		Breakers:   e.breakers,
		JobLogDir:  cfg.JobLogDir(),
	}), opts.Definitions...)
	if err := e.applyTasks(cfg); err != nil {
		q.Close()
		return nil, err
	}

	e.worker = worker.New(q, e.registry, st, log, worker.Options{
		JobLogDir:          cfg.JobLogDir(),
		JobLogLines:        cfg.JobLogLines,
		ProgressInterval:   cfg.GetProgressInterval(),
		CancelPollInterval: cfg.GetCancelPollInterval(),
		PersistPolicy:      resilience.PersistRetry.WithRetries(cfg.GetPersistRetries()),
		State:              e.state,
	})
	return e, nil
}

// applyTasks registers every definition, then applies the per-task
// enable and visibility overrides of cfg.
func (e *Engine) applyTasks(cfg *config.Config) error {
	for _, def := range e.defs {
		if err := e.registry.Register(def); err != nil {
			return err
		}
	}
	for name, tc := range cfg.Tasks {
		n := task.Name(name)
		if !tc.IsEnabled() {
			e.registry.Unregister(n)
			continue
		}
		if tc.Visibility != "" {
			if err := e.registry.SetVisibility(n, task.Visibility(tc.Visibility)); err != nil {
				return err
			}
		}
	}
	e.log.Info("tasks registered", logger.F("tasks", e.registry.RegisteredNames()))
	return nil
}

// Start runs the worker in the background. It returns once the worker
// goroutine is launched.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return queue.ErrClosed
	}
	if e.cancel != nil {
		return ErrStarted
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		if err := e.worker.Run(ctx); err != nil {
			e.log.Error("worker exited", logger.F("error", err))
		}
	}()
	return nil
}

// Done is closed when the worker stops. It is nil before Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Close stops the worker after its current job and releases storage.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel, done, w := e.cancel, e.done, e.watcher
	e.mu.Unlock()

	if w != nil {
		_ = w.Stop()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return e.queue.Close()
}

// Enqueue validates the request and queues it. Unknown names return an
// error wrapping task.ErrUnknownTask, bad payloads a *task.ValidationError.
// Schema defaults are filled into the stored payload.
func (e *Engine) Enqueue(ctx context.Context, name string, payload json.RawMessage, triggeredBy string) (string, error) {
	def, err := e.registry.Resolve(task.Name(name))
	if err != nil {
		return "", err
	}
	data, err := def.Schema.Validate(def.Name, payload)
	if err != nil {
		return "", err
	}
	id, err := e.queue.Enqueue(ctx, task.JobData{TaskName: def.Name, Payload: data, TriggeredBy: triggeredBy})
	if err != nil {
		return "", err
	}
	e.log.Info("job enqueued", logger.F("job", id), logger.F("task", def.Name), logger.F("triggered_by", triggeredBy))
	return id, nil
}

// RequestCancellation flags a job for cooperative cancellation. Cancelling a
// finished job is a no-op.
func (e *Engine) RequestCancellation(ctx context.Context, id string) error {
	err := e.queue.RequestCancellation(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err == nil {
		e.log.Info("cancellation requested", logger.F("job", id))
	}
	return err
}

// ListTasks describes registered tasks. Hidden ones are included only on
// request.
func (e *Engine) ListTasks(includeHidden bool) []task.Metadata {
	return e.registry.ListMetadata(includeHidden)
}

// Subscribe streams progress snapshots for a running job. The channel closes
// when the job finishes.
func (e *Engine) Subscribe(id string) (<-chan queue.Progress, func()) {
	return e.queue.Subscribe(id)
}

// Stats reports the worker counters and queue depth.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Worker: e.worker.Stats(), WorkerID: e.worker.ID(), Pending: pending}, nil
}

// Stats is the engine health summary.
type Stats struct {
	WorkerID string       `json:"workerId"`
	Worker   worker.Stats `json:"worker"`
	Pending  int          `json:"pending"`
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Reload applies the settings that can change without a restart: log level,
// progress interval and task overrides.
func (e *Engine) Reload(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if err := e.applyTasks(cfg); err != nil {
		return err
	}
	e.log.SetLevel(level)
	e.worker.SetProgressInterval(cfg.GetProgressInterval())

	e.mu.Lock()
	prev := e.cfg
	e.cfg = cfg
	e.mu.Unlock()

	if prev.DataDir != cfg.DataDir || prev.ListenAddr != cfg.ListenAddr || prev.PollInterval != cfg.PollInterval {
		e.log.Warn("config change needs a restart to take effect",
			logger.F("data_dir", cfg.DataDir), logger.F("listen_addr", cfg.ListenAddr))
	}
	e.log.Info("config reloaded", logger.F("log_level", level), logger.F("progress_interval", cfg.GetProgressInterval()))
	return nil
}

// WatchConfig reloads path whenever it changes, until Close.
func (e *Engine) WatchConfig(ctx context.Context, loader *config.Loader, path string) error {
	w, err := config.NewWatcher(loader, path)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return err
	}
	e.mu.Lock()
	e.watcher = w
	e.mu.Unlock()

	go func() {
		for ev := range w.Events() {
			if ev.Error != nil {
				e.log.Warn("config reload skipped", logger.F("error", ev.Error))
				continue
			}
			if err := e.Reload(ev.Config); err != nil {
				e.log.Warn("config reload rejected", logger.F("error", err))
			}
		}
	}()
	return nil
}

// stepsOrEmpty keeps JSON output at [] for jobs without steps.
func stepsOrEmpty(s []steps.Step) []steps.Step {
	if s == nil {
		return []steps.Step{}
	}
	return s
}
