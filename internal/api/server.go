// Package api serves the engine over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/chr1sbest/jobtrail/internal/engine"
	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/queue"
	"github.com/chr1sbest/jobtrail/internal/task"
)

// TriggeredByHeader carries the caller identity when the request body does
// not name one.
const TriggeredByHeader = "X-Triggered-By"

// Engine is what the server needs from the task engine.
type Engine interface {
	Enqueue(ctx context.Context, name string, payload json.RawMessage, triggeredBy string) (string, error)
	RequestCancellation(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (engine.JobView, error)
	ListJobs(ctx context.Context, opts engine.ListOptions) ([]engine.JobSummary, error)
	ListTasks(includeHidden bool) []task.Metadata
	Subscribe(id string) (<-chan queue.Progress, func())
	Stats(ctx context.Context) (engine.Stats, error)
}

// Server serves HTTP endpoints.
type Server struct {
	engine  Engine
	log     logger.Logger
	version string
	mux     *http.ServeMux
}

// NewServer creates a server. version is reported by /health.
func NewServer(e Engine, log logger.Logger, version string) *Server {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	s := &Server{engine: e, log: log, version: version, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /tasks", s.handleTasks)
	s.mux.HandleFunc("POST /jobs", s.handleEnqueue)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /jobs/{id}/progress", s.handleProgress)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Debug("http request",
		logger.F("method", r.Method),
		logger.F("path", r.URL.Path),
		logger.F("status", rec.status),
		logger.F("duration", time.Since(start).Round(time.Microsecond)),
	)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. ready, when set, receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(ln.Addr())
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets progress streams through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
