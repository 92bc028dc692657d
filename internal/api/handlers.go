package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chr1sbest/jobtrail/internal/engine"
	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/queue"
	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/task"
)

// EnqueueRequest is the POST /jobs payload.
type EnqueueRequest struct {
	TaskName    string          `json:"taskName"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TriggeredBy string          `json:"triggeredBy,omitempty"`
}

// EnqueueResponse is the POST /jobs response.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// HealthResponse is the GET /health response.
type HealthResponse struct {
	Status   string       `json:"status"`
	Version  string       `json:"version"`
	WorkerID string       `json:"workerId,omitempty"`
	Pending  int          `json:"pending"`
	Stats    engine.Stats `json:"stats"`
}

// ProgressResponse is the GET /jobs/{id}/progress response and the data of
// each streamed event.
type ProgressResponse struct {
	ID         string       `json:"id"`
	State      queue.State  `json:"state"`
	Live       bool         `json:"live"`
	Result     task.Outcome `json:"result,omitempty"`
	Steps      []steps.Step `json:"steps"`
	Line       string       `json:"line,omitempty"`
	UpdatedAt  *time.Time   `json:"updatedAt,omitempty"`
	Cancelling bool         `json:"cancelling,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.version,
		WorkerID: stats.WorkerID,
		Pending:  stats.Pending,
		Stats:    stats,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	hidden := queryBool(r, "hidden")
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.engine.ListTasks(hidden)})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	if req.TaskName == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "taskName required"})
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = r.Header.Get(TriggeredByHeader)
	}

	id, err := s.engine.Enqueue(r.Context(), req.TaskName, req.Payload, req.TriggeredBy)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+id)
	writeJSON(w, http.StatusAccepted, EnqueueResponse{ID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := engine.ListOptions{
		TaskName: task.Name(r.URL.Query().Get("task")),
		State:    queue.State(r.URL.Query().Get("state")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		opts.Limit = n
	}
	jobs, err := s.engine.ListJobs(r.Context(), opts)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !queryBool(r, "logs") {
		v.LogLines = nil
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.RequestCancellation(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "cancelRequested": true})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, err := s.engine.GetJob(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if queryBool(r, "stream") || r.Header.Get("Accept") == "text/event-stream" {
		s.streamProgress(w, r, v)
		return
	}
	writeJSON(w, http.StatusOK, progressFromView(v))
}

// streamProgress sends server-sent events: the current view, one event per
// published snapshot, and a final view once the job finished.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request, v engine.JobView) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(event string, p ProgressResponse) bool {
		data, err := json.Marshal(p)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !v.Live {
		send("done", progressFromView(v))
		return
	}
	ch, unsubscribe := s.engine.Subscribe(v.ID)
	defer unsubscribe()

	// The job may have finished between GetJob and Subscribe.
	if cur, err := s.engine.GetJob(r.Context(), v.ID); err == nil {
		v = cur
	}
	if !v.Live {
		send("done", progressFromView(v))
		return
	}
	if !send("progress", progressFromView(v)) {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case p, ok := <-ch:
			if !ok {
				final, err := s.engine.GetJob(r.Context(), v.ID)
				if err != nil {
					s.log.Warn("progress stream ended without a final view", logger.F("job", v.ID), logger.F("error", err))
					return
				}
				send("done", progressFromView(final))
				return
			}
			updated := p.UpdatedAt
			if !send("progress", ProgressResponse{
				ID:        v.ID,
				State:     queue.StateActive,
				Live:      true,
				Steps:     p.Steps,
				Line:      p.Line,
				UpdatedAt: &updated,
			}) {
				return
			}
		}
	}
}

func progressFromView(v engine.JobView) ProgressResponse {
	return ProgressResponse{
		ID:         v.ID,
		State:      v.State,
		Live:       v.Live,
		Result:     v.Result,
		Steps:      v.StepTree,
		UpdatedAt:  v.UpdatedAt,
		Cancelling: v.Cancelling,
	}
}

// writeEngineError maps engine errors to status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Details: verr.Details})
	case errors.Is(err, task.ErrUnknownTask):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		s.log.Error("request failed", logger.F("error", err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
