// Package client talks to a running jobtrail server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chr1sbest/jobtrail/internal/api"
	"github.com/chr1sbest/jobtrail/internal/engine"
	"github.com/chr1sbest/jobtrail/internal/resilience"
	"github.com/chr1sbest/jobtrail/internal/task"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	Details []string
	url     string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("http %d: %s", e.Status, e.Message)
	if len(e.Details) > 0 {
		msg += "\n  - " + strings.Join(e.Details, "\n  - ")
	}
	return msg
}

// Unwrap exposes the status for retry classification.
func (e *APIError) Unwrap() error {
	return &resilience.StatusError{URL: e.url, Code: e.Status}
}

// HTTPClient talks to the jobtrail API.
type HTTPClient struct {
	BaseURL     string
	TriggeredBy string
	Client      *http.Client
	// Retry applies to reads only; enqueue and cancel are sent once.
	Retry resilience.RetryPolicy
}

// NewHTTPClient constructs a client.
func NewHTTPClient(baseURL, triggeredBy string) *HTTPClient {
	return &HTTPClient{
		BaseURL:     baseURL,
		TriggeredBy: triggeredBy,
		Client:      &http.Client{Timeout: 30 * time.Second},
		Retry:       resilience.FetchRetry,
	}
}

// Health calls GET /health.
func (c *HTTPClient) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.get(ctx, "/health", nil, &out)
	return out, err
}

// Enqueue calls POST /jobs and returns the job id.
func (c *HTTPClient) Enqueue(ctx context.Context, name string, payload json.RawMessage) (string, error) {
	var out api.EnqueueResponse
	err := c.do(ctx, http.MethodPost, "/jobs", nil, api.EnqueueRequest{
		TaskName:    name,
		Payload:     payload,
		TriggeredBy: c.TriggeredBy,
	}, &out)
	return out.ID, err
}

// Cancel calls POST /jobs/{id}/cancel.
func (c *HTTPClient) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil, nil)
}

// GetJob calls GET /jobs/{id}. Log lines are included when logs is set.
func (c *HTTPClient) GetJob(ctx context.Context, id string, logs bool) (engine.JobView, error) {
	q := url.Values{}
	if logs {
		q.Set("logs", "1")
	}
	var out engine.JobView
	err := c.get(ctx, "/jobs/"+url.PathEscape(id), q, &out)
	return out, err
}

// ListJobs calls GET /jobs.
func (c *HTTPClient) ListJobs(ctx context.Context, taskName, state string, limit int) ([]engine.JobSummary, error) {
	q := url.Values{}
	if taskName != "" {
		q.Set("task", taskName)
	}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Jobs []engine.JobSummary `json:"jobs"`
	}
	err := c.get(ctx, "/jobs", q, &out)
	return out.Jobs, err
}

// ListTasks calls GET /tasks.
func (c *HTTPClient) ListTasks(ctx context.Context, hidden bool) ([]task.Metadata, error) {
	q := url.Values{}
	if hidden {
		q.Set("hidden", "1")
	}
	var out struct {
		Tasks []task.Metadata `json:"tasks"`
	}
	err := c.get(ctx, "/tasks", q, &out)
	return out.Tasks, err
}

// Progress calls GET /jobs/{id}/progress.
func (c *HTTPClient) Progress(ctx context.Context, id string) (api.ProgressResponse, error) {
	var out api.ProgressResponse
	err := c.get(ctx, "/jobs/"+url.PathEscape(id)+"/progress", nil, &out)
	return out, err
}

// Watch streams progress events for a job until the server sends the final
// "done" event, ctx ends or fn returns false.
func (c *HTTPClient) Watch(ctx context.Context, id string, fn func(event string, p api.ProgressResponse) bool) error {
	endpoint, err := c.resolve("/jobs/"+url.PathEscape(id)+"/progress", url.Values{"stream": {"1"}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the client's request timeout.
	streamer := *c.Client
	streamer.Timeout = 0
	resp, err := streamer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readError(endpoint, resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	event := "message"
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var p api.ProgressResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p); err != nil {
				return fmt.Errorf("bad progress event: %w", err)
			}
			if !fn(event, p) || event == "done" {
				return nil
			}
		case line == "":
			event = "message"
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *HTTPClient) get(ctx context.Context, path string, q url.Values, out any) error {
	policy := c.Retry
	if policy.Name == "" {
		policy = resilience.NoRetry
	}
	return policy.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, q, nil, out)
	})
}

func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	endpoint, err := c.resolve(path, q)
	if err != nil {
		return resilience.NewPermanentError(err)
	}
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return resilience.NewPermanentError(err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return resilience.NewPermanentError(err)
	}
	c.applyHeaders(req)

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readError(endpoint, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.NewPermanentError(fmt.Errorf("bad response from %s: %w", endpoint, err))
	}
	return nil
}

func readError(endpoint string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{Status: resp.StatusCode, url: endpoint}
	var er api.ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		apiErr.Message = er.Error
		apiErr.Details = er.Details
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func (c *HTTPClient) resolve(path string, q url.Values) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	u := base.ResolveReference(rel)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *HTTPClient) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.TriggeredBy != "" {
		req.Header.Set(api.TriggeredByHeader, c.TriggeredBy)
	}
}
