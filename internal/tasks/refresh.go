package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/resilience"
	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/task"
)

// maxPageBytes bounds how much of a page is read looking for its title.
const maxPageBytes = 1 << 20

const refreshSchema = `{
	"type": "object",
	"properties": {
		"urls": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 1,
			"description": "pages whose title is fetched"
		},
		"timeoutSeconds": {
			"type": "integer",
			"minimum": 1,
			"maximum": 120,
			"default": 10,
			"description": "per-attempt fetch timeout"
		}
	},
	"required": ["urls"],
	"additionalProperties": false
}`

// RefreshConfig is the refresh-metadata payload.
type RefreshConfig struct {
	URLs           []string `json:"urls"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
}

type refresher struct {
	deps Deps
}

// RefreshMetadata fetches each URL and records its page title. A failed
// fetch fails its own step; the job still succeeds unless every fetch
// failed.
func RefreshMetadata(deps Deps) task.Definition {
	r := &refresher{deps: deps.withDefaults()}
	return task.Definition{
		Name:        task.NameRefreshMetadata,
		Description: "Fetches pages and records their <title>.",
		Schema:      task.MustCompileSchema(string(task.NameRefreshMetadata), refreshSchema),
		Handler:     r.run,
	}
}

func (r *refresher) run(ctx context.Context, tc *task.Context) error {
	var cfg RefreshConfig
	if err := tc.Decode(&cfg); err != nil {
		return fmt.Errorf("failed to parse refresh-metadata payload: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	parent := tc.Steps.Start("refresh")
	parent.AddMetric("urls", len(cfg.URLs))
	var fetched, failed, skipped int

	for _, rawURL := range cfg.URLs {
		if err := tc.CheckCancelled(ctx); err != nil {
			_ = parent.End(steps.StatusSkipped, steps.EndOptions{Metrics: steps.Metrics{
				"fetched": fetched, "failed": failed, "reason": "cancelled",
			}})
			return err
		}

		child := parent.Child("fetch")
		child.AddMetric("url", rawURL)
		title, code, err := r.fetch(ctx, tc.Log, rawURL, timeout)
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			skipped++
			_ = child.Skip("circuit open for host")
		case err != nil:
			failed++
			tc.Log.Warn("fetch failed", logger.F("url", rawURL), logger.F("error", err))
			_ = child.Fail(err)
		default:
			fetched++
			_ = child.Complete(steps.Metrics{"title": title, "status": code})
		}
		tc.Progress()
	}

	metrics := steps.Metrics{"fetched": fetched, "failed": failed}
	if skipped > 0 {
		metrics["skipped"] = skipped
	}
	switch {
	case failed == 0:
		return parent.Complete(metrics)
	case fetched == 0 && skipped == 0:
		err := fmt.Errorf("all %d fetches failed", failed)
		_ = parent.End(steps.StatusFailed, steps.EndOptions{Error: err.Error(), Metrics: metrics})
		return err
	default:
		return parent.End(steps.StatusPartial, steps.EndOptions{
			Error:   fmt.Sprintf("%d of %d fetches failed", failed, len(cfg.URLs)),
			Metrics: metrics,
		})
	}
}

// fetch retries transient failures of one URL behind its host's breaker.
func (r *refresher) fetch(ctx context.Context, log logger.Logger, rawURL string, timeout time.Duration) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", 0, fmt.Errorf("invalid url %q", rawURL)
	}

	var title string
	var code int
	policy := r.deps.FetchPolicy.WithCallback(func(attempt int, err error, next time.Duration) {
		log.Debug("retrying fetch", logger.F("url", rawURL), logger.F("attempt", attempt), logger.F("error", err))
	})
	breaker := r.deps.Breakers.Get(u.Host)
	err = policy.Execute(ctx, func(ctx context.Context) error {
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			var ferr error
			title, code, ferr = r.fetchOnce(ctx, rawURL, timeout)
			return ferr
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return resilience.NewPermanentError(err)
		}
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "", 0, resilience.ErrCircuitOpen
	}
	return title, code, err
}

func (r *refresher) fetchOnce(ctx context.Context, rawURL string, timeout time.Duration) (string, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, resilience.NewPermanentError(err)
	}
	req.Header.Set("Accept", "text/html")
	resp, err := r.deps.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && attemptCtx.Err() != nil {
			// Timing out one attempt says something about the host, unlike a
			// cancelled job.
			return "", 0, resilience.NewTransientError(fmt.Errorf("%s: timed out after %s", rawURL, timeout))
		}
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))
		return "", resp.StatusCode, &resilience.StatusError{URL: rawURL, Code: resp.StatusCode}
	}
	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("%s: failed to parse html: %w", rawURL, err)
	}
	return pageTitle(doc), resp.StatusCode, nil
}

// pageTitle returns the text of the first <title> element.
func pageTitle(n *html.Node) string {
	if n.Type == html.ElementNode && strings.EqualFold(n.Data, "title") {
		var b strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
		return strings.Join(strings.Fields(b.String()), " ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := pageTitle(c); t != "" {
			return t
		}
	}
	return ""
}
