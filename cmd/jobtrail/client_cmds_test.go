package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chr1sbest/jobtrail/internal/client"
	"github.com/chr1sbest/jobtrail/internal/engine"
	"github.com/chr1sbest/jobtrail/internal/queue"
	"github.com/chr1sbest/jobtrail/internal/steps"
	"github.com/chr1sbest/jobtrail/internal/task"
)

func TestReadPayload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "p.json")
	if err := os.WriteFile(file, []byte(`{"urls":["https://a"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		arg     string
		stdin   string
		want    string
		wantErr bool
	}{
		{"empty", "", "", "", false},
		{"inline", `{"a":1}`, "", `{"a":1}`, false},
		{"stdin", "-", `{"b":2}`, `{"b":2}`, false},
		{"file", "@" + file, "", `{"urls":["https://a"]}`, false},
		{"invalid", `{a`, "", "", true},
		{"missing file", "@/does/not/exist", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPayload(tt.arg, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrintJobShowsTree(t *testing.T) {
	d := int64(4)
	finished := time.Now()
	v := engine.JobView{
		ID:          "job-1",
		TaskName:    task.NameRefreshMetadata,
		TriggeredBy: "cli:me",
		State:       queue.StateCompleted,
		Result:      task.OutcomeSuccess,
		FinishedAt:  &finished,
		DurationMs:  4,
		StepTree:    []steps.Step{{Name: "refresh", Status: steps.StatusCompleted, DurationMs: &d, Metrics: steps.Metrics{}}},
		LogLines:    []string{"job started"},
	}
	var buf bytes.Buffer
	printJob(&buf, v)
	out := buf.String()
	for _, want := range []string{"job-1", "refresh-metadata", "cli:me", "└─ ✓ refresh (4ms)", "success", "job started"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("plain output should carry no ANSI codes")
	}
}

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	printJobs(&buf, nil)
	if !strings.Contains(buf.String(), "No jobs.") {
		t.Errorf("empty list: %q", buf.String())
	}

	buf.Reset()
	printJobs(&buf, []engine.JobSummary{
		{ID: "a", TaskName: task.NameNoop, State: queue.StateEnqueued, EnqueuedAt: time.Now()},
		{ID: "b", TaskName: task.NameNoop, State: queue.StateFailed, Result: task.OutcomeFailed, EnqueuedAt: time.Now()},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("unexpected table:\n%s", buf.String())
	}
	if !strings.Contains(lines[1], " - ") || !strings.Contains(lines[2], "failed") {
		t.Errorf("result column wrong:\n%s", buf.String())
	}
}

func TestPrintTasks(t *testing.T) {
	var buf bytes.Buffer
	printTasks(&buf, []task.Metadata{{
		Name:        task.NameNotifyFanout,
		Description: "deliver a notification",
		Visibility:  task.VisibilityHidden,
		InputSchemaSummary: []task.FieldSummary{
			{Name: "recipients", Type: task.FieldArray, Items: task.FieldString, Required: true},
			{Name: "channel", Type: task.FieldEnum, Default: "email", Enum: []any{"email", "push"}},
		},
	}})
	out := buf.String()
	for _, want := range []string{"(hidden)", "recipients: array of string (required)", "channel: enum default email one of [email push]"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintAPIError(t *testing.T) {
	var buf bytes.Buffer
	printAPIError(&buf, &client.APIError{Status: 400, Message: "invalid payload", Details: []string{"urls: required"}})
	if got := buf.String(); got != "invalid payload\n  urls: required\n" {
		t.Errorf("got %q", got)
	}
	buf.Reset()
	printAPIError(&buf, errors.New("connection refused"))
	if got := buf.String(); got != "connection refused\n" {
		t.Errorf("got %q", got)
	}
}

func TestBannerInfoCountsHidden(t *testing.T) {
	info := bannerInfo([]task.Metadata{
		{Name: "zeta"},
		{Name: "alpha"},
		{Name: "replay", Visibility: task.VisibilityHidden},
	}, "127.0.0.1:1", "/data", "w1")
	if info.Hidden != 1 || len(info.Tasks) != 2 || info.Tasks[0] != "alpha" {
		t.Errorf("bannerInfo = %+v", info)
	}
}

func TestKnownTaskNames(t *testing.T) {
	names := knownTaskNames()
	raw, _ := json.Marshal(names)
	for _, want := range []string{"noop", "refresh-metadata", "prune-logs"} {
		if !strings.Contains(string(raw), `"`+want+`"`) {
			t.Errorf("missing %s in %s", want, raw)
		}
	}
}
