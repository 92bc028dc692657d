package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMetricsAccumulateAndPersist(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	w.RecordJob("w1", JobDelta{JobID: "a", TaskName: "noop", Outcome: "success", Duration: 10 * time.Millisecond})
	w.RecordJob("w1", JobDelta{JobID: "b", TaskName: "noop", Outcome: "cancelled", Duration: 5 * time.Millisecond})
	w.RecordJob("w1", JobDelta{JobID: "c", TaskName: "prune-logs", Outcome: "failed", Duration: 20 * time.Millisecond})
	w.RecordRecovered("w1", 2)

	b, err := os.ReadFile(filepath.Join(dir, "worker_metrics.json"))
	if err != nil {
		t.Fatal(err)
	}
	var m WorkerMetrics
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m.Processed != 3 {
		t.Fatalf("expected 3 processed, got %d", m.Processed)
	}
	if m.Succeeded != 1 || m.Cancelled != 1 || m.Failed != 1 {
		t.Fatalf("unexpected split: %+v", m)
	}
	if m.TotalDurationMs != 35 {
		t.Fatalf("expected 35ms, got %d", m.TotalDurationMs)
	}
	if m.ByTask["noop"] != 2 || m.ByTask["prune-logs"] != 1 {
		t.Fatalf("unexpected by-task counts %v", m.ByTask)
	}
	if m.Recovered != 2 || m.LastJobID != "c" {
		t.Fatalf("unexpected tail: %+v", m)
	}
}

func TestCorruptMetricsTreatedAsEmpty(t *testing.T) {
	w := NewWriter(t.TempDir())
	if err := os.WriteFile(w.MetricsPath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := w.LoadMetrics()
	if err != nil || m != nil {
		t.Errorf("expected nil metrics, got %+v %v", m, err)
	}
}
