package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"engine.json": `{
			"data_dir": "/var/lib/jobtrail",
			"listen_addr": ":9000",
			"progress_interval": "250ms",
			"persist_retries": 2,
			"tasks": {"replay": {"visibility": "public"}, "prune-logs": {"enabled": false}}
		}`,
		"engine.yaml": `
data_dir: /var/lib/jobtrail
listen_addr: ":9000"
progress_interval: 250ms
persist_retries: 2
tasks:
  replay:
    visibility: public
  prune-logs:
    enabled: false
`,
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			cfg, err := NewLoader().LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile failed: %v", err)
			}
			if cfg.DataDir != "/var/lib/jobtrail" || cfg.ListenAddr != ":9000" {
				t.Errorf("unexpected config %+v", cfg)
			}
			if cfg.GetProgressInterval() != 250*time.Millisecond || cfg.GetPersistRetries() != 2 {
				t.Errorf("durations/retries not parsed: %+v", cfg)
			}
			if cfg.TaskEnabled("prune-logs") || !cfg.TaskEnabled("noop") {
				t.Errorf("task enablement wrong")
			}
			if cfg.Tasks["replay"].Visibility != "public" {
				t.Errorf("visibility override lost")
			}
		})
	}
}

func TestLoadExpandsEnvAndReportsMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.json")
	content := `{"data_dir": "${JT_TEST_DATA:-/tmp/fallback}", "log_file": "${JT_TEST_UNSET_LOG}"}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	l := NewLoader()
	cfg, err := l.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/fallback" {
		t.Errorf("default not applied: %q", cfg.DataDir)
	}
	if m := l.Missing(); len(m) != 1 || m[0] != "JT_TEST_UNSET_LOG" {
		t.Errorf("Missing() = %v", m)
	}
}

func TestLoadDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv(EnvListenAddr, "0.0.0.0:7000")
	cfg, err := NewLoader().Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != DefaultDataDir || cfg.ListenAddr != "0.0.0.0:7000" || cfg.LogLevel != "info" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.GetPollInterval() != time.Second || cfg.GetCancelPollInterval() != 500*time.Millisecond {
		t.Errorf("unexpected default intervals")
	}
	if cfg.QueuePath() != filepath.Join(DefaultDataDir, "queue.db") {
		t.Errorf("QueuePath = %s", cfg.QueuePath())
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("JT_TEST_FROM_DOTENV=/data/from-env\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("JT_TEST_FROM_DOTENV") })

	path := filepath.Join(dir, "engine.json")
	if err := os.WriteFile(path, []byte(`{"data_dir": "${JT_TEST_FROM_DOTENV}"}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader(envPath, filepath.Join(dir, "missing.env")).Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/data/from-env" {
		t.Errorf("dotenv value not used: %q", cfg.DataDir)
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte("{"), 0644)
	if _, err := NewLoader().LoadFile(bad); err == nil {
		t.Error("expected parse error")
	}
	if _, err := NewLoader().LoadFile(filepath.Join(dir, "nope.json")); err == nil {
		t.Error("expected read error")
	}
}

func TestLoadAndValidateRejects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.json")
	_ = os.WriteFile(path, []byte(`{"log_level": "loud"}`), 0644)
	if _, err := NewLoader().LoadAndValidate(path, nil); err == nil {
		t.Error("expected validation failure")
	}
}

func TestTaskConfigIsEnabled(t *testing.T) {
	tests := []struct {
		name     string
		enabled  *bool
		expected bool
	}{
		{"nil defaults to true", nil, true},
		{"explicit true", boolPtr(true), true},
		{"explicit false", boolPtr(false), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := TaskConfig{Enabled: tt.enabled}
			if tc.IsEnabled() != tt.expected {
				t.Errorf("expected IsEnabled()=%v", tt.expected)
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }
