package config

import (
	"path/filepath"
	"time"
)

// Config is the engine configuration, loaded from JSON or YAML.
type Config struct {
	DataDir            string                `json:"data_dir" yaml:"data_dir"`
	ListenAddr         string                `json:"listen_addr" yaml:"listen_addr"`
	LogLevel           string                `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFile            string                `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	PollInterval       string                `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`               // queue poll fallback (e.g., "1s")
	ProgressInterval   string                `json:"progress_interval,omitempty" yaml:"progress_interval,omitempty"`       // periodic snapshot (e.g., "2s", "0" disables)
	CancelPollInterval string                `json:"cancel_poll_interval,omitempty" yaml:"cancel_poll_interval,omitempty"` // background flag watch
	PersistRetries     *int                  `json:"persist_retries,omitempty" yaml:"persist_retries,omitempty"`
	JobLogLines        int                   `json:"job_log_lines,omitempty" yaml:"job_log_lines,omitempty"` // lines kept in a job record
	Tasks              map[string]TaskConfig `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// TaskConfig overrides the registration of one task.
type TaskConfig struct {
	Enabled    *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Visibility string `json:"visibility,omitempty" yaml:"visibility,omitempty"` // public or hidden
}

const (
	DefaultDataDir     = ".jobtrail"
	DefaultListenAddr  = "127.0.0.1:8088"
	DefaultJobLogLines = 500
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.JobLogLines <= 0 {
		c.JobLogLines = DefaultJobLogLines
	}
}

// IsEnabled returns whether the task is enabled (defaults to true).
func (c TaskConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// TaskEnabled reports whether a task should be registered.
func (c *Config) TaskEnabled(name string) bool {
	tc, ok := c.Tasks[name]
	return !ok || tc.IsEnabled()
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// GetPollInterval returns how often an idle worker re-reads the queue.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.PollInterval, time.Second)
}

// GetProgressInterval returns the periodic snapshot interval. Zero
// disables periodic snapshots.
func (c *Config) GetProgressInterval() time.Duration {
	return parseDuration(c.ProgressInterval, 2*time.Second)
}

// GetCancelPollInterval returns how often a running job's flag is polled
// in the background.
func (c *Config) GetCancelPollInterval() time.Duration {
	return parseDuration(c.CancelPollInterval, 500*time.Millisecond)
}

// GetPersistRetries returns the retry budget for saving a job record.
func (c *Config) GetPersistRetries() int {
	if c.PersistRetries == nil {
		return 5
	}
	return *c.PersistRetries
}

// QueuePath is the bbolt queue database.
func (c *Config) QueuePath() string { return filepath.Join(c.DataDir, "queue.db") }

// RecordsDir holds one JSON record per finished job.
func (c *Config) RecordsDir() string { return filepath.Join(c.DataDir, "jobs") }

// JobLogDir holds the append log of each job.
func (c *Config) JobLogDir() string { return filepath.Join(c.DataDir, "logs") }
