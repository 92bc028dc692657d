package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvDataDir    = "JOBTRAIL_DATA_DIR"
	EnvListenAddr = "JOBTRAIL_LISTEN_ADDR"
	EnvLogLevel   = "JOBTRAIL_LOG_LEVEL"
	EnvLogFile    = "JOBTRAIL_LOG_FILE"
)

// Loader handles loading configuration files.
type Loader struct {
	envFiles []string
	missing  []string
}

// NewLoader creates a loader that reads the given .env files (missing ones
// are ignored) before expanding variables.
func NewLoader(envFiles ...string) *Loader {
	return &Loader{envFiles: envFiles}
}

// LoadEnv loads the .env files into the process environment. Variables
// already set win.
func (l *Loader) LoadEnv() error {
	for _, f := range l.envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// LoadFile loads a configuration from a specific file path.
// Environment variables in the config are expanded before parsing.
// Supports ${VAR} and ${VAR:-default} syntax. Files ending in .yaml or .yml
// are parsed as YAML, everything else as JSON.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	l.missing = MissingEnvVars(string(data))
	data = ExpandEnvVarsBytes(data)

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return &cfg, nil
}

// Missing returns the unset variables the last loaded file referenced
// without a default. They expanded to empty strings.
func (l *Loader) Missing() []string {
	return l.missing
}

// Load reads .env files, then the config file (defaults only when path is
// empty), applies environment overrides and defaults.
func (l *Loader) Load(path string) (*Config, error) {
	if err := l.LoadEnv(); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if path != "" {
		loaded, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyEnv(cfg)
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadAndValidate loads and validates a config file against known task names.
func (l *Loader) LoadAndValidate(path string, knownTasks []string) (*Config, error) {
	cfg, err := l.Load(path)
	if err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg, knownTasks); err != nil {
		if path == "" {
			path = "defaults"
		}
		return nil, fmt.Errorf("config validation failed for %s:\n%w", path, err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvDataDir); ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv(EnvListenAddr); ok && v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvLogFile); ok && v != "" {
		cfg.LogFile = v
	}
}
