package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/chr1sbest/jobtrail/internal/logger"
)

// ValidationError holds details about a configuration validation failure.
type ValidationError struct {
	Field   string
	Message string
	Context string
}

func (e ValidationError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (in %s)", e.Field, e.Message, e.Context)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, "  - "+e.Error())
	}
	return fmt.Sprintf("validation failed with %d error(s):\n%s", len(errs), strings.Join(msgs, "\n"))
}

// HasErrors returns true if there are any validation errors.
func (errs ValidationErrors) HasErrors() bool {
	return len(errs) > 0
}

// Validator validates configuration files.
type Validator struct {
	knownTasks []string
}

// NewValidator creates a new config validator.
func NewValidator(knownTasks []string) *Validator {
	return &Validator{knownTasks: knownTasks}
}

// Validate checks a config for errors and returns detailed validation errors.
func (v *Validator) Validate(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	if cfg.DataDir == "" {
		errs = append(errs, ValidationError{Field: "data_dir", Message: "data directory is required"})
	}

	if cfg.ListenAddr != "" {
		if _, port, err := net.SplitHostPort(cfg.ListenAddr); err != nil || port == "" {
			errs = append(errs, ValidationError{
				Field:   "listen_addr",
				Message: fmt.Sprintf("expected host:port, got %q", cfg.ListenAddr),
			})
		}
	}

	if _, err := logger.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, ValidationError{Field: "log_level", Message: err.Error()})
	}

	durations := []struct {
		field string
		value string
		zero  bool
	}{
		{"poll_interval", cfg.PollInterval, false},
		{"progress_interval", cfg.ProgressInterval, true},
		{"cancel_poll_interval", cfg.CancelPollInterval, false},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		switch {
		case err != nil:
			errs = append(errs, ValidationError{Field: d.field, Message: fmt.Sprintf("invalid duration %q", d.value)})
		case parsed < 0 || (parsed == 0 && !d.zero):
			errs = append(errs, ValidationError{Field: d.field, Message: "must be positive"})
		}
	}

	if cfg.PersistRetries != nil && (*cfg.PersistRetries < 0 || *cfg.PersistRetries > 20) {
		errs = append(errs, ValidationError{Field: "persist_retries", Message: "must be between 0 and 20"})
	}

	for name, tc := range cfg.Tasks {
		taskContext := fmt.Sprintf("tasks[%s]", name)
		if len(v.knownTasks) > 0 && !v.isKnownTask(name) {
			errs = append(errs, ValidationError{
				Field:   "tasks",
				Message: fmt.Sprintf("unknown task %q, known tasks: %s", name, strings.Join(v.knownTasks, ", ")),
				Context: taskContext,
			})
		}
		switch tc.Visibility {
		case "", "public", "hidden":
		default:
			errs = append(errs, ValidationError{
				Field:   "visibility",
				Message: fmt.Sprintf("must be public or hidden, got %q", tc.Visibility),
				Context: taskContext,
			})
		}
	}

	return errs
}

func (v *Validator) isKnownTask(name string) bool {
	for _, t := range v.knownTasks {
		if t == name {
			return true
		}
	}
	return false
}

// ValidateConfig is a convenience function to validate a config with known task names.
func ValidateConfig(cfg *Config, knownTasks []string) error {
	validator := NewValidator(knownTasks)
	errs := validator.Validate(cfg)
	if errs.HasErrors() {
		return errs
	}
	return nil
}
