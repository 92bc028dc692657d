package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink receives fully formatted log lines.
type Sink interface {
	Write(line string) error
}

// WriterSink writes lines to an io.Writer such as os.Stdout.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, line)
	return err
}

// FileSink appends lines to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (creating parent directories) a file for appending.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileSink{file: file}, nil
}

func (s *FileSink) Write(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.file, line)
	return err
}

// Close closes the log file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MemorySink keeps lines in memory, up to max lines (0 means unbounded).
// When full, the oldest lines are dropped.
type MemorySink struct {
	mu      sync.Mutex
	lines   []string
	max     int
	dropped int
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink(max int) *MemorySink {
	return &MemorySink{max: max}
}

func (s *MemorySink) Write(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if s.max > 0 && len(s.lines) > s.max {
		n := len(s.lines) - s.max
		s.lines = append([]string(nil), s.lines[n:]...)
		s.dropped += n
	}
	return nil
}

// Lines returns a copy of the captured lines. Never nil.
func (s *MemorySink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// Dropped reports how many lines were evicted.
func (s *MemorySink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
