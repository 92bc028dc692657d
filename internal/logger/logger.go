package logger

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level represents log severity levels.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string ("debug", "info", ...) into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the interface for all logger implementations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// levelVar is shared between a logger and everything derived from it with
// WithFields, so a hot-reloaded level applies to all of them.
type levelVar struct {
	mu    sync.RWMutex
	level Level
}

func (v *levelVar) get() Level {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.level
}

func (v *levelVar) set(l Level) {
	v.mu.Lock()
	v.level = l
	v.mu.Unlock()
}

// SinkLogger formats each entry once and writes the line to every sink in
// order. A failing sink does not stop delivery to the following ones.
type SinkLogger struct {
	sinks  []Sink
	level  *levelVar
	fields []Field
	now    func() time.Time

	// scoped sinks ignore the shared level and use their own floor.
	scoped      []Sink
	scopedFloor Level
}

// New creates a logger that writes to the given sinks.
func New(level Level, sinks ...Sink) *SinkLogger {
	return &SinkLogger{
		sinks: sinks,
		level: &levelVar{level: level},
		now:   time.Now,
	}
}

// SetLevel changes the minimum level for this logger and all loggers
// derived from it.
func (l *SinkLogger) SetLevel(level Level) {
	l.level.set(level)
}

// Level returns the current minimum level.
func (l *SinkLogger) Level() Level {
	return l.level.get()
}

func (l *SinkLogger) log(level Level, msg string, fields ...Field) {
	shared := level >= l.level.get()
	scoped := len(l.scoped) > 0 && (shared || level >= l.scopedFloor)
	if !shared && !scoped {
		return
	}
	line := Format(l.now(), level, msg, append(append([]Field(nil), l.fields...), fields...))
	if scoped {
		for _, s := range l.scoped {
			_ = s.Write(line)
		}
	}
	if shared {
		for _, s := range l.sinks {
			_ = s.Write(line)
		}
	}
}

// Format renders a log line the same way for every sink.
func Format(ts time.Time, level Level, msg string, fields []Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", ts.Format("2006-01-02 15:04:05"), level.String(), msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}

func (l *SinkLogger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields...) }
func (l *SinkLogger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields...) }
func (l *SinkLogger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields...) }
func (l *SinkLogger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields...) }

func (l *SinkLogger) WithFields(fields ...Field) Logger {
	return &SinkLogger{
		sinks:       l.sinks,
		level:       l.level,
		fields:      append(append([]Field(nil), l.fields...), fields...),
		now:         l.now,
		scoped:      l.scoped,
		scopedFloor: l.scopedFloor,
	}
}

// WithSinks returns a logger sharing this logger's fields that writes to the
// given sinks followed by this logger's own sinks. The given sinks receive
// every entry at floor or above regardless of the shared level; the
// logger's own sinks keep following it.
func (l *SinkLogger) WithSinks(floor Level, sinks ...Sink) *SinkLogger {
	scoped := make([]Sink, 0, len(sinks)+len(l.scoped))
	scoped = append(scoped, sinks...)
	scoped = append(scoped, l.scoped...)
	if len(l.scoped) > 0 && l.scopedFloor < floor {
		floor = l.scopedFloor
	}
	return &SinkLogger{
		sinks:       l.sinks,
		level:       l.level,
		fields:      append([]Field(nil), l.fields...),
		now:         l.now,
		scoped:      scoped,
		scopedFloor: floor,
	}
}

// NoopLogger discards everything.
type NoopLogger struct{}

// NewNoopLogger creates a logger that drops all entries.
func NewNoopLogger() *NoopLogger { return &NoopLogger{} }

func (NoopLogger) Debug(string, ...Field)       {}
func (NoopLogger) Info(string, ...Field)        {}
func (NoopLogger) Warn(string, ...Field)        {}
func (NoopLogger) Error(string, ...Field)       {}
func (n NoopLogger) WithFields(...Field) Logger { return n }
