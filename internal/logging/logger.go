// Package logging provides the printf-style logging contract used across the
// gateway plus a leveled standard logger with secret redaction.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract. Components depend
// on this interface so tests can inject Nop() and the CLI can swap sinks.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

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

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}

// sink is the shared destination behind every StandardLogger: one writer
// (stdout unless tests swap it) plus an optional append-only log file.
type sink struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	level Level
}

var (
	defaultSink     *sink
	defaultSinkOnce sync.Once
)

func getSink() *sink {
	defaultSinkOnce.Do(func() {
		defaultSink = &sink{out: os.Stdout, level: LevelInfo}
	})
	return defaultSink
}

// Setup configures the process-wide sink: minimum level and, when logFile is
// non-empty, an append-only file beside stdout. The CLI calls this once
// before components grab their loggers; later calls re-point the same sink.
func Setup(level Level, logFile string) error {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
	if logFile == "" {
		return nil
	}
	if dir := filepath.Dir(logFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	return nil
}

// Close releases the sink's log file, if any.
func Close() error {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// StandardLogger writes leveled, component-tagged, redacted lines to the
// shared sink.
type StandardLogger struct {
	sink      *sink
	component string
}

// NewComponentLogger returns the application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &StandardLogger{sink: getSink(), component: component}
}

func (l *StandardLogger) Debug(format string, args ...any) {
	l.sink.log(LevelDebug, l.component, format, args...)
}

func (l *StandardLogger) Info(format string, args ...any) {
	l.sink.log(LevelInfo, l.component, format, args...)
}

func (l *StandardLogger) Warn(format string, args ...any) {
	l.sink.log(LevelWarn, l.component, format, args...)
}

func (l *StandardLogger) Error(format string, args ...any) {
	l.sink.log(LevelError, l.component, format, args...)
}

func (s *sink) log(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	if component == "" {
		component = "fable"
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, level, component, file, line, message)
	sanitized := Redact(logLine)

	if s.out != nil {
		fmt.Fprint(s.out, sanitized)
	}
	if s.file != nil {
		fmt.Fprint(s.file, sanitized)
	}
}
