package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

// Format selects how log lines are rendered.
type Format int

const (
	// FormatText renders "2006-01-02 15:04:05 [LEVEL] message"
	FormatText Format = iota
	// FormatJSON renders one JSON object per line with ts, level and msg
	FormatJSON
)

// Logger provides leveled logging
type Logger struct {
	mu     sync.Mutex
	level  Level
	format Format
	output io.Writer
	now    func() time.Time
}

var (
	defaultLogger = &Logger{
		level:  LevelInfo,
		output: os.Stdout,
		now:    time.Now,
	}
)

// ParseLevel converts a string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

// ParseFormat converts a string to a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s (valid: text, json)", s)
	}
}

// String returns the string representation of a level
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// SetFormat sets the global log format ("text" or "json").
// Unknown values fall back to text.
func SetFormat(format string) {
	f, _ := ParseFormat(format)
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.format = f
}

// SetOutput sets the output destination for logging.
// A nil writer resets the output to stdout.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	defaultLogger.output = w
}

// GetLevel returns the current log level
func GetLevel() Level {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	defaultLogger.log(Scope{}, LevelDebug, format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	defaultLogger.log(Scope{}, LevelInfo, format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	defaultLogger.log(Scope{}, LevelWarn, format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	defaultLogger.log(Scope{}, LevelError, format, args...)
}

// Scope tags log lines with the source and partition they concern.
// Text lines get a "[source/partition]" prefix; JSON lines get
// separate source and partition fields.
type Scope struct {
	Source    string
	Partition string
}

// For returns a Scope for one source partition. Either part may be empty.
func For(source, partition string) Scope {
	return Scope{Source: source, Partition: partition}
}

func (s Scope) String() string {
	switch {
	case s.Source == "":
		return s.Partition
	case s.Partition == "":
		return s.Source
	}
	return s.Source + "/" + s.Partition
}

func (s Scope) Debug(format string, args ...interface{}) {
	defaultLogger.log(s, LevelDebug, format, args...)
}

func (s Scope) Info(format string, args ...interface{}) {
	defaultLogger.log(s, LevelInfo, format, args...)
}

func (s Scope) Warn(format string, args ...interface{}) {
	defaultLogger.log(s, LevelWarn, format, args...)
}

func (s Scope) Error(format string, args ...interface{}) {
	defaultLogger.log(s, LevelError, format, args...)
}

type jsonEntry struct {
	TS        string `json:"ts"`
	Level     string `json:"level"`
	Source    string `json:"source,omitempty"`
	Partition string `json:"partition,omitempty"`
	Msg       string `json:"msg"`
}

func (l *Logger) log(scope Scope, level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	now := l.now()

	if l.format == FormatJSON {
		data, err := json.Marshal(jsonEntry{
			TS:        now.UTC().Format(time.RFC3339Nano),
			Level:     strings.ToLower(level.String()),
			Source:    scope.Source,
			Partition: scope.Partition,
			Msg:       strings.TrimSpace(msg),
		})
		if err != nil {
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	if strings.HasPrefix(msg, "\n") {
		// keep the blank line ahead of section headers
		msg = strings.TrimPrefix(msg, "\n")
		fmt.Fprint(l.output, "\n")
	}
	if tag := scope.String(); tag != "" {
		msg = "[" + tag + "] " + msg
	}

	timestamp := now.Format("2006-01-02 15:04:05")
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	fmt.Fprintf(l.output, "%s [%s] %s", timestamp, level.String(), msg)
}

// IsDebug returns true if debug level is enabled
func IsDebug() bool {
	return GetLevel() >= LevelDebug
}
