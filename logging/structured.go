// Package logging provides structured JSONL logging with correlation tracking.
// Every record carries a source, an action, and the correlation pair taken from
// the context, and is appended to a per-category dated log file under the
// workspace Logs directory.
package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

// Log levels in increasing severity.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Data holds the structured payload of a log entry.
type Data struct {
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// ErrorDetail describes a failure attached to a log entry.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Entry is a single JSONL log record.
type Entry struct {
	Timestamp     string       `json:"timestamp"`
	Level         Level        `json:"level"`
	Source        string       `json:"source"`
	Action        string       `json:"action"`
	CorrelationID string       `json:"correlationId"`
	UserID        string       `json:"userId,omitempty"`
	Data          Data         `json:"data"`
	Error         *ErrorDetail `json:"error,omitempty"`
}

// Logger writes structured entries to the console via slog and, when a log
// root is configured, appends them as JSONL under
// <root>/<category>/YYYY-MM-DD.jsonl. The category is derived from the source
// prefix: "agent:*" records land in agents/, "loop:*" in loop/, everything
// else in system/.
type Logger struct {
	source  string
	logRoot string
	console *slog.Logger

	mu sync.Mutex
}

// New creates a logger for the given source (e.g. "loop:driver").
// logRoot may be empty for console-only logging.
func New(source, logRoot string) *Logger {
	return &Logger{
		source:  source,
		logRoot: logRoot,
		console: slog.Default(),
	}
}

// NewWithHandler creates a logger with a custom console logger.
func NewWithHandler(source, logRoot string, console *slog.Logger) *Logger {
	if console == nil {
		console = slog.Default()
	}
	return &Logger{source: source, logRoot: logRoot, console: console}
}

// Source returns the logger's source identifier.
func (l *Logger) Source() string {
	return l.source
}

// Debug logs a debug record.
func (l *Logger) Debug(ctx context.Context, action string, data Data) {
	l.log(ctx, LevelDebug, action, nil, data)
}

// Info logs an info record.
func (l *Logger) Info(ctx context.Context, action string, data Data) {
	l.log(ctx, LevelInfo, action, nil, data)
}

// Warn logs a warning record.
func (l *Logger) Warn(ctx context.Context, action string, data Data) {
	l.log(ctx, LevelWarn, action, nil, data)
}

// Error logs an error record with the failure attached.
func (l *Logger) Error(ctx context.Context, action string, err error, data Data) {
	l.log(ctx, LevelError, action, err, data)
}

// Timer returns a stop function reporting elapsed milliseconds.
func (l *Logger) Timer() func() int64 {
	start := time.Now()
	return func() int64 {
		return time.Since(start).Milliseconds()
	}
}

func (l *Logger) log(ctx context.Context, level Level, action string, err error, data Data) {
	corr := CorrelationFrom(ctx)

	entry := Entry{
		Timestamp:     time.Now().Format(time.RFC3339Nano),
		Level:         level,
		Source:        l.source,
		Action:        action,
		CorrelationID: corr.CorrelationID,
		UserID:        corr.UserID,
		Data:          data,
	}
	if err != nil {
		entry.Error = &ErrorDetail{
			Code:    "ERROR",
			Message: err.Error(),
			Stack:   string(debug.Stack()),
		}
	}

	l.emitConsole(entry, err)

	if l.logRoot != "" {
		l.append(entry)
	}
}

func (l *Logger) emitConsole(entry Entry, err error) {
	attrs := []any{
		slog.String("source", entry.Source),
		slog.String("action", entry.Action),
	}
	if entry.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", entry.CorrelationID))
	}
	if entry.Data.DurationMS > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", entry.Data.DurationMS))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	switch entry.Level {
	case LevelDebug:
		l.console.Debug(entry.Action, attrs...)
	case LevelWarn:
		l.console.Warn(entry.Action, attrs...)
	case LevelError:
		l.console.Error(entry.Action, attrs...)
	default:
		l.console.Info(entry.Action, attrs...)
	}
}

// category maps the source prefix onto a Logs subdirectory.
func (l *Logger) category() string {
	parts := strings.SplitN(l.source, ":", 2)
	if len(parts) < 2 {
		return "system"
	}
	switch parts[0] {
	case "agent":
		return "agents"
	case "loop":
		return "loop"
	default:
		return "system"
	}
}

func (l *Logger) append(entry Entry) {
	line, err := json.Marshal(entry)
	if err != nil {
		l.console.Error("marshal log entry", slog.String("error", err.Error()))
		return
	}

	dir := filepath.Join(l.logRoot, l.category())
	file := filepath.Join(dir, time.Now().Format("2006-01-02")+".jsonl")

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.console.Error("create log directory", slog.String("error", err.Error()))
		return
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.console.Error("open log file", slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		l.console.Error("write log entry", slog.String("error", err.Error()))
	}
}
