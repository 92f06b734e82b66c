// Package logging provides the structured component logger used throughout
// the core. It wraps log/slog rather than introducing a third-party logging
// library, matching the teacher's own thin internal/logging wrapper.
package logging

import (
	"log/slog"
	"os"
	"time"
)

// Logger is a component-scoped structured logger.
type Logger struct {
	slog      *slog.Logger
	component string
}

// New creates a root logger writing JSON to stderr.
func New() *Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &Logger{slog: slog.New(h)}
}

// WithComponent returns a child logger tagging every record with component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{slog: l.slog.With("component", name), component: name}
}

func (l *Logger) fields(fields map[string]interface{}) []any {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	return attrs
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.slog.Debug(msg, l.fields(fields)...)
}

func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.slog.Info(msg, l.fields(fields)...)
}

func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.slog.Warn(msg, l.fields(fields)...)
}

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.slog.Error(msg, l.fields(fields)...)
}

// ToolResult is a convenience call sites in the turn loop use after every
// tool dispatch, matching the teacher's logging.Logger.ToolResult helper.
func (l *Logger) ToolResult(name string, d time.Duration, err error) {
	if err != nil {
		l.Error("tool result", map[string]interface{}{"tool": name, "duration_ms": d.Milliseconds(), "error": err.Error()})
		return
	}
	l.Debug("tool result", map[string]interface{}{"tool": name, "duration_ms": d.Milliseconds()})
}

// Truncate caps a string at n bytes for safe inclusion in log fields,
// mirroring the teacher's truncateForLog helper.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
