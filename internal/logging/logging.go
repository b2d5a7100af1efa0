// Package logging provides paidcircuitd's component-scoped logging
// wrapper around log/slog.
package logging

import (
	"io"
	"log/slog"
	"os"
)

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// SetDefault replaces the process-wide default logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
	slog.SetDefault(l)
}

// New builds a text logger writing to w at the given level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewJSON builds a JSON logger writing to w at the given level.
func NewJSON(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Logger is a component-scoped logger. It re-reads the process default
// logger on every call, so SetDefault takes effect for loggers already
// handed out to running components.
type Logger struct {
	component string
}

// Named returns a Logger scoped to component. Cheap; call it once per
// package at var-init time.
func Named(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) with() *slog.Logger {
	return defaultLogger.With("component", l.component)
}

func (l *Logger) Debug(msg string, args ...any) { l.with().Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.with().Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.with().Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.with().Error(msg, args...) }

// With returns a child *slog.Logger with additional fields attached, for
// call sites that want to attach circuit_id/round/etc for the duration of
// a block of logging.
func (l *Logger) With(args ...any) *slog.Logger {
	return l.with().With(args...)
}
