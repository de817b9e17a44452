package bztree

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with bztree-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithNode adds a node handle field to the logger.
func (l *Logger) WithNode(ref uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("node", ref),
	}
}

// LogSplit logs a completed leaf or internal split.
func (l *Logger) LogSplit(oldRef, newRef uint64, depth int) {
	l.Debug("split installed",
		"old", oldRef,
		"new", newRef,
		"depth", depth,
	)
}

// LogRootSwap logs a root replacement.
func (l *Logger) LogRootSwap(oldRef, newRef uint64) {
	l.Debug("root swapped",
		"old", oldRef,
		"new", newRef,
	)
}

// LogConsolidate logs a leaf consolidation.
func (l *Logger) LogConsolidate(oldRef, newRef uint64) {
	l.Debug("leaf consolidated",
		"old", oldRef,
		"new", newRef,
	)
}
