// Package logging provides structured logging for the authorization core.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	decisionIDKey contextKey = "decision_id"
	loggerKey     contextKey = "logger"
)

// New creates a new structured logger
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithDecisionID tags the context with the authorization decision in flight.
// Every log line produced while a transaction moves through the pipeline then
// carries the same decision ID, so the audit trail can be reassembled.
func WithDecisionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, decisionIDKey, id)
}

// DecisionID extracts the decision ID from context
func DecisionID(ctx context.Context) string {
	if id, ok := ctx.Value(decisionIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with decision context
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if id := DecisionID(ctx); id != "" {
		return logger.With("decision_id", id)
	}
	return logger
}
