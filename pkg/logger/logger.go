// Package logger provides structured logging using slog with request context support.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "request_id"
	// NodeIDKey is the context key for the node a request or probe concerns.
	NodeIDKey contextKey = "node_id"
	// RoundIDKey is the context key for the probe round ID.
	RoundIDKey contextKey = "round_id"
)

// Logger wraps slog.Logger with additional context-aware methods.
type Logger struct {
	*slog.Logger
}

// Options selects the level, output format and destination of a Logger.
type Options struct {
	Level  slog.Level
	JSON   bool
	Output io.Writer
}

// New creates a new Logger with the specified level and format.
func New(level slog.Level, json bool) *Logger {
	return NewWithOptions(Options{Level: level, JSON: json})
}

// NewWithOptions creates a Logger from explicit options. A nil Output writes to stdout.
func NewWithOptions(o Options) *Logger {
	out := o.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     o.Level,
		AddSource: o.Level == slog.LevelDebug,
	}

	var handler slog.Handler
	if o.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{Logger: slog.New(contextHandler{handler})}
}

// Default creates a logger with default settings (INFO level, JSON format).
func Default() *Logger {
	return New(slog.LevelInfo, true)
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// FromSettings builds a Logger from the LOG_LEVEL / LOG_FORMAT pair.
// An unknown level falls back to INFO and is reported on the returned logger.
func FromSettings(level, format string) *Logger {
	lvl, err := ParseLevel(level)
	l := New(lvl, !strings.EqualFold(format, "text"))
	if err != nil {
		l.Warn("falling back to info log level", "error", err)
	}
	return l
}

// WithContext returns a Logger bound to the ids carried by ctx, for code
// that logs without passing a context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		logger = logger.With("request_id", requestID)
	}

	if nodeID, ok := ctx.Value(NodeIDKey).(string); ok && nodeID != "" {
		logger = logger.With("node_id", nodeID)
	}

	if roundID, ok := ctx.Value(RoundIDKey).(string); ok && roundID != "" {
		logger = logger.With("round_id", roundID)
	}

	return &Logger{Logger: logger}
}

// WithRequestID returns a new Logger with the request ID field.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("request_id", requestID),
	}
}

// WithComponent returns a new Logger with the component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

// WithError returns a new Logger with the error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
	}
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ContextWithNodeID adds a node ID to the context.
func ContextWithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, NodeIDKey, nodeID)
}

// ContextWithRoundID adds a probe round ID to the context.
func ContextWithRoundID(ctx context.Context, roundID string) context.Context {
	return context.WithValue(ctx, RoundIDKey, roundID)
}

// RoundIDFromContext extracts the probe round ID from context.
func RoundIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RoundIDKey).(string); ok {
		return id
	}
	return ""
}
