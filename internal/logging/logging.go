// Package logging provides structured logging for the dehydrator controller.
//
// This package wraps the standard library's log/slog package so that the
// sampling actor, the actuation actor and the HTTP handlers all log through
// one configured handler. It supports text and JSON output, configurable
// levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//
//	// Get a component logger
//	log := logging.Component("sampler")
//	log.Info("batch appended", "key", k)
//
//	// Log with request context
//	logging.WithContext(ctx).Warn("bad request", "error", err)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel maps a config string onto a slog level. Unknown names yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("actuator")
//	log.Info("homed") // Output: time=... level=INFO component=actuator msg=homed
//
// The returned logger delegates to whatever handler is installed at the time
// of each call, so package-level component loggers pick up a later Init.
func Component(name string) *slog.Logger {
	return slog.New(componentHandler{}).With("component", name)
}

// componentHandler forwards to the current global handler.
type componentHandler struct {
	attrs []slog.Attr
	group string
}

func (h componentHandler) current() slog.Handler {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	var next slog.Handler = Logger.Handler()
	if h.group != "" {
		next = next.WithGroup(h.group)
	}
	if len(h.attrs) > 0 {
		next = next.WithAttrs(h.attrs)
	}
	return next
}

func (h componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.current().Enabled(ctx, level)
}

func (h componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return componentHandler{attrs: merged, group: h.group}
}

func (h componentHandler) WithGroup(name string) slog.Handler {
	return componentHandler{attrs: h.attrs, group: name}
}

// WithContext returns a logger that includes request-scoped context values.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	logger := Logger

	if requestID, ok := ctx.Value(contextKeyRequestID).(uint64); ok {
		logger = logger.With("request_id", requestID)
	}
	if route, ok := ctx.Value(contextKeyRoute).(string); ok {
		logger = logger.With("route", route)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyRequestID contextKey = iota
	contextKeyRoute
)

// ContextWithRequestID adds a request ID to the context for logging.
func ContextWithRequestID(ctx context.Context, requestID uint64) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// ContextWithRoute adds the matched route to the context for logging.
func ContextWithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, contextKeyRoute, route)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}
