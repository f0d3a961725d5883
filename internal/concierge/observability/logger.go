// Package observability provides structured logging helpers for the
// concierge engine.
//
// It wraps log/slog with trace ID propagation so that every log line emitted
// while processing a guest message carries the trace context of that turn.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/stayflow/concierge/common/trace"
)

// Setup configures the global slog logger according to the provided level and
// format strings (e.g. level="info", format="json").
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a child logger that always includes the trace_id from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}

// WithConversation returns a child logger scoped to a tenant and conversation,
// including the trace_id from ctx when present.
func WithConversation(ctx context.Context, tenantID, conversationID string) *slog.Logger {
	return WithTrace(ctx).With("tenant_id", tenantID, "conversation_id", conversationID)
}
