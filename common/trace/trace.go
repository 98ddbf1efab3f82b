// Package trace carries a per-request correlation id through the pipeline so
// that gate decisions, parse outcomes, approvals and audit rows written for
// the same inbound message can be joined afterwards.
package trace

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// traceKey is the unexported context key used to store the request ID.
type traceKey struct{}

// GenerateID returns a new random request ID.
func GenerateID() string {
	return uuid.NewString()
}

// WithTraceID returns a child context carrying the given request ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the request ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx unchanged when it already carries a request ID, and
// otherwise a child context with a freshly generated one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID()
	return WithTraceID(ctx, id), id
}

// Logger returns the default logger annotated with the request ID from ctx.
func Logger(ctx context.Context) *slog.Logger {
	if id := FromContext(ctx); id != "" {
		return slog.Default().With("trace_id", id)
	}
	return slog.Default()
}
