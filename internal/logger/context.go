package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

// traceIDKey is the context key for the trace ID.
var traceIDKey = contextKey{}

// WithTraceID returns a new context with the given trace ID stored.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceID extracts the trace ID from the context.
// Returns an empty string if no trace ID is set.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}
