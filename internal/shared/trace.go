package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type executionKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithExecutionID attaches the dispatcher's run id for the message being
// processed, used to correlate log lines across a single processor
// invocation without threading an extra parameter everywhere.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionKey{}, executionID)
}

// ExecutionID extracts the execution id from context. Returns "-" if absent.
func ExecutionID(ctx context.Context) string {
	if v, ok := ctx.Value(executionKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}
