package openmemory

import "context"

// Tracer instruments engine operations. Implement this to bridge into a
// tracing system such as OpenTelemetry.
type Tracer interface {
	// StartSpan begins a span for the named operation and returns the
	// derived context plus a function that ends the span.
	StartSpan(ctx context.Context, op, userID string) (context.Context, func(err error))
}

// NoopTracer is a Tracer that records nothing.
type NoopTracer struct{}

// StartSpan implements Tracer.
func (NoopTracer) StartSpan(ctx context.Context, op, userID string) (context.Context, func(err error)) {
	return ctx, func(error) {}
}
