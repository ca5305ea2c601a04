// Per-entry tracing spans mirroring the parent/child relationships the
// original router builds: a "queued" span that starts when an entry joins
// the waiting list, and an "infer" span covering its time in an active
// batch, both children of the request's root span.

package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// traceSpan is the minimal surface Entry needs from an OpenTelemetry span;
// a zero-value traceSpan is safe to end and behaves as a no-op, so callers
// that never configure tracing pay no cost.
type traceSpan struct {
	span trace.Span
}

func (s traceSpan) end() {
	if s.span != nil {
		s.span.End()
	}
}

// tracerName identifies this module's spans in whatever tracing backend
// Provider is configured with.
const tracerName = "github.com/cortexserve/batchsched/scheduler"

func startSpan(ctx context.Context, name string) (context.Context, traceSpan) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, traceSpan{span: span}
}

// beginRequestSpan starts the root span for a newly admitted entry.
func beginRequestSpan(ctx context.Context, clientID string) (context.Context, traceSpan) {
	ctx, span := startSpan(ctx, "request")
	if span.span != nil {
		span.span.SetAttributes(attribute.String("request_id", clientID))
	}
	return ctx, span
}

// beginQueuedSpan starts the child span covering time spent waiting.
func beginQueuedSpan(ctx context.Context) (context.Context, traceSpan) {
	return startSpan(ctx, "queued")
}

// beginInferSpan starts the child span covering time spent in a batch.
func beginInferSpan(ctx context.Context) (context.Context, traceSpan) {
	return startSpan(ctx, "infer")
}
