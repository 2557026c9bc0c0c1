package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "planloom"

// StartSessionSpan starts a span covering one engine run of a session.
func StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		),
	)
}

// StartInvocationSpan starts a span for one component invocation.
func StartInvocationSpan(ctx context.Context, sessionID, component string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "invocation",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("component", component),
		),
	)
}

// StartWorkerSpan starts a span for a single worker attempt loop.
func StartWorkerSpan(ctx context.Context, sessionID, worker, target string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "worker",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("worker.kind", worker),
			attribute.String("worker.target", target),
		),
	)
}
