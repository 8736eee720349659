package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agentbridge spans.
var (
	AttrProjectID = attribute.Key("agentbridge.project.id")
	AttrSessionID = attribute.Key("agentbridge.session.id")
	AttrRunID     = attribute.Key("agentbridge.run.id")
	AttrEngine    = attribute.Key("agentbridge.engine")
)

// StartSpan is a convenience wrapper for an internal (in-process) span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call this process makes to
// something it doesn't control — here, a child engine CLI process.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
