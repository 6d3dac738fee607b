package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for conductor spans.
var (
	AttrSessionID  = attribute.Key("conductor.session.id")
	AttrTurnID     = attribute.Key("conductor.turn.id")
	AttrRequestID  = attribute.Key("conductor.request.id")
	AttrPlanID     = attribute.Key("conductor.plan.id")
	AttrTaskID     = attribute.Key("conductor.task.id")
	AttrAgentID    = attribute.Key("conductor.agent.id")
	AttrCapability = attribute.Key("conductor.capability")
	AttrGateKind   = attribute.Key("conductor.gate.kind")
	AttrEventType  = attribute.Key("conductor.event.type")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound message (stream gateway, channel adapters).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (classifier, agent executor).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
