package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stationhq/conductor/internal/events"
)

// MetricsProjection feeds the orchestration counters from the event flow, so
// the emitting packages carry no instrument plumbing of their own.
type MetricsProjection struct {
	metrics *Metrics
}

// NewMetricsProjection wires the counters to the bus.
func NewMetricsProjection(m *Metrics) *MetricsProjection {
	return &MetricsProjection{metrics: m}
}

func (p *MetricsProjection) Name() string { return "metrics" }

func (p *MetricsProjection) Handle(ctx context.Context, env events.Envelope) error {
	p.metrics.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(AttrEventType.String(string(env.Type))))

	switch env.Type {
	case events.TypeTaskCompleted:
		p.metrics.TasksCompleted.Add(ctx, 1, metric.WithAttributes(taskAttrs(env)...))
	case events.TypeTaskFailed:
		p.metrics.TaskFailures.Add(ctx, 1, metric.WithAttributes(taskAttrs(env)...))
	case events.TypeQuestionQueued:
		kind := "question"
		if pl, ok := env.Payload.(events.QuestionPayload); ok && pl.Kind != "" {
			kind = pl.Kind
		}
		p.metrics.GatesQueued.Add(ctx, 1, metric.WithAttributes(AttrGateKind.String(kind)))
	case events.TypeApprovalQueued:
		p.metrics.GatesQueued.Add(ctx, 1, metric.WithAttributes(AttrGateKind.String("approval")))
	case events.TypeQuestionAnswered, events.TypeQuestionExpired, events.TypeApprovalResolved:
		p.metrics.GatesResolved.Add(ctx, 1)
	case events.TypeObligationAdded:
		p.metrics.ObligationsOpen.Add(ctx, 1)
	case events.TypeObligationResolved:
		p.metrics.ObligationsOpen.Add(ctx, -1)
	}
	return nil
}

func taskAttrs(env events.Envelope) []attribute.KeyValue {
	pl, ok := env.Payload.(events.TaskPayload)
	if !ok {
		return nil
	}
	return []attribute.KeyValue{AttrAgentID.String(pl.AgentID)}
}
