package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds all conductor metric instruments.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	ClassifyDuration metric.Float64Histogram
	TasksCompleted   metric.Int64Counter
	TaskFailures     metric.Int64Counter
	GatesQueued      metric.Int64Counter
	GatesResolved    metric.Int64Counter
	ObligationsOpen  metric.Int64UpDownCounter
	QueueFlushes     metric.Int64Counter
	QueueRetries     metric.Int64Counter
	EventsPublished  metric.Int64Counter
	ActiveTurns      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("conductor.turn.duration",
		metric.WithDescription("Full turn processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("conductor.task.duration",
		metric.WithDescription("Plan task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClassifyDuration, err = meter.Float64Histogram("conductor.classify.duration",
		metric.WithDescription("Request classification duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("conductor.task.completed",
		metric.WithDescription("Plan tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("conductor.task.failures",
		metric.WithDescription("Plan task failures by agent"),
	)
	if err != nil {
		return nil, err
	}

	m.GatesQueued, err = meter.Int64Counter("conductor.gate.queued",
		metric.WithDescription("Questions and approvals queued"),
	)
	if err != nil {
		return nil, err
	}

	m.GatesResolved, err = meter.Int64Counter("conductor.gate.resolved",
		metric.WithDescription("Questions answered and approvals resolved"),
	)
	if err != nil {
		return nil, err
	}

	m.ObligationsOpen, err = meter.Int64UpDownCounter("conductor.obligation.open",
		metric.WithDescription("Currently open obligations"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueFlushes, err = meter.Int64Counter("conductor.queue.flushes",
		metric.WithDescription("Persistence queue flushes written to the backend"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRetries, err = meter.Int64Counter("conductor.queue.retries",
		metric.WithDescription("Persistence queue write retries"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("conductor.events.published",
		metric.WithDescription("Workflow events published on the bus"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("conductor.turn.active",
		metric.WithDescription("Number of sessions with a turn in flight"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
