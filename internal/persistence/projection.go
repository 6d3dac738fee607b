package persistence

import (
	"context"
	"log/slog"

	"github.com/stationhq/conductor/internal/events"
)

// EventLogProjection appends every emitted envelope to the workflow_events
// table, making the log a replayable record of the session.
type EventLogProjection struct {
	store  *Store
	logger *slog.Logger
}

// NewEventLogProjection creates the event log projection.
func NewEventLogProjection(store *Store, logger *slog.Logger) *EventLogProjection {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogProjection{store: store, logger: logger}
}

func (p *EventLogProjection) Name() string { return "eventlog" }

func (p *EventLogProjection) Handle(ctx context.Context, env events.Envelope) error {
	return p.store.AppendEvent(ctx, env)
}
