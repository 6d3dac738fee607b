package events

import (
	"context"
	"fmt"
	"log/slog"
)

// Projection consumes envelopes and produces a side effect (state change,
// outbound message, log line). Projections never influence upstream control
// flow: a returned error is logged and delivery continues.
type Projection interface {
	// Name identifies the projection in logs.
	Name() string
	// Handle processes one envelope. Implementations must tolerate
	// redelivery of the same envelope.
	Handle(ctx context.Context, env Envelope) error
}

// Bus delivers every emitted envelope to each registered projection
// synchronously, in registration order. The projection list is configuration
// fixed at construction; there is no runtime registration, so delivery never
// races with setup.
type Bus struct {
	projections []Projection
	logger      *slog.Logger
}

// NewBus creates a bus delivering to the given projections in order.
// Conventional order: state first, then outward-facing projections, so state
// is consistent before any external side effect fires.
func NewBus(logger *slog.Logger, projections ...Projection) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{projections: projections, logger: logger}
}

// Emit validates the envelope against the catalog and hands it to every
// projection. A failing projection logs and continues; it never blocks
// delivery to subsequent projections.
func (b *Bus) Emit(ctx context.Context, env Envelope) error {
	if !Known(env.Type) {
		return fmt.Errorf("emit: unknown event type %q", env.Type)
	}
	if env.SessionID == "" {
		return fmt.Errorf("emit %s: empty session_id", env.Type)
	}
	for _, p := range b.projections {
		b.deliver(ctx, p, env)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, p Projection, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("projection panicked",
				"projection", p.Name(), "event_type", env.Type,
				"event_id", env.EventID, "panic", r)
		}
	}()
	if err := p.Handle(ctx, env); err != nil {
		b.logger.Error("projection failed",
			"projection", p.Name(), "event_type", env.Type,
			"event_id", env.EventID, "error", err)
	}
}

// ProjectionCount returns the number of registered projections.
func (b *Bus) ProjectionCount() int {
	return len(b.projections)
}
