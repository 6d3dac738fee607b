package stream

import (
	"context"
	"strings"

	"github.com/stationhq/conductor/internal/events"
)

// Broadcaster is the sink side of the hub.
type Broadcaster interface {
	Broadcast(msg Message)
}

// Projection forwards external-visibility envelopes to the hub. Internal
// events never leave the process, and terminal events are excluded: the
// workflow responder composes the final user-facing reply for those.
type Projection struct {
	hub Broadcaster
}

func NewProjection(hub Broadcaster) *Projection {
	return &Projection{hub: hub}
}

func (p *Projection) Name() string { return "stream" }

func (p *Projection) Handle(_ context.Context, env events.Envelope) error {
	if env.Visibility != events.VisibilityExternal {
		return nil
	}
	if env.Type.Terminal() {
		return nil
	}
	p.hub.Broadcast(Message{
		Type:      strings.TrimPrefix(string(env.Type), "workflow."),
		SessionID: env.SessionID,
		TurnID:    env.TurnID,
		Source:    env.Source,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	})
	return nil
}
