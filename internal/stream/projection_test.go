package stream

import (
	"context"
	"testing"

	"github.com/stationhq/conductor/internal/events"
)

type captureBroadcaster struct {
	msgs []Message
}

func (c *captureBroadcaster) Broadcast(msg Message) {
	c.msgs = append(c.msgs, msg)
}

func TestProjection_ForwardsExternalEvents(t *testing.T) {
	sink := &captureBroadcaster{}
	p := NewProjection(sink)

	env, err := events.New(events.TypeTaskCompleted, "s1", "devo", events.VisibilityExternal, map[string]any{"task_id": "t1"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env = env.WithTurn("turn-1")

	if err := p.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.msgs) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(sink.msgs))
	}
	msg := sink.msgs[0]
	if msg.Type != "task_completed" {
		t.Fatalf("expected type task_completed, got %q", msg.Type)
	}
	if msg.SessionID != "s1" || msg.TurnID != "turn-1" || msg.Source != "devo" {
		t.Fatalf("envelope fields not carried: %+v", msg)
	}
}

func TestProjection_DropsInternalEvents(t *testing.T) {
	sink := &captureBroadcaster{}
	p := NewProjection(sink)

	env, err := events.New(events.TypePhaseChanged, "s1", "chapo", events.VisibilityInternal, nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := p.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("internal event must not be broadcast, got %d messages", len(sink.msgs))
	}
}

func TestProjection_ExcludesTerminalEvents(t *testing.T) {
	sink := &captureBroadcaster{}
	p := NewProjection(sink)

	for _, typ := range []events.Type{events.TypeWorkflowCompleted, events.TypeWorkflowFailed} {
		env, err := events.New(typ, "s1", "chapo", events.VisibilityExternal, nil)
		if err != nil {
			t.Fatalf("new envelope: %v", err)
		}
		if err := p.Handle(context.Background(), env); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("terminal events must not be broadcast, got %d messages", len(sink.msgs))
	}
}
