package notify

import (
	"context"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stationhq/conductor/internal/events"
)

type captureSender struct {
	sent []tgbotapi.MessageConfig
}

func (c *captureSender) Send(m tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := m.(tgbotapi.MessageConfig); ok {
		c.sent = append(c.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func mustEnv(t *testing.T, typ events.Type, vis events.Visibility, payload any) events.Envelope {
	t.Helper()
	env, err := events.New(typ, "s1", "chapo", vis, payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestNotifier_ForwardsCompletionToAllChats(t *testing.T) {
	sink := &captureSender{}
	n := NewWithSender(sink, []int64{100, 200}, nil)

	env := mustEnv(t, events.TypeWorkflowCompleted, events.VisibilityExternal,
		events.CompletionPayload{Answer: "deploy finished"})
	if err := n.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sink.sent))
	}
	if sink.sent[0].ChatID != 100 || sink.sent[1].ChatID != 200 {
		t.Fatalf("unexpected chat IDs: %d, %d", sink.sent[0].ChatID, sink.sent[1].ChatID)
	}
	if sink.sent[0].Text != "deploy finished" {
		t.Fatalf("unexpected text: %q", sink.sent[0].Text)
	}
}

func TestNotifier_MapsGatePrompts(t *testing.T) {
	sink := &captureSender{}
	n := NewWithSender(sink, []int64{100}, nil)

	question := mustEnv(t, events.TypeQuestionQueued, events.VisibilityExternal,
		events.QuestionPayload{FromAgent: "devo", Question: "Which branch?"})
	approval := mustEnv(t, events.TypeApprovalQueued, events.VisibilityExternal,
		events.ApprovalPayload{FromAgent: "ops", Description: "Restart prod", RiskLevel: "high"})

	_ = n.Handle(context.Background(), question)
	_ = n.Handle(context.Background(), approval)

	if len(sink.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sink.sent))
	}
	if !strings.Contains(sink.sent[0].Text, "devo asks: Which branch?") {
		t.Fatalf("question render: %q", sink.sent[0].Text)
	}
	if !strings.Contains(sink.sent[1].Text, "[high]") || !strings.Contains(sink.sent[1].Text, "Restart prod") {
		t.Fatalf("approval render: %q", sink.sent[1].Text)
	}
}

func TestNotifier_SkipsUnmappedAndInternalEvents(t *testing.T) {
	sink := &captureSender{}
	n := NewWithSender(sink, []int64{100}, nil)

	unmapped := mustEnv(t, events.TypeTaskProgress, events.VisibilityExternal,
		events.TaskPayload{TaskID: "t1", Progress: "50%"})
	internal := mustEnv(t, events.TypeWorkflowCompleted, events.VisibilityInternal,
		events.CompletionPayload{Answer: "internal only"})

	_ = n.Handle(context.Background(), unmapped)
	_ = n.Handle(context.Background(), internal)

	if len(sink.sent) != 0 {
		t.Fatalf("expected no sends, got %d", len(sink.sent))
	}
}

func TestNotifier_RedactsSecrets(t *testing.T) {
	sink := &captureSender{}
	n := NewWithSender(sink, []int64{100}, nil)

	env := mustEnv(t, events.TypeWorkflowCompleted, events.VisibilityExternal,
		events.CompletionPayload{Answer: "configured api_key=abcd1234efgh5678ijkl9012 for you"})
	if err := n.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sink.sent))
	}
	if strings.Contains(sink.sent[0].Text, "abcd1234efgh5678ijkl9012") {
		t.Fatalf("secret leaked: %q", sink.sent[0].Text)
	}
	if !strings.Contains(sink.sent[0].Text, "REDACTED") {
		t.Fatalf("expected redaction marker: %q", sink.sent[0].Text)
	}
}
