// Package notify forwards a small, explicitly mapped set of workflow events
// to Telegram chats. Raw envelopes never leave the process through this
// projection; each mapped event is rendered to a short human message.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stationhq/conductor/internal/events"
	"github.com/stationhq/conductor/internal/shared"
)

// Sender is the outbound half of tgbotapi.BotAPI.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier is a bus projection delivering workflow milestones to the
// configured chat IDs.
type Notifier struct {
	sender  Sender
	chatIDs []int64
	logger  *slog.Logger
}

// New connects to the Telegram Bot API with the given token.
func New(token string, chatIDs []int64, logger *slog.Logger) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	if logger != nil {
		logger.Info("telegram notifier started", "user", bot.Self.UserName)
	}
	return NewWithSender(bot, chatIDs, logger), nil
}

// NewWithSender builds a Notifier around an existing sender. Used by tests.
func NewWithSender(sender Sender, chatIDs []int64, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, chatIDs: chatIDs, logger: logger}
}

func (n *Notifier) Name() string { return "notify" }

func (n *Notifier) Handle(_ context.Context, env events.Envelope) error {
	if env.Visibility != events.VisibilityExternal {
		return nil
	}
	text := render(env)
	if text == "" {
		return nil
	}
	text = shared.Redact(text)
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Error("telegram send failed", "chat_id", chatID, "event_type", env.Type, "error", err)
		}
	}
	return nil
}

// render maps an envelope to outbound text. Unmapped events render empty and
// are skipped.
func render(env events.Envelope) string {
	switch env.Type {
	case events.TypeWorkflowCompleted:
		if p, ok := env.Payload.(events.CompletionPayload); ok && p.Answer != "" {
			return p.Answer
		}
		return "Done."
	case events.TypeWorkflowFailed:
		if p, ok := env.Payload.(events.CompletionPayload); ok && p.Error != "" {
			return fmt.Sprintf("Something went wrong: %s", p.Error)
		}
		return "Something went wrong."
	case events.TypeQuestionQueued:
		if p, ok := env.Payload.(events.QuestionPayload); ok && p.Question != "" {
			return fmt.Sprintf("%s asks: %s", p.FromAgent, p.Question)
		}
	case events.TypeApprovalQueued:
		if p, ok := env.Payload.(events.ApprovalPayload); ok && p.Description != "" {
			risk := p.RiskLevel
			if risk == "" {
				risk = "unknown"
			}
			return fmt.Sprintf("Approval needed [%s]: %s", risk, p.Description)
		}
	}
	return ""
}
