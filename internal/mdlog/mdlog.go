// Package mdlog writes a human-readable markdown transcript per session,
// appended under <home>/transcripts/<session>.md.
package mdlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/stationhq/conductor/internal/events"
	"github.com/stationhq/conductor/internal/shared"
)

// Transcript is a bus projection appending one markdown line per
// external-visibility event. Turn boundaries become headers.
type Transcript struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	lastTurn map[string]string // session_id -> last turn header written
}

func NewTranscript(homeDir string, logger *slog.Logger) (*Transcript, error) {
	dir := filepath.Join(homeDir, "transcripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcripts dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcript{dir: dir, logger: logger, lastTurn: make(map[string]string)}, nil
}

func (t *Transcript) Name() string { return "mdlog" }

func (t *Transcript) Handle(_ context.Context, env events.Envelope) error {
	if env.Visibility != events.VisibilityExternal {
		return nil
	}
	line := renderLine(env)
	if line == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	if env.TurnID != "" && t.lastTurn[env.SessionID] != env.TurnID {
		t.lastTurn[env.SessionID] = env.TurnID
		fmt.Fprintf(&b, "\n## Turn %s — %s\n\n", env.TurnID, env.Timestamp.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "- `%s` **%s** %s\n",
		env.Timestamp.Format("15:04:05"),
		strings.TrimPrefix(string(env.Type), "workflow."),
		shared.Redact(line))

	path := filepath.Join(t.dir, sanitize(env.SessionID)+".md")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// renderLine produces the human half of a transcript entry.
func renderLine(env events.Envelope) string {
	switch p := env.Payload.(type) {
	case events.WorkflowStartedPayload:
		return fmt.Sprintf("request: %s", p.Request)
	case events.TaskPayload:
		switch {
		case p.Error != "":
			return fmt.Sprintf("%s — %s", p.Subject, p.Error)
		case p.Result != "":
			return fmt.Sprintf("%s — %s", p.Subject, p.Result)
		default:
			return fmt.Sprintf("%s (%s)", p.Subject, p.AgentID)
		}
	case events.PlanPayload:
		if p.Summary != "" {
			return p.Summary
		}
		return p.Status
	case events.QuestionPayload:
		if p.Answer != "" {
			return fmt.Sprintf("answered: %s", p.Answer)
		}
		return fmt.Sprintf("%s asks: %s", p.FromAgent, p.Question)
	case events.ApprovalPayload:
		if p.Description != "" {
			return fmt.Sprintf("[%s] %s", p.RiskLevel, p.Description)
		}
		return fmt.Sprintf("approved=%v", p.Approved)
	case events.CompletionPayload:
		if p.Answer != "" {
			return p.Answer
		}
		return p.Error
	case events.ParallelPayload:
		if p.TaskCount > 0 {
			return fmt.Sprintf("%d tasks in parallel", p.TaskCount)
		}
		return ""
	default:
		return string(env.Type)
	}
}

func sanitize(sessionID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
}
