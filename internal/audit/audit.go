// Package audit records what the system decided and why, to a JSONL file
// and the database audit table. It consumes events as a projection, so
// nothing else in the system calls it directly.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stationhq/conductor/internal/events"
	"github.com/stationhq/conductor/internal/persistence"
	"github.com/stationhq/conductor/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Details   string `json:"details,omitempty"`
}

// Trail is an instance-scoped audit sink: one JSONL file plus the audit_log
// table. Construct one per process and register it on the bus.
type Trail struct {
	mu     sync.Mutex
	file   *os.File
	store  *persistence.Store // may be nil in tests
	logger *slog.Logger
}

// NewTrail opens (appending) the audit file under homeDir/logs. store may be
// nil to skip database writes.
func NewTrail(homeDir string, store *persistence.Store, logger *slog.Logger) (*Trail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Trail{file: f, store: store, logger: logger}, nil
}

// Close closes the JSONL file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

func (t *Trail) Name() string { return "audit" }

// Handle appends one event to the trail. Payloads are redacted before they
// touch disk.
func (t *Trail) Handle(ctx context.Context, env events.Envelope) error {
	details := ""
	if env.Payload != nil {
		raw, err := json.Marshal(env.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		details = shared.Redact(string(raw))
	}

	e := entry{
		Timestamp: env.Timestamp.UTC().Format(time.RFC3339Nano),
		EventID:   env.EventID,
		Type:      string(env.Type),
		SessionID: env.SessionID,
		TurnID:    env.TurnID,
		Source:    env.Source,
		Details:   details,
	}

	t.mu.Lock()
	if t.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = t.file.Write(append(b, '\n'))
		}
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.AppendAudit(ctx, env.Source, string(env.Type), env.SessionID, details); err != nil {
			return err
		}
	}
	return nil
}
