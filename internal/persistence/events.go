package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stationhq/conductor/internal/events"
)

// EventRecord is one row of the workflow event log.
type EventRecord struct {
	Seq       int64
	EventID   string
	SessionID string
	TurnID    string
	RequestID string
	Type      string
	Source    string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// AppendEvent writes one envelope to the append-only log. Duplicate event
// IDs (redelivery) are ignored.
func (s *Store) AppendEvent(ctx context.Context, env events.Envelope) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO workflow_events
				(event_id, session_id, turn_id, request_id, event_type, source, visibility, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, env.EventID, env.SessionID, env.TurnID, env.RequestID,
			string(env.Type), env.Source, string(env.Visibility), string(payload), env.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("append event %s: %w", env.EventID, err)
		}
		return nil
	})
}

// EventsForSession replays the session's events in emission order. limit
// bounds the result; zero means all.
func (s *Store) EventsForSession(ctx context.Context, sessionID string, limit int) ([]EventRecord, error) {
	q := `SELECT seq, event_id, session_id, turn_id, request_id, event_type, source, payload, created_at
		FROM workflow_events WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		var turnID, requestID, source, payload *string
		if err := rows.Scan(&r.Seq, &r.EventID, &r.SessionID, &turnID, &requestID,
			&r.Type, &source, &payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		if turnID != nil {
			r.TurnID = *turnID
		}
		if requestID != nil {
			r.RequestID = *requestID
		}
		if source != nil {
			r.Source = *source
		}
		if payload != nil {
			r.Payload = json.RawMessage(*payload)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
