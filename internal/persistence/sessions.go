package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WriteSession upserts the session's serialized state. Idempotent under
// retry: writing the same blob twice is safe.
func (s *Store) WriteSession(ctx context.Context, sessionID string, blob []byte) error {
	if sessionID == "" {
		return fmt.Errorf("write session: empty session_id")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, state, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				state = excluded.state,
				updated_at = excluded.updated_at
		`, sessionID, blob, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("write session %s: %w", sessionID, err)
		}
		return nil
	})
}

// ReadSession returns the stored blob, or (nil, nil) when the session has
// never been written.
func (s *Store) ReadSession(ctx context.Context, sessionID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE session_id = ?`, sessionID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	return blob, nil
}

// DeleteSession removes the session record and its event log.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM workflow_events WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session events %s: %w", sessionID, err)
		}
		return tx.Commit()
	})
}

// SessionIDs lists every persisted session.
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SessionsUpdatedBefore lists sessions idle since the cutoff, for TTL sweeps.
func (s *Store) SessionsUpdatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE updated_at < ? ORDER BY session_id`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
