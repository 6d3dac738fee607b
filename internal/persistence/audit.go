package persistence

import (
	"context"
	"fmt"
	"time"
)

// AuditRow is one persisted audit entry.
type AuditRow struct {
	ID        int64
	Timestamp time.Time
	Actor     string
	Action    string
	SessionID string
	Details   string
}

// AppendAudit writes one audit entry. Callers redact secrets before handing
// details over.
func (s *Store) AppendAudit(ctx context.Context, actor, action, sessionID, details string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (ts, actor, action, session_id, details)
			VALUES (?, ?, ?, ?, ?)
		`, time.Now().UTC(), actor, action, sessionID, details)
		if err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

// AuditForSession returns the session's audit entries, oldest first.
func (s *Store) AuditForSession(ctx context.Context, sessionID string, limit int) ([]AuditRow, error) {
	q := `SELECT id, ts, actor, action, session_id, details
		FROM audit_log WHERE session_id = ? ORDER BY id`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read audit for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Actor, &r.Action, &r.SessionID, &r.Details); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
