package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"jobapply-engine/internal/domain"
)

var sessionColumns = []string{
	"session_id", "profile_id", "user_agent", "locale", "viewport", "timezone",
	"use_count", "created_at", "retired", "retired_reason",
}

func scanSession(r rowScanner) (domain.BrowserSession, error) {
	var (
		s       domain.BrowserSession
		created string
		retired int
	)
	err := r.Scan(&s.SessionID, &s.ProfileID, &s.Fingerprint.UserAgent, &s.Fingerprint.Locale,
		&s.Fingerprint.Viewport, &s.Fingerprint.Timezone, &s.UseCount, &created, &retired, &s.RetiredReason)
	s.CreatedAt = parseTime(created)
	s.Retired = retired != 0
	return s, err
}

// SaveSession inserts or updates a session row. A retired row is never
// un-retired.
func (d *DB) SaveSession(ctx context.Context, s domain.BrowserSession) error {
	retired := 0
	if s.Retired {
		retired = 1
	}
	_, err := d.Pool.ExecContext(ctx, `
INSERT INTO sessions(session_id, profile_id, user_agent, locale, viewport, timezone,
  use_count, created_at, retired, retired_reason)
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET
  use_count = excluded.use_count,
  retired = MAX(sessions.retired, excluded.retired),
  retired_reason = CASE WHEN sessions.retired = 1 THEN sessions.retired_reason ELSE excluded.retired_reason END;
`, s.SessionID, s.ProfileID, s.Fingerprint.UserAgent, s.Fingerprint.Locale, s.Fingerprint.Viewport,
		s.Fingerprint.Timezone, s.UseCount, formatTime(s.CreatedAt), retired, s.RetiredReason)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (d *DB) GetSession(ctx context.Context, id string) (domain.BrowserSession, error) {
	q, args := sq.Select(sessionColumns...).From("sessions").Where(sq.Eq{"session_id": id}).MustSql()
	s, err := scanSession(d.Pool.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return s, err
}

// ListSessions returns sessions oldest first. includeRetired adds retired rows.
func (d *DB) ListSessions(ctx context.Context, includeRetired bool) ([]domain.BrowserSession, error) {
	b := sq.Select(sessionColumns...).From("sessions").OrderBy("created_at ASC", "session_id ASC")
	if !includeRetired {
		b = b.Where(sq.Eq{"retired": 0})
	}
	q, args := b.MustSql()
	rows, err := d.Pool.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.BrowserSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
