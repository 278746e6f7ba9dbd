package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Submission is one ledger row counted against a site's daily quota.
type Submission struct {
	Site          string
	PostingID     int64
	ApplicationID string
	Outcome       string
	At            time.Time
}

func (d *DB) RecordSubmission(ctx context.Context, s Submission) error {
	if s.At.IsZero() {
		s.At = d.now()
	}
	_, err := d.Pool.ExecContext(ctx, `
INSERT INTO submissions(site, posting_id, application_id, outcome, at)
VALUES(?,?,?,?,?);`,
		strings.ToLower(s.Site), s.PostingID, s.ApplicationID, s.Outcome, formatTime(s.At))
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// CountSubmissionsSince counts ledger rows for site at or after since.
func (d *DB) CountSubmissionsSince(ctx context.Context, site string, since time.Time) (int, error) {
	var n int
	err := d.Pool.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE site = ? AND at >= ?;`,
		strings.ToLower(site), formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return n, nil
}

// LastSubmissionAt returns the newest ledger time for site, or zero.
func (d *DB) LastSubmissionAt(ctx context.Context, site string) (time.Time, error) {
	var at sql.NullString
	err := d.Pool.QueryRowContext(ctx,
		`SELECT MAX(at) FROM submissions WHERE site = ?;`, strings.ToLower(site),
	).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("last submission: %w", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return parseTime(at.String), nil
}
