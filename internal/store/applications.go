package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"jobapply-engine/internal/domain"
)

var applicationColumns = []string{
	"id", "posting_id", "state", "attempt_count", "last_attempt_at", "session_id",
	"submitted_at", "failure_reason", "approval_decision", "confirmation",
	"snapshot", "created_at", "updated_at",
}

func scanApplication(r rowScanner) (domain.ApplicationRecord, error) {
	var (
		rec                         domain.ApplicationRecord
		state                       string
		lastAttempt, created, upd   string
		submitted, reason, decision sql.NullString
		snapshot                    string
	)
	if err := r.Scan(
		&rec.ID, &rec.PostingID, &state, &rec.AttemptCount, &lastAttempt, &rec.SessionID,
		&submitted, &reason, &decision, &rec.Confirmation,
		&snapshot, &created, &upd,
	); err != nil {
		return rec, err
	}
	rec.State = domain.State(state)
	rec.LastAttemptAt = parseTime(lastAttempt)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(upd)
	rec.SubmittedAt = timePtr(submitted)
	if reason.Valid {
		s := reason.String
		rec.FailureReason = &s
	}
	if decision.Valid {
		dec := domain.Decision(decision.String)
		rec.ApprovalDecision = &dec
	}
	snap, err := domain.UnmarshalSnapshot(snapshot)
	if err != nil {
		return rec, err
	}
	rec.Snapshot = snap
	return rec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullDecision(d *domain.Decision) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*d), Valid: true}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getApplication(ctx context.Context, q queryRower, id string) (domain.ApplicationRecord, error) {
	query, args := sq.Select(applicationColumns...).From("applications").Where(sq.Eq{"id": id}).MustSql()
	rec, err := scanApplication(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("application %s: %w", id, domain.ErrNotFound)
	}
	return rec, err
}

func (d *DB) GetApplication(ctx context.Context, id string) (domain.ApplicationRecord, error) {
	return getApplication(ctx, d.Pool, id)
}

// RecordOutcome persists rec atomically. A record without an ID is inserted
// and fails with ErrActiveRecordExists when its posting already has a
// non-terminal record. An existing record is updated only along an allowed
// transition and never once it is terminal.
func (d *DB) RecordOutcome(ctx context.Context, rec domain.ApplicationRecord) (domain.ApplicationRecord, error) {
	if rec.ID == "" {
		return d.insertApplication(ctx, rec)
	}
	return d.UpdateApplication(ctx, rec.ID, func(cur *domain.ApplicationRecord) error {
		id, postingID, created := cur.ID, cur.PostingID, cur.CreatedAt
		*cur = rec
		cur.ID, cur.PostingID, cur.CreatedAt = id, postingID, created
		return nil
	})
}

func (d *DB) insertApplication(ctx context.Context, rec domain.ApplicationRecord) (domain.ApplicationRecord, error) {
	now := d.now()
	rec.ID = uuid.NewString()
	if rec.State == "" {
		rec.State = domain.StateStarted
	}
	if rec.State.IsTerminal() {
		return rec, fmt.Errorf("%w: new record cannot start in %s", domain.ErrInvalidTransition, rec.State)
	}
	if rec.LastAttemptAt.IsZero() {
		rec.LastAttemptAt = now
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	snap, err := domain.MarshalSnapshot(rec.Snapshot)
	if err != nil {
		return rec, err
	}

	// the partial unique index on active records is the compare-and-set
	q, args := sq.Insert("applications").Columns(applicationColumns...).Values(
		rec.ID, rec.PostingID, string(rec.State), rec.AttemptCount, formatTime(rec.LastAttemptAt), rec.SessionID,
		nullTime(rec.SubmittedAt), nullString(rec.FailureReason), nullDecision(rec.ApprovalDecision), rec.Confirmation,
		snap, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	).MustSql()
	if _, err := d.Pool.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return rec, fmt.Errorf("posting %d: %w", rec.PostingID, domain.ErrActiveRecordExists)
		}
		return rec, fmt.Errorf("insert application: %w", err)
	}
	return rec, nil
}

// UpdateApplication runs a read-modify-write of one record in a transaction.
// mutate sees the stored record; returning an error aborts the write.
func (d *DB) UpdateApplication(ctx context.Context, id string, mutate func(*domain.ApplicationRecord) error) (domain.ApplicationRecord, error) {
	tx, err := d.Pool.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApplicationRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getApplication(ctx, tx, id)
	if err != nil {
		return cur, err
	}
	if cur.State.IsTerminal() {
		return cur, fmt.Errorf("application %s (%s): %w", id, cur.State, domain.ErrRecordImmutable)
	}

	from := cur.State
	next := cur
	if err := mutate(&next); err != nil {
		return cur, err
	}
	if next.State != from {
		if err := domain.ValidateTransition(from, next.State); err != nil {
			return cur, err
		}
	}
	next.UpdatedAt = d.now()
	snap, err := domain.MarshalSnapshot(next.Snapshot)
	if err != nil {
		return cur, err
	}

	q, args := sq.Update("applications").
		Set("state", string(next.State)).
		Set("attempt_count", next.AttemptCount).
		Set("last_attempt_at", formatTime(next.LastAttemptAt)).
		Set("session_id", next.SessionID).
		Set("submitted_at", nullTime(next.SubmittedAt)).
		Set("failure_reason", nullString(next.FailureReason)).
		Set("approval_decision", nullDecision(next.ApprovalDecision)).
		Set("confirmation", next.Confirmation).
		Set("snapshot", snap).
		Set("updated_at", formatTime(next.UpdatedAt)).
		Where(sq.Eq{"id": id}).
		MustSql()
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return cur, fmt.Errorf("update application: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	return next, nil
}

type ListApplicationsOpts struct {
	States    []domain.State
	Decision  domain.Decision
	PostingID int64
	Limit     int
}

func (d *DB) ListApplications(ctx context.Context, opts ListApplicationsOpts) ([]domain.ApplicationRecord, error) {
	b := sq.Select(applicationColumns...).From("applications").OrderBy("created_at ASC", "id ASC")
	if len(opts.States) > 0 {
		states := make([]string, 0, len(opts.States))
		for _, s := range opts.States {
			states = append(states, string(s))
		}
		b = b.Where(sq.Eq{"state": states})
	}
	if opts.Decision != "" {
		b = b.Where(sq.Eq{"approval_decision": string(opts.Decision)})
	}
	if opts.PostingID != 0 {
		b = b.Where(sq.Eq{"posting_id": opts.PostingID})
	}
	if opts.Limit > 0 {
		b = b.Limit(uint64(opts.Limit))
	}

	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := d.Pool.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var out []domain.ApplicationRecord
	for rows.Next() {
		rec, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ActiveStates are every non-terminal state.
func ActiveStates() []domain.State {
	return []domain.State{
		domain.StateStarted, domain.StateLocated, domain.StateFilling,
		domain.StateAwaitingChallenge, domain.StateAwaitingApproval, domain.StateSubmitting,
	}
}
