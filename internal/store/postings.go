package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"jobapply-engine/internal/domain"
)

var postingColumns = []string{
	"p.id", "p.source_site", "p.external_id", "p.url", "p.title", "p.company",
	"p.description_text", "p.discovered_at", "p.fingerprint", "p.status",
	"p.last_score", "p.note", "p.deferred_until", "p.updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosting(r rowScanner) (domain.Posting, error) {
	var (
		p             domain.Posting
		discovered    string
		updated       string
		status        string
		deferredUntil sql.NullString
	)
	if err := r.Scan(
		&p.ID, &p.SourceSite, &p.ExternalID, &p.URL, &p.Title, &p.Company,
		&p.DescriptionText, &discovered, &p.Fingerprint, &status,
		&p.LastScore, &p.Note, &deferredUntil, &updated,
	); err != nil {
		return p, err
	}
	p.Status = domain.PostingStatus(status)
	p.DiscoveredAt = parseTime(discovered)
	p.UpdatedAt = parseTime(updated)
	p.DeferredUntil = timePtr(deferredUntil)
	return p, nil
}

// Upsert inserts a new posting or merges a re-discovery into the existing
// row. Only the description and fingerprint of an existing row ever change.
// changed is false when the stored fingerprint already matches.
func (d *DB) Upsert(ctx context.Context, in domain.Posting) (domain.Posting, bool, error) {
	in.SourceSite = strings.ToLower(strings.TrimSpace(in.SourceSite))
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	if in.SourceSite == "" || in.ExternalID == "" {
		return domain.Posting{}, false, fmt.Errorf("upsert posting: source_site and external_id are required")
	}
	fp := domain.ContentFingerprint(in.DescriptionText)
	now := d.now()

	tx, err := d.Pool.BeginTx(ctx, nil)
	if err != nil {
		return domain.Posting{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	q, args := postingSelect().
		Where(sq.Eq{"p.source_site": in.SourceSite, "p.external_id": in.ExternalID}).
		MustSql()
	existing, err := scanPosting(tx.QueryRowContext(ctx, q, args...))

	switch {
	case errors.Is(err, sql.ErrNoRows):
		discovered := in.DiscoveredAt
		if discovered.IsZero() {
			discovered = now
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO postings(source_site, external_id, url, title, company, description_text,
  discovered_at, fingerprint, status, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?);`,
			in.SourceSite, in.ExternalID, in.URL, in.Title, in.Company, in.DescriptionText,
			formatTime(discovered), fp, string(domain.PostingNew), formatTime(now))
		if err != nil {
			return domain.Posting{}, false, fmt.Errorf("insert posting: %w", err)
		}
		id, _ := res.LastInsertId()
		if err := tx.Commit(); err != nil {
			return domain.Posting{}, false, err
		}
		out := in
		out.ID = id
		out.DiscoveredAt = discovered.UTC()
		out.Fingerprint = fp
		out.Status = domain.PostingNew
		out.UpdatedAt = now
		return out, true, nil

	case err != nil:
		return domain.Posting{}, false, fmt.Errorf("load posting: %w", err)
	}

	if existing.Fingerprint == fp {
		return existing, false, tx.Commit()
	}

	// changed content earns a skipped posting a fresh look
	status := existing.Status
	if status == domain.PostingSkipped {
		status = domain.PostingNew
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE postings
SET description_text = ?, fingerprint = ?, status = ?, updated_at = ?
WHERE id = ?;`, in.DescriptionText, fp, string(status), formatTime(now), existing.ID); err != nil {
		return domain.Posting{}, false, fmt.Errorf("update posting: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Posting{}, false, err
	}
	existing.DescriptionText = in.DescriptionText
	existing.Fingerprint = fp
	existing.Status = status
	existing.UpdatedAt = now
	return existing, true, nil
}

func postingSelect() sq.SelectBuilder {
	return sq.Select(postingColumns...).From("postings p")
}

func (d *DB) GetPosting(ctx context.Context, id int64) (domain.Posting, error) {
	q, args := postingSelect().Where(sq.Eq{"p.id": id}).MustSql()
	p, err := scanPosting(d.Pool.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("posting %d: %w", id, domain.ErrNotFound)
	}
	return p, err
}

type ListPostingsOpts struct {
	Status domain.PostingStatus
	Site   string
	Limit  int
}

func (d *DB) ListPostings(ctx context.Context, opts ListPostingsOpts) ([]domain.Posting, error) {
	b := postingSelect().OrderBy("p.discovered_at DESC", "p.id DESC")
	if opts.Status != "" {
		b = b.Where(sq.Eq{"p.status": string(opts.Status)})
	}
	if opts.Site != "" {
		b = b.Where(sq.Eq{"p.source_site": strings.ToLower(opts.Site)})
	}
	if opts.Limit <= 0 || opts.Limit > 2000 {
		opts.Limit = 500
	}
	b = b.Limit(uint64(opts.Limit))
	return d.queryPostings(ctx, b)
}

func (d *DB) queryPostings(ctx context.Context, b sq.SelectBuilder) ([]domain.Posting, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := d.Pool.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query postings: %w", err)
	}
	defer rows.Close()

	var out []domain.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan posting: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CandidateQuery narrows NextCandidates.
type CandidateQuery struct {
	// ExcludeStates drops postings whose most recent record is in one of
	// these states.
	ExcludeStates []domain.State
	// MaxRecords drops postings that already have this many records. 0 means
	// no bound.
	MaxRecords int
	Limit      int
}

// NextCandidates returns eligible postings oldest-first. A posting with a
// non-terminal application is never returned.
func (d *DB) NextCandidates(ctx context.Context, cq CandidateQuery) ([]domain.Posting, error) {
	now := formatTime(d.now())
	terminal := []any{}
	for _, s := range domain.TerminalStates {
		terminal = append(terminal, string(s))
	}

	b := postingSelect().
		Where(sq.Or{
			sq.Eq{"p.status": string(domain.PostingNew)},
			sq.And{
				sq.Eq{"p.status": string(domain.PostingDeferred)},
				sq.Or{sq.Eq{"p.deferred_until": nil}, sq.LtOrEq{"p.deferred_until": now}},
			},
		}).
		Where("NOT EXISTS (SELECT 1 FROM applications a WHERE a.posting_id = p.id AND a.state NOT IN ("+
			sq.Placeholders(len(terminal))+"))", terminal...)

	if len(cq.ExcludeStates) > 0 {
		ex := make([]any, 0, len(cq.ExcludeStates))
		for _, s := range cq.ExcludeStates {
			ex = append(ex, string(s))
		}
		b = b.Where("COALESCE((SELECT a.state FROM applications a WHERE a.posting_id = p.id "+
			"ORDER BY a.created_at DESC LIMIT 1), '') NOT IN ("+sq.Placeholders(len(ex))+")", ex...)
	}
	if cq.MaxRecords > 0 {
		b = b.Where("(SELECT COUNT(*) FROM applications a WHERE a.posting_id = p.id) < ?", cq.MaxRecords)
	}

	limit := cq.Limit
	if limit <= 0 {
		limit = 1
	}
	b = b.OrderBy("p.discovered_at ASC", "p.id ASC").Limit(uint64(limit))
	return d.queryPostings(ctx, b)
}

// NextCandidate is NextCandidates with a limit of one. ok is false when
// nothing is eligible.
func (d *DB) NextCandidate(ctx context.Context, exclude ...domain.State) (domain.Posting, bool, error) {
	ps, err := d.NextCandidates(ctx, CandidateQuery{ExcludeStates: exclude, Limit: 1})
	if err != nil || len(ps) == 0 {
		return domain.Posting{}, false, err
	}
	return ps[0], true, nil
}

// SetPostingStatus moves a posting through its lifecycle. Archived postings
// stay archived.
func (d *DB) SetPostingStatus(ctx context.Context, id int64, status domain.PostingStatus, score int, note string) error {
	q, args := sq.Update("postings").
		Set("status", string(status)).
		Set("last_score", score).
		Set("note", note).
		Set("deferred_until", nil).
		Set("updated_at", formatTime(d.now())).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(domain.PostingArchived)}).
		MustSql()
	return d.execOne(ctx, id, q, args...)
}

// Defer hides a posting from candidates until the given time.
func (d *DB) Defer(ctx context.Context, id int64, until time.Time, note string) error {
	q, args := sq.Update("postings").
		Set("status", string(domain.PostingDeferred)).
		Set("deferred_until", formatTime(until)).
		Set("note", note).
		Set("updated_at", formatTime(d.now())).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(domain.PostingArchived)}).
		MustSql()
	return d.execOne(ctx, id, q, args...)
}

// Archive supersedes a posting. Rows are never deleted.
func (d *DB) Archive(ctx context.Context, id int64, note string) error {
	q, args := sq.Update("postings").
		Set("status", string(domain.PostingArchived)).
		Set("note", note).
		Set("updated_at", formatTime(d.now())).
		Where(sq.Eq{"id": id}).
		MustSql()
	return d.execOne(ctx, id, q, args...)
}

// Requeue puts a reviewed or skipped posting back in line.
func (d *DB) Requeue(ctx context.Context, id int64) error {
	q, args := sq.Update("postings").
		Set("status", string(domain.PostingNew)).
		Set("note", "").
		Set("deferred_until", nil).
		Set("updated_at", formatTime(d.now())).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": []string{
			string(domain.PostingReview), string(domain.PostingSkipped), string(domain.PostingDeferred),
		}}).
		MustSql()
	return d.execOne(ctx, id, q, args...)
}

func (d *DB) execOne(ctx context.Context, id int64, q string, args ...any) error {
	res, err := d.Pool.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("posting %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
