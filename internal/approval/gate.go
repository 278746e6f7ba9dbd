// Package approval holds applications at the submit boundary until a human
// decides. The pending decision lives in the store, so a parked application
// survives restarts.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/logging"
	"jobapply-engine/internal/store"
)

// Store is the subset of *store.DB the gate uses.
type Store interface {
	GetApplication(ctx context.Context, id string) (domain.ApplicationRecord, error)
	UpdateApplication(ctx context.Context, id string, mutate func(*domain.ApplicationRecord) error) (domain.ApplicationRecord, error)
	ListApplications(ctx context.Context, opts store.ListApplicationsOpts) ([]domain.ApplicationRecord, error)
	GetPosting(ctx context.Context, id int64) (domain.Posting, error)
	SetPostingStatus(ctx context.Context, id int64, status domain.PostingStatus, score int, note string) error
}

type Gate struct {
	store       Store
	requiredFor func(site string) bool
	pub         events.Publisher
	log         *slog.Logger
}

// New builds a gate. requiredFor decides per source site whether a human
// must approve; nil means never.
func New(st Store, requiredFor func(site string) bool, pub events.Publisher, log *slog.Logger) *Gate {
	if log == nil {
		log = logging.Discard()
	}
	return &Gate{store: st, requiredFor: requiredFor, pub: pub, log: log.With("component", "approval")}
}

func (g *Gate) Required(p domain.Posting) bool {
	return g.requiredFor != nil && g.requiredFor(p.SourceSite)
}

// Park persists the snapshot and moves rec to awaiting approval.
func (g *Gate) Park(ctx context.Context, rec domain.ApplicationRecord, snap domain.Snapshot) (domain.ApplicationRecord, error) {
	pending := domain.DecisionPending
	out, err := g.store.UpdateApplication(ctx, rec.ID, func(cur *domain.ApplicationRecord) error {
		*cur = rec
		cur.State = domain.StateAwaitingApproval
		cur.ApprovalDecision = &pending
		cur.Snapshot = &snap
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("park %s: %w", rec.ID, err)
	}
	g.log.Info("application awaiting approval", "application_id", out.ID, "posting_id", out.PostingID)
	events.Emit(g.pub, events.TypeApprovalPending, events.ApplicationChange{ID: out.ID, PostingID: out.PostingID, State: string(out.State)})
	return out, nil
}

// Pending lists records waiting for a decision, oldest first.
func (g *Gate) Pending(ctx context.Context) ([]domain.ApplicationRecord, error) {
	return g.store.ListApplications(ctx, store.ListApplicationsOpts{
		States:   []domain.State{domain.StateAwaitingApproval},
		Decision: domain.DecisionPending,
	})
}

// Approved lists approved records that have not been resumed yet.
func (g *Gate) Approved(ctx context.Context) ([]domain.ApplicationRecord, error) {
	return g.store.ListApplications(ctx, store.ListApplicationsOpts{
		States:   []domain.State{domain.StateAwaitingApproval},
		Decision: domain.DecisionApproved,
	})
}

// Decide records a human decision. Approval leaves the record parked for the
// orchestrator to resume; rejection abandons it and puts the posting back in
// line. Deciding anything but a pending record fails with ErrNotPending.
func (g *Gate) Decide(ctx context.Context, id string, decision domain.Decision, note string) (domain.ApplicationRecord, error) {
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return domain.ApplicationRecord{}, fmt.Errorf("decision must be approved or rejected, got %q", decision)
	}

	rec, err := g.store.UpdateApplication(ctx, id, func(cur *domain.ApplicationRecord) error {
		if cur.State != domain.StateAwaitingApproval || cur.ApprovalDecision == nil || *cur.ApprovalDecision != domain.DecisionPending {
			return fmt.Errorf("application %s is %s: %w", id, cur.State, domain.ErrNotPending)
		}
		d := decision
		cur.ApprovalDecision = &d
		if decision == domain.DecisionRejected {
			reason := domain.ReasonHumanRejected
			if note != "" {
				reason += ": " + note
			}
			cur.State = domain.StateAbandoned
			cur.FailureReason = &reason
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrRecordImmutable) {
			return rec, fmt.Errorf("application %s: %w", id, domain.ErrNotPending)
		}
		return rec, err
	}

	g.log.Info("approval decided", "application_id", id, "decision", decision)
	events.Emit(g.pub, events.TypeApprovalDecided, events.ApplicationChange{
		ID: rec.ID, PostingID: rec.PostingID, State: string(rec.State), Reason: rec.Reason(),
	})

	if decision == domain.DecisionRejected {
		p, err := g.store.GetPosting(ctx, rec.PostingID)
		if err != nil {
			return rec, fmt.Errorf("load posting %d: %w", rec.PostingID, err)
		}
		if err := g.store.SetPostingStatus(ctx, p.ID, domain.PostingNew, p.LastScore, "rejected by reviewer"); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return rec, err
		}
	}
	return rec, nil
}
