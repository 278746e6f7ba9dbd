package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/store"
)

func newTestGate(t *testing.T, required bool) (*Gate, *store.DB, domain.Posting, *events.Hub) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.Migrate(db.Pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	p, _, err := db.Upsert(context.Background(), domain.Posting{
		SourceSite: "indeed", ExternalID: "123", URL: "https://indeed.example/123",
		Title: "Senior Engineer", Company: "Acme", DescriptionText: "Python developer",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	hub := events.NewHub()
	g := New(db, func(string) bool { return required }, hub, nil)
	return g, db, p, hub
}

func park(t *testing.T, g *Gate, db *store.DB, p domain.Posting) domain.ApplicationRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: p.ID})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.State = domain.StateLocated
	if rec, err = db.RecordOutcome(ctx, rec); err != nil {
		t.Fatalf("located: %v", err)
	}
	rec.State = domain.StateFilling
	if rec, err = db.RecordOutcome(ctx, rec); err != nil {
		t.Fatalf("filling: %v", err)
	}
	rec, err = g.Park(ctx, rec, domain.Snapshot{
		PostingID: p.ID,
		Title:     p.Title,
		Values:    []domain.FieldValue{{Name: "email", Value: "ada@example.com"}},
	})
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	return rec
}

func TestRejectionAbandonsAndResurfacesPosting(t *testing.T) {
	g, db, p, hub := newTestGate(t, true)
	ctx := context.Background()
	sub := hub.Subscribe()
	rec := park(t, g, db, p)
	<-sub // approval.pending

	if _, ok, err := db.NextCandidate(ctx); err != nil || ok {
		t.Fatalf("parked posting must not be a candidate (ok=%v err=%v)", ok, err)
	}

	rec, err := g.Decide(ctx, rec.ID, domain.DecisionRejected, "")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if rec.State != domain.StateAbandoned || rec.Reason() != domain.ReasonHumanRejected {
		t.Fatalf("record = %s / %q", rec.State, rec.Reason())
	}

	next, ok, err := db.NextCandidate(ctx)
	if err != nil || !ok || next.ID != p.ID {
		t.Fatalf("rejected posting should re-surface: %+v ok=%v err=%v", next, ok, err)
	}
	if len(sub) == 0 {
		t.Fatalf("no approval.decided event")
	}
}

func TestApprovalKeepsRecordParkedForResume(t *testing.T) {
	g, db, p, _ := newTestGate(t, true)
	ctx := context.Background()
	rec := park(t, g, db, p)

	pending, err := g.Pending(ctx)
	if err != nil || len(pending) != 1 || pending[0].Snapshot == nil || pending[0].Snapshot.Title != "Senior Engineer" {
		t.Fatalf("pending = %+v, %v", pending, err)
	}

	rec, err = g.Decide(ctx, rec.ID, domain.DecisionApproved, "")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if rec.State != domain.StateAwaitingApproval || *rec.ApprovalDecision != domain.DecisionApproved {
		t.Fatalf("record = %+v", rec)
	}
	if pending, _ := g.Pending(ctx); len(pending) != 0 {
		t.Fatalf("still pending: %+v", pending)
	}
	approved, err := g.Approved(ctx)
	if err != nil || len(approved) != 1 || approved[0].ID != rec.ID {
		t.Fatalf("approved = %+v, %v", approved, err)
	}
}

func TestDecideTwiceIsNotPending(t *testing.T) {
	g, db, p, _ := newTestGate(t, true)
	ctx := context.Background()
	rec := park(t, g, db, p)

	if _, err := g.Decide(ctx, rec.ID, domain.DecisionRejected, "salary too low"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	for _, d := range []domain.Decision{domain.DecisionApproved, domain.DecisionRejected} {
		if _, err := g.Decide(ctx, rec.ID, d, ""); !errors.Is(err, domain.ErrNotPending) {
			t.Fatalf("second %s: err = %v, want ErrNotPending", d, err)
		}
	}
	if _, err := g.Decide(ctx, "missing", domain.DecisionApproved, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown id: err = %v", err)
	}
}

func TestDecideRequiresParkedRecord(t *testing.T) {
	g, db, p, _ := newTestGate(t, true)
	ctx := context.Background()
	rec, err := db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: p.ID})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := g.Decide(ctx, rec.ID, domain.DecisionApproved, ""); !errors.Is(err, domain.ErrNotPending) {
		t.Fatalf("err = %v, want ErrNotPending", err)
	}
	if _, err := g.Decide(ctx, rec.ID, domain.DecisionPending, ""); err == nil {
		t.Fatalf("pending is not a decision")
	}
}

func TestRequiredPerSite(t *testing.T) {
	g, _, p, _ := newTestGate(t, false)
	if g.Required(p) {
		t.Fatalf("approval not configured")
	}
	g.requiredFor = func(site string) bool { return site == "indeed" }
	if !g.Required(p) {
		t.Fatalf("approval configured for indeed")
	}
}
