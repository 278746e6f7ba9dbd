package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jobapply-engine/internal/domain"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestDB(t *testing.T) (*DB, *testClock) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := Migrate(db.Pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	db.Now = clock.Now
	return db, clock
}

func mustUpsert(t *testing.T, db *DB, p domain.Posting) domain.Posting {
	t.Helper()
	out, _, err := db.Upsert(context.Background(), p)
	if err != nil {
		t.Fatalf("upsert %s: %v", p.Key(), err)
	}
	return out
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, _ := newTestDB(t)
	if err := Migrate(db.Pool); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUpsertIdenticalContentReportsNoChange(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	p := domain.Posting{
		SourceSite:      "indeed",
		ExternalID:      "123",
		URL:             "https://indeed.example/jobs/123",
		Title:           "Senior Engineer",
		Company:         "Acme",
		DescriptionText: "Python developer wanted",
	}

	first, changed, err := db.Upsert(ctx, p)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !changed {
		t.Fatalf("first upsert should report a change")
	}

	second, changed, err := db.Upsert(ctx, p)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if changed {
		t.Fatalf("second upsert with identical content reported changed=true")
	}
	if second.ID != first.ID || second.Fingerprint != first.Fingerprint {
		t.Fatalf("identity drifted: %+v vs %+v", first, second)
	}

	all, err := db.ListPostings(ctx, ListPostingsOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one row, got %d", len(all))
	}
}

func TestUpsertChangedContentKeepsIdentity(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	orig := mustUpsert(t, db, domain.Posting{
		SourceSite: "lever", ExternalID: "abc", URL: "https://jobs.lever.co/acme/abc",
		Title: "Backend Engineer", DescriptionText: "Go and SQL",
	})
	if err := db.SetPostingStatus(ctx, orig.ID, domain.PostingSkipped, 10, "below threshold"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	updated, changed, err := db.Upsert(ctx, domain.Posting{
		SourceSite: "lever", ExternalID: "abc", URL: "https://elsewhere.example",
		Title: "Renamed", DescriptionText: "Go, SQL and Python",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !changed {
		t.Fatalf("changed description should report changed=true")
	}
	if updated.ID != orig.ID || updated.URL != orig.URL || updated.Title != orig.Title {
		t.Fatalf("re-discovery must not rewrite identity fields: %+v", updated)
	}
	if updated.Status != domain.PostingNew {
		t.Fatalf("skipped posting with new content should be new again, got %s", updated.Status)
	}
}

func TestUpsertWhitespaceOnlyChangeIsNoChange(t *testing.T) {
	db, _ := newTestDB(t)
	mustUpsert(t, db, domain.Posting{SourceSite: "x", ExternalID: "1", DescriptionText: "a  b\nc"})
	_, changed, err := db.Upsert(context.Background(), domain.Posting{SourceSite: "x", ExternalID: "1", DescriptionText: "a b c "})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if changed {
		t.Fatalf("whitespace-only change should not change the fingerprint")
	}
}

func TestNextCandidatesOldestFirstAndSkipsActive(t *testing.T) {
	db, clock := newTestDB(t)
	ctx := context.Background()

	var ids []int64
	for _, ext := range []string{"a", "b", "c"} {
		p := mustUpsert(t, db, domain.Posting{SourceSite: "greenhouse", ExternalID: ext, DescriptionText: ext})
		ids = append(ids, p.ID)
		clock.Advance(time.Minute)
	}

	if _, err := db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: ids[0], State: domain.StateStarted}); err != nil {
		t.Fatalf("start: %v", err)
	}

	got, err := db.NextCandidates(ctx, CandidateQuery{Limit: 10})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[1] || got[1].ID != ids[2] {
		t.Fatalf("unexpected candidates: %+v", got)
	}

	first, ok, err := db.NextCandidate(ctx)
	if err != nil || !ok {
		t.Fatalf("next candidate: ok=%v err=%v", ok, err)
	}
	if first.ID != ids[1] {
		t.Fatalf("expected oldest eligible %d, got %d", ids[1], first.ID)
	}
}

func TestNextCandidatesRespectsStatusAndDeferral(t *testing.T) {
	db, clock := newTestDB(t)
	ctx := context.Background()

	skipped := mustUpsert(t, db, domain.Posting{SourceSite: "s", ExternalID: "skipped"})
	archived := mustUpsert(t, db, domain.Posting{SourceSite: "s", ExternalID: "archived"})
	deferred := mustUpsert(t, db, domain.Posting{SourceSite: "s", ExternalID: "deferred"})

	if err := db.SetPostingStatus(ctx, skipped.ID, domain.PostingSkipped, 5, ""); err != nil {
		t.Fatal(err)
	}
	if err := db.Archive(ctx, archived.ID, "superseded"); err != nil {
		t.Fatal(err)
	}
	if err := db.Defer(ctx, deferred.ID, clock.Now().Add(10*time.Minute), "quota"); err != nil {
		t.Fatal(err)
	}

	got, err := db.NextCandidates(ctx, CandidateQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}

	clock.Advance(11 * time.Minute)
	got, err = db.NextCandidates(ctx, CandidateQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != deferred.ID {
		t.Fatalf("deferred posting should re-surface once due, got %+v", got)
	}

	// archived postings ignore status changes
	if err := db.SetPostingStatus(ctx, archived.ID, domain.PostingNew, 0, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected archived posting to stay archived, err=%v", err)
	}
}

func TestConcurrentStartsAreExclusive(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	p := mustUpsert(t, db, domain.Posting{SourceSite: "s", ExternalID: "race"})

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		rejects int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: p.ID, State: domain.StateStarted})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrActiveRecordExists):
				rejects++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || rejects != workers-1 {
		t.Fatalf("wins=%d rejects=%d", wins, rejects)
	}
}

func TestTerminalRecordIsImmutable(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	p := mustUpsert(t, db, domain.Posting{SourceSite: "s", ExternalID: "1"})

	rec, err := db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	reason := domain.ReasonFormNotFound
	rec.State = domain.StateFailed
	rec.FailureReason = &reason
	if _, err := db.RecordOutcome(ctx, rec); err != nil {
		t.Fatalf("fail record: %v", err)
	}

	rec.State = domain.StateSubmitted
	if _, err := db.RecordOutcome(ctx, rec); !errors.Is(err, domain.ErrRecordImmutable) {
		t.Fatalf("expected ErrRecordImmutable, got %v", err)
	}

	stored, err := db.GetApplication(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != domain.StateFailed || stored.Reason() != domain.ReasonFormNotFound {
		t.Fatalf("stored record changed: %+v", stored)
	}
}

func TestRecordOutcomeRejectsIllegalTransition(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	p := mustUpsert(t, db, domain.Posting{SourceSite: "s", ExternalID: "1"})

	rec, err := db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	rec.State = domain.StateSubmitted
	if _, err := db.RecordOutcome(ctx, rec); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("started -> submitted should be rejected, got %v", err)
	}
}

func TestRejectedPostingResurfaces(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	p := mustUpsert(t, db, domain.Posting{SourceSite: "s", ExternalID: "1"})

	rec, err := db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.NextCandidate(ctx); ok {
		t.Fatalf("posting with an active record must not be a candidate")
	}

	reason := domain.ReasonHumanRejected
	rejected := domain.DecisionRejected
	rec.State = domain.StateAbandoned
	rec.FailureReason = &reason
	rec.ApprovalDecision = &rejected
	if _, err := db.RecordOutcome(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.NextCandidate(ctx)
	if err != nil || !ok || got.ID != p.ID {
		t.Fatalf("rejected posting should re-surface: ok=%v err=%v got=%+v", ok, err, got)
	}

	// a second active record is now allowed
	if _, err := db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: p.ID}); err != nil {
		t.Fatalf("new attempt after abandonment: %v", err)
	}
}

func TestNextCandidatesExcludeStatesAndMaxRecords(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	p := mustUpsert(t, db, domain.Posting{SourceSite: "s", ExternalID: "1"})

	rec, err := db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	rec.State = domain.StateAbandoned
	if _, err := db.RecordOutcome(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := db.NextCandidates(ctx, CandidateQuery{ExcludeStates: []domain.State{domain.StateAbandoned}, Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("excluded latest state should hide posting, got %+v", got)
	}

	got, err = db.NextCandidates(ctx, CandidateQuery{MaxRecords: 1, Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("max records reached should hide posting, got %+v", got)
	}

	got, err = db.NextCandidates(ctx, CandidateQuery{MaxRecords: 2, Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected posting under the record bound, got %+v", got)
	}
}

func TestSnapshotRoundTripsThroughStore(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	p := mustUpsert(t, db, domain.Posting{SourceSite: "s", ExternalID: "1"})

	rec, err := db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	pending := domain.DecisionPending
	rec.State = domain.StateFilling
	if rec, err = db.RecordOutcome(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.State = domain.StateAwaitingApproval
	rec.ApprovalDecision = &pending
	rec.Snapshot = &domain.Snapshot{PostingID: p.ID, Strategy: "generic", Values: []domain.FieldValue{{Name: "email", Value: "a@b.c"}}}
	if _, err := db.RecordOutcome(ctx, rec); err != nil {
		t.Fatal(err)
	}

	list, err := db.ListApplications(ctx, ListApplicationsOpts{Decision: domain.DecisionPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Snapshot == nil || list[0].Snapshot.Values[0].Value != "a@b.c" {
		t.Fatalf("pending snapshot not persisted: %+v", list)
	}
}

func TestSubmissionLedgerWindow(t *testing.T) {
	db, clock := newTestDB(t)
	ctx := context.Background()

	if err := db.RecordSubmission(ctx, Submission{Site: "Greenhouse", Outcome: "submitted"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)
	if err := db.RecordSubmission(ctx, Submission{Site: "greenhouse", Outcome: "submitted"}); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountSubmissionsSince(ctx, "greenhouse", clock.Now().Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("count in last hour: n=%d err=%v", n, err)
	}
	n, err = db.CountSubmissionsSince(ctx, "greenhouse", clock.Now().Add(-24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("count in last day: n=%d err=%v", n, err)
	}

	last, err := db.LastSubmissionAt(ctx, "greenhouse")
	if err != nil || !last.Equal(clock.Now()) {
		t.Fatalf("last=%v err=%v", last, err)
	}
	last, err = db.LastSubmissionAt(ctx, "lever")
	if err != nil || !last.IsZero() {
		t.Fatalf("unknown site should have zero last time, got %v err=%v", last, err)
	}
}

func TestSaveSessionNeverUnretires(t *testing.T) {
	db, clock := newTestDB(t)
	ctx := context.Background()
	s := domain.BrowserSession{SessionID: "s1", ProfileID: "p1", CreatedAt: clock.Now(), Retired: true, RetiredReason: "detection"}
	if err := db.SaveSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	s.Retired = false
	s.RetiredReason = ""
	s.UseCount = 3
	if err := db.SaveSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Retired || got.RetiredReason != "detection" || got.UseCount != 3 {
		t.Fatalf("unexpected session: %+v", got)
	}

	active, err := db.ListSessions(ctx, false)
	if err != nil || len(active) != 0 {
		t.Fatalf("retired session listed as active: %+v err=%v", active, err)
	}
}
