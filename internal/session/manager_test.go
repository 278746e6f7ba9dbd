package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/store"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *store.DB, DirProfiles) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.Migrate(db.Pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	profiles := DirProfiles{Root: t.TempDir()}
	m := NewManager(db, profiles, opts, nil)
	m.Rand = func(int) int { return 0 }
	return m, db, profiles
}

type brokenProfiles struct{}

func (brokenProfiles) Create(context.Context, string) (string, error) {
	return "", errors.New("disk full")
}
func (brokenProfiles) Destroy(context.Context, string) error { return nil }

func TestUseCountNeverExceedsMaxAndRetiredNeverReissued(t *testing.T) {
	m, db, _ := newTestManager(t, Options{MaxUses: 2, MaxSessions: 3})
	ctx := context.Background()
	retired := map[string]bool{}

	for i := 0; i < 7; i++ {
		s, err := m.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if retired[s.SessionID] {
			t.Fatalf("acquire %d returned retired session %s", i, s.SessionID)
		}
		if s.UseCount > 2 {
			t.Fatalf("use count %d exceeds max", s.UseCount)
		}
		if err := m.Release(ctx, s, Outcome{}); err != nil {
			t.Fatalf("release: %v", err)
		}

		all, err := db.ListSessions(ctx, true)
		if err != nil {
			t.Fatal(err)
		}
		for _, row := range all {
			if row.UseCount > 2 {
				t.Fatalf("stored use count %d exceeds max", row.UseCount)
			}
			if row.Retired {
				retired[row.SessionID] = true
			}
		}
	}
	if len(retired) == 0 {
		t.Fatalf("expected sessions to retire after their budget")
	}
}

func TestDetectionRetiresImmediately(t *testing.T) {
	m, db, profiles := newTestManager(t, Options{MaxUses: 10, MaxSessions: 2})
	ctx := context.Background()

	s, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Jar(s.SessionID); err != nil {
		t.Fatalf("jar: %v", err)
	}
	if err := m.Release(ctx, s, Outcome{Detection: true, Reason: "block page"}); err != nil {
		t.Fatal(err)
	}

	stored, err := db.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Retired || stored.RetiredReason != "block page" {
		t.Fatalf("session should be retired: %+v", stored)
	}
	if _, err := os.Stat(profiles.Path(s.ProfileID)); !os.IsNotExist(err) {
		t.Fatalf("retired profile dir should be removed, stat err=%v", err)
	}

	next, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next.SessionID == s.SessionID || next.ProfileID == s.ProfileID {
		t.Fatalf("retired session state was reused")
	}
	if _, err := m.Jar(s.SessionID); err == nil {
		t.Fatalf("retired session must not hand out a jar")
	}
}

func TestAcquirePrefersLeastUsed(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxUses: 10, MaxSessions: 2})
	ctx := context.Background()

	a, _ := m.Acquire(ctx)
	b, _ := m.Acquire(ctx)
	_ = m.Release(ctx, a, Outcome{})
	_ = m.Release(ctx, b, Outcome{})

	// both have one use; the next pick gets a second use
	x, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_ = m.Release(ctx, x, Outcome{})

	got, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID == x.SessionID || got.UseCount != 2 {
		t.Fatalf("expected the least-used session, got %s with use count %d", got.SessionID, got.UseCount)
	}
}

func TestPoolExhaustedIsResourceUnavailable(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxUses: 5, MaxSessions: 1})
	ctx := context.Background()

	if _, err := m.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := m.Acquire(ctx)
	if !errors.Is(err, domain.ErrResourceUnavailable) {
		t.Fatalf("expected ErrResourceUnavailable, got %v", err)
	}
	if !domain.IsDeferral(err) {
		t.Fatalf("pool exhaustion should defer, not fail")
	}
}

func TestSpentSessionLeftLiveIsRetiredOnAcquire(t *testing.T) {
	m, db, _ := newTestManager(t, Options{MaxUses: 2, MaxSessions: 1})
	ctx := context.Background()

	// a crash after the last use leaves the row live with its budget spent
	stale := domain.BrowserSession{SessionID: "stale", ProfileID: "stale", UseCount: 2, CreatedAt: m.Now().UTC()}
	if err := db.SaveSession(ctx, stale); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire with a spent session in the pool: %v", err)
	}
	if s.SessionID == "stale" || s.UseCount != 1 {
		t.Fatalf("acquired %s use %d, want a fresh session", s.SessionID, s.UseCount)
	}
	got, err := db.GetSession(ctx, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Retired || got.RetiredReason == "" {
		t.Fatalf("stale session = %+v, want retired", got)
	}
}

func TestProfileCreationFailureIsResourceUnavailable(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := store.Migrate(db.Pool); err != nil {
		t.Fatal(err)
	}
	m := NewManager(db, brokenProfiles{}, Options{MaxUses: 1, MaxSessions: 1}, nil)
	if _, err := m.Acquire(context.Background()); !errors.Is(err, domain.ErrResourceUnavailable) {
		t.Fatalf("expected ErrResourceUnavailable, got %v", err)
	}
}

func TestShutdownReleasesCheckedOut(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxUses: 5, MaxSessions: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if m.CheckedOut() != 2 {
		t.Fatalf("checked out = %d", m.CheckedOut())
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if m.CheckedOut() != 0 {
		t.Fatalf("sessions still checked out after shutdown: %d", m.CheckedOut())
	}
	status, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range status {
		if s.CheckedOut {
			t.Fatalf("status reports checked out session %s", s.SessionID)
		}
	}
}

func TestReleaseUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxUses: 1, MaxSessions: 1})
	if err := m.Release(context.Background(), domain.BrowserSession{SessionID: "nope"}, Outcome{}); err == nil {
		t.Fatalf("expected error releasing a session that was never acquired")
	}
}
