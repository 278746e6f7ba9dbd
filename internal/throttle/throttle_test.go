package throttle

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/store"
)

type memLedger struct {
	mu   sync.Mutex
	subs []store.Submission
}

func (l *memLedger) RecordSubmission(_ context.Context, s store.Submission) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, s)
	return nil
}

func (l *memLedger) CountSubmissionsSince(_ context.Context, site string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.subs {
		if s.Site == site && !s.At.Before(since) {
			n++
		}
	}
	return n, nil
}

func (l *memLedger) LastSubmissionAt(_ context.Context, site string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var last time.Time
	for _, s := range l.subs {
		if s.Site == site && s.At.After(last) {
			last = s.At
		}
	}
	return last, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestThrottle(limit int, cooldown time.Duration) (*Throttle, *memLedger, *fakeClock) {
	ledger := &memLedger{}
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	th := New(Options{
		MinDelay:         500 * time.Millisecond,
		MaxDelay:         1500 * time.Millisecond,
		Cooldown:         cooldown,
		DailyLimit:       func(string) int { return limit },
		ActionsPerSecond: 1000,
		Burst:            1000,
	}, ledger, nil)
	th.Now = clock.Now
	return th, ledger, clock
}

func TestThirdAttemptSameDayIsQuotaExceeded(t *testing.T) {
	th, _, clock := newTestThrottle(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		tk, err := th.Admit(ctx, "greenhouse")
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if err := tk.Commit(ctx, store.Submission{Outcome: "submitted"}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(2 * time.Minute)
	}

	_, err := th.Admit(ctx, "greenhouse")
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if !domain.IsDeferral(err) {
		t.Fatalf("quota exhaustion must be a deferral")
	}

	// other sites are unaffected
	if _, err := th.Admit(ctx, "lever"); err != nil {
		t.Fatalf("lever: %v", err)
	}

	// the window rolls
	clock.Advance(Window)
	if _, err := th.Admit(ctx, "greenhouse"); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestCooldownBetweenAttempts(t *testing.T) {
	th, _, clock := newTestThrottle(10, 2*time.Minute)
	ctx := context.Background()

	tk, err := th.Admit(ctx, "lever")
	if err != nil {
		t.Fatal(err)
	}
	tk.Release()

	clock.Advance(time.Minute)
	if _, err := th.Admit(ctx, "lever"); !errors.Is(err, domain.ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := th.Admit(ctx, "lever"); err != nil {
		t.Fatalf("after cooldown: %v", err)
	}
}

func TestCooldownSeededFromLedger(t *testing.T) {
	th, ledger, clock := newTestThrottle(10, 5*time.Minute)
	ledger.subs = append(ledger.subs, store.Submission{Site: "lever", At: clock.Now().Add(-time.Minute)})

	if _, err := th.Admit(context.Background(), "lever"); !errors.Is(err, domain.ErrCooldownActive) {
		t.Fatalf("restart should honour the last ledger entry, got %v", err)
	}
}

func TestOneAttemptInFlightPerSite(t *testing.T) {
	th, _, _ := newTestThrottle(10, 0)
	ctx := context.Background()

	tk, err := th.Admit(ctx, "Greenhouse")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := th.Admit(ctx, "greenhouse"); !errors.Is(err, domain.ErrSiteBusy) {
		t.Fatalf("expected ErrSiteBusy, got %v", err)
	}

	tk.Cancel()
	tk.Release() // no-op after Cancel
	if _, err := th.Admit(ctx, "greenhouse"); err != nil {
		t.Fatalf("cancelled ticket should free the site: %v", err)
	}
}

func TestCancelledTicketIsNotCounted(t *testing.T) {
	th, ledger, _ := newTestThrottle(1, time.Hour)
	ctx := context.Background()

	tk, err := th.Admit(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	tk.Cancel()
	if len(ledger.subs) != 0 {
		t.Fatalf("cancel must not write the ledger")
	}
	if _, err := th.Admit(ctx, "s"); err != nil {
		t.Fatalf("cancel must not start the cooldown: %v", err)
	}
}

func TestPaceDelayWithinRange(t *testing.T) {
	th, _, _ := newTestThrottle(1, 0)
	var slept []time.Duration
	th.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	for _, r := range []int64{0, int64(time.Second), int64(250 * time.Millisecond)} {
		r := r
		th.Rand = func(int64) int64 { return r }
		if err := th.Pace(context.Background(), "s"); err != nil {
			t.Fatal(err)
		}
	}
	want := []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 750 * time.Millisecond}
	for i, d := range slept {
		if d != want[i] {
			t.Fatalf("delay %d = %v want %v", i, d, want[i])
		}
	}

	th.Rand = rand.Int64N
	for i := 0; i < 100; i++ {
		d := th.Delay()
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("delay %v out of range", d)
		}
	}
}

func TestPaceHonoursCancellation(t *testing.T) {
	th, _, _ := newTestThrottle(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Pace(ctx, "s"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
