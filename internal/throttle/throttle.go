package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logging"
	"jobapply-engine/internal/store"
)

// Window is the rolling quota window.
const Window = 24 * time.Hour

// Ledger persists counted attempts. *store.DB implements it.
type Ledger interface {
	RecordSubmission(ctx context.Context, s store.Submission) error
	CountSubmissionsSince(ctx context.Context, site string, since time.Time) (int, error)
	LastSubmissionAt(ctx context.Context, site string) (time.Time, error)
}

// Pacer is the gate every outbound interaction passes through.
type Pacer interface {
	Pace(ctx context.Context, site string) error
}

type Options struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Cooldown time.Duration
	// DailyLimit returns the quota for a site.
	DailyLimit func(site string) int
	// ActionsPerSecond and Burst bound the per-site primitive rate.
	ActionsPerSecond float64
	Burst            int
}

// Throttle paces primitive interactions and admits whole attempts against the
// per-site quota, cooldown and single-flight rule.
type Throttle struct {
	opts    Options
	ledger  Ledger
	limiter *SiteLimiter
	log     *slog.Logger

	mu          sync.Mutex
	inflight    map[string]bool
	lastAttempt map[string]time.Time

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, n).
	Rand func(n int64) int64
}

func New(opts Options, ledger Ledger, log *slog.Logger) *Throttle {
	if log == nil {
		log = logging.Discard()
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.DailyLimit == nil {
		opts.DailyLimit = func(string) int { return 0 }
	}
	if opts.ActionsPerSecond <= 0 {
		opts.ActionsPerSecond = 1
	}
	return &Throttle{
		opts:        opts,
		ledger:      ledger,
		limiter:     NewSiteLimiter(opts.ActionsPerSecond, opts.Burst),
		log:         log.With("component", "throttle"),
		inflight:    make(map[string]bool),
		lastAttempt: make(map[string]time.Time),
		Now:         time.Now,
		Sleep:       sleepCtx,
		Rand:        rand.Int64N,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay draws the next randomized pause from [MinDelay, MaxDelay].
func (t *Throttle) Delay() time.Duration {
	span := int64(t.opts.MaxDelay - t.opts.MinDelay)
	if span <= 0 {
		return t.opts.MinDelay
	}
	return t.opts.MinDelay + time.Duration(t.Rand(span+1))
}

// Pace blocks for the site's rate limit and a human-like random delay.
func (t *Throttle) Pace(ctx context.Context, site string) error {
	if err := t.limiter.Wait(ctx, site); err != nil {
		return err
	}
	return t.Sleep(ctx, t.Delay())
}

// Admit reserves the right to run one attempt against site. It never blocks:
// it returns ErrSiteBusy, ErrCooldownActive or ErrQuotaExceeded instead.
func (t *Throttle) Admit(ctx context.Context, site string) (*Ticket, error) {
	site = strings.ToLower(site)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inflight[site] {
		return nil, fmt.Errorf("%s: %w", site, domain.ErrSiteBusy)
	}

	now := t.Now()
	last, ok := t.lastAttempt[site]
	if !ok {
		var err error
		if last, err = t.ledger.LastSubmissionAt(ctx, site); err != nil {
			return nil, err
		}
		t.lastAttempt[site] = last
	}
	if !last.IsZero() && t.opts.Cooldown > 0 {
		if wait := t.opts.Cooldown - now.Sub(last); wait > 0 {
			return nil, fmt.Errorf("%s: %w (%s left)", site, domain.ErrCooldownActive, wait.Round(time.Second))
		}
	}

	limit := t.opts.DailyLimit(site)
	used, err := t.ledger.CountSubmissionsSince(ctx, site, now.Add(-Window))
	if err != nil {
		return nil, err
	}
	if used >= limit {
		return nil, fmt.Errorf("%s: %w (%d/%d in 24h)", site, domain.ErrQuotaExceeded, used, limit)
	}

	t.inflight[site] = true
	t.log.Debug("attempt admitted", "site", site, "used", used, "limit", limit)
	return &Ticket{t: t, site: site}, nil
}

// Usage reports quota consumption for site.
func (t *Throttle) Usage(ctx context.Context, site string) (used, limit int, err error) {
	site = strings.ToLower(site)
	used, err = t.ledger.CountSubmissionsSince(ctx, site, t.Now().Add(-Window))
	return used, t.opts.DailyLimit(site), err
}

func (t *Throttle) finish(site string, attempted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, site)
	if attempted {
		t.lastAttempt[site] = t.Now()
	}
}

// Ticket is an admitted attempt. Exactly one of Commit, Release or Cancel
// takes effect; later calls are no-ops.
type Ticket struct {
	t    *Throttle
	site string
	once sync.Once
}

func (k *Ticket) Site() string { return k.site }

// Commit counts the attempt against the quota and starts the cooldown.
func (k *Ticket) Commit(ctx context.Context, sub store.Submission) error {
	var err error
	k.once.Do(func() {
		sub.Site = k.site
		sub.At = k.t.Now()
		err = k.t.ledger.RecordSubmission(ctx, sub)
		k.t.finish(k.site, true)
	})
	return err
}

// Release ends an attempt that touched the site but is not counted.
func (k *Ticket) Release() {
	k.once.Do(func() { k.t.finish(k.site, true) })
}

// Cancel drops a reservation that never reached the site.
func (k *Ticket) Cancel() {
	k.once.Do(func() { k.t.finish(k.site, false) })
}
