// Package orchestrator runs the application loop: it pulls eligible postings,
// scores them, reserves a quota slot and a session, and hands the attempt to
// the form navigator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/logging"
	"jobapply-engine/internal/navigator"
	"jobapply-engine/internal/rank"
	"jobapply-engine/internal/scheduler"
	"jobapply-engine/internal/session"
	"jobapply-engine/internal/store"
	"jobapply-engine/internal/throttle"
)

// ErrRunning is returned when a pass is requested while one is in progress.
var ErrRunning = errors.New("orchestrator pass already running")

// Store is the subset of *store.DB the orchestrator uses.
type Store interface {
	NextCandidates(ctx context.Context, cq store.CandidateQuery) ([]domain.Posting, error)
	GetPosting(ctx context.Context, id int64) (domain.Posting, error)
	RecordOutcome(ctx context.Context, rec domain.ApplicationRecord) (domain.ApplicationRecord, error)
	UpdateApplication(ctx context.Context, id string, mutate func(*domain.ApplicationRecord) error) (domain.ApplicationRecord, error)
	ListApplications(ctx context.Context, opts store.ListApplicationsOpts) ([]domain.ApplicationRecord, error)
	SetPostingStatus(ctx context.Context, id int64, status domain.PostingStatus, score int, note string) error
	Defer(ctx context.Context, id int64, until time.Time, note string) error
}

type Sessions interface {
	Acquire(ctx context.Context) (domain.BrowserSession, error)
	Release(ctx context.Context, s domain.BrowserSession, out session.Outcome) error
}

type Admitter interface {
	Admit(ctx context.Context, site string) (*throttle.Ticket, error)
}

type Runner interface {
	Run(ctx context.Context, a navigator.Attempt) (navigator.Result, error)
}

// Approved lists parked records a human has approved.
type Approved interface {
	Approved(ctx context.Context) ([]domain.ApplicationRecord, error)
}

// Deps are the collaborators of an Orchestrator. Approvals and Pub may be nil.
type Deps struct {
	Store     Store
	Scorer    rank.Scorer
	Sessions  Sessions
	Throttle  Admitter
	Browsers  navigator.BrowserFactory
	Navigator Runner
	Approvals Approved
	// Profile is read at the start of every pass so edits to the profile
	// file apply without a restart.
	Profile func(ctx context.Context) (domain.Profile, error)
	Pub     events.Publisher
}

type Options struct {
	Workers    int
	MinScore   int
	MaxRecords int
	BatchSize  int
	DeferFor   time.Duration
	Interval   time.Duration
}

// Stats counts what one pass did.
type Stats struct {
	Picked    int `json:"picked"`
	Resumed   int `json:"resumed"`
	Skipped   int `json:"skipped"`
	Deferred  int `json:"deferred"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	Parked    int `json:"parked"`
}

type Orchestrator struct {
	d    Deps
	opts Options
	log  *slog.Logger
	Now  func() time.Time

	pass sync.Mutex
	mu   sync.Mutex
	last Stats
}

func New(d Deps, opts Options, log *slog.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = opts.Workers
	}
	if opts.DeferFor <= 0 {
		opts.DeferFor = 15 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Orchestrator{d: d, opts: opts, log: log.With("component", "orchestrator"), Now: time.Now}
}

// Recover runs once at startup. A record left in submitting may or may not
// have reached the site, so it is failed as unconfirmed. Other intermediate
// records are resumed by the next pass.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	recs, err := o.d.Store.ListApplications(ctx, store.ListApplicationsOpts{
		States: []domain.State{domain.StateSubmitting},
	})
	if err != nil {
		return 0, fmt.Errorf("list submitting: %w", err)
	}
	n := 0
	for _, rec := range recs {
		reason := domain.ReasonUnconfirmedSubmission + ": interrupted during submit"
		if err := o.failRecord(ctx, rec, reason); err != nil {
			return n, fmt.Errorf("recover: %w", err)
		}
		n++
		o.log.Warn("interrupted submit marked unconfirmed", "application_id", rec.ID, "posting_id", rec.PostingID)
	}
	return n, nil
}

// Loop runs a pass immediately and then every Interval until ctx ends.
func (o *Orchestrator) Loop(ctx context.Context) {
	scheduler.Every(ctx, o.opts.Interval, "orchestrator", o.log, func(ctx context.Context) error {
		_, err := o.RunOnce(ctx)
		if errors.Is(err, ErrRunning) {
			return nil
		}
		return err
	})
}

// LastStats returns the counters of the most recent finished pass.
func (o *Orchestrator) LastStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

type job struct {
	posting domain.Posting
	// resume is set when an existing record continues rather than a new one
	// being started.
	resume *domain.ApplicationRecord
}

// RunOnce processes one batch: approved and interrupted records first, then
// fresh candidates, at most one job per site.
func (o *Orchestrator) RunOnce(ctx context.Context) (Stats, error) {
	if !o.pass.TryLock() {
		return Stats{}, ErrRunning
	}
	defer o.pass.Unlock()

	// An unusable profile skips the whole pass and touches no posting, so
	// fixing the file is enough to resume.
	prof, err := o.profile(ctx)
	if err != nil {
		o.log.Error("profile unusable, pass skipped", "err", err)
		return Stats{}, fmt.Errorf("%s: %w", domain.ReasonFatalConfiguration, err)
	}

	jobs, err := o.collect(ctx)
	if err != nil {
		return Stats{}, err
	}

	var (
		mu    sync.Mutex
		stats Stats
	)
	count := func(f func(*Stats)) {
		mu.Lock()
		f(&stats)
		mu.Unlock()
	}

	// A failed job never cancels its siblings.
	var (
		g    errgroup.Group
		errs []error
	)
	g.SetLimit(o.opts.Workers)
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := o.process(ctx, j, prof, count); err != nil {
				o.log.Error("job failed", "posting", j.posting.Key(), "err", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	err = errors.Join(errs...)

	o.mu.Lock()
	o.last = stats
	o.mu.Unlock()
	if stats.Picked+stats.Resumed > 0 {
		o.log.Info("pass done", "picked", stats.Picked, "resumed", stats.Resumed, "submitted", stats.Submitted,
			"failed", stats.Failed, "abandoned", stats.Abandoned, "parked", stats.Parked,
			"skipped", stats.Skipped, "deferred", stats.Deferred)
	}
	return stats, err
}

var resumable = []domain.State{
	domain.StateStarted,
	domain.StateLocated,
	domain.StateFilling,
	domain.StateAwaitingChallenge,
}

func (o *Orchestrator) collect(ctx context.Context) ([]job, error) {
	var recs []domain.ApplicationRecord
	if o.d.Approvals != nil {
		approved, err := o.d.Approvals.Approved(ctx)
		if err != nil {
			return nil, fmt.Errorf("list approved: %w", err)
		}
		recs = append(recs, approved...)
	}
	// Passes never overlap, so an intermediate record seen here was left by
	// an interrupted attempt.
	interrupted, err := o.d.Store.ListApplications(ctx, store.ListApplicationsOpts{States: resumable})
	if err != nil {
		return nil, fmt.Errorf("list interrupted: %w", err)
	}
	recs = append(recs, interrupted...)

	sites := map[string]bool{}
	var jobs []job
	for _, rec := range recs {
		p, err := o.d.Store.GetPosting(ctx, rec.PostingID)
		if err != nil {
			o.log.Error("posting of resumable record missing", "application_id", rec.ID, "posting_id", rec.PostingID, "err", err)
			continue
		}
		if sites[p.SourceSite] {
			continue
		}
		sites[p.SourceSite] = true
		jobs = append(jobs, job{posting: p, resume: &rec})
	}

	cands, err := o.d.Store.NextCandidates(ctx, store.CandidateQuery{
		MaxRecords: o.opts.MaxRecords,
		Limit:      o.opts.BatchSize * 4,
	})
	if err != nil {
		return nil, fmt.Errorf("next candidates: %w", err)
	}
	for _, p := range cands {
		if len(jobs) >= o.opts.BatchSize {
			break
		}
		if sites[p.SourceSite] {
			continue
		}
		sites[p.SourceSite] = true
		jobs = append(jobs, job{posting: p})
	}
	return jobs, nil
}

// process runs one job. Only persistence failures are returned; every site
// or policy outcome ends in a recorded state.
func (o *Orchestrator) process(ctx context.Context, j job, prof domain.Profile, count func(func(*Stats))) error {
	p := j.posting
	log := o.log.With("posting", p.Key(), "posting_id", p.ID)
	if j.resume != nil {
		count(func(s *Stats) { s.Resumed++ })
		log = log.With("application_id", j.resume.ID, "resume_from", j.resume.State)
	} else {
		count(func(s *Stats) { s.Picked++ })
	}

	match := o.d.Scorer.Score(p, prof)
	match.PostingID = p.ID
	if j.resume == nil && match.Score < o.opts.MinScore {
		count(func(s *Stats) { s.Skipped++ })
		log.Debug("below threshold", "score", match.Score, "min", o.opts.MinScore)
		o.setStatus(ctx, p, domain.PostingSkipped, match.Score, match.Rationale)
		return nil
	}

	ticket, err := o.d.Throttle.Admit(ctx, p.SourceSite)
	if err != nil {
		return o.deferJob(ctx, j, err, count, log)
	}
	sess, err := o.d.Sessions.Acquire(ctx)
	if err != nil {
		ticket.Cancel()
		return o.deferJob(ctx, j, err, count, log)
	}
	release := func(out session.Outcome) {
		if err := o.d.Sessions.Release(context.WithoutCancel(ctx), sess, out); err != nil {
			log.Error("release session", "session_id", sess.SessionID, "err", err)
		}
	}

	browser, err := o.d.Browsers.Open(ctx, sess)
	if err != nil {
		ticket.Cancel()
		release(session.Outcome{})
		return o.deferJob(ctx, j, fmt.Errorf("%w: open browser: %v", domain.ErrResourceUnavailable, err), count, log)
	}
	defer browser.Close()

	var rec domain.ApplicationRecord
	if j.resume != nil {
		rec = *j.resume
	} else {
		rec, err = o.d.Store.RecordOutcome(ctx, domain.ApplicationRecord{
			PostingID: p.ID,
			State:     domain.StateStarted,
			SessionID: sess.SessionID,
		})
		if err != nil {
			ticket.Cancel()
			release(session.Outcome{})
			if errors.Is(err, domain.ErrActiveRecordExists) {
				log.Debug("posting already has an active application")
				return nil
			}
			return fmt.Errorf("start application for %s: %w", p.Key(), err)
		}
		log = log.With("application_id", rec.ID)
		events.Emit(o.d.Pub, events.TypeApplicationState, events.ApplicationChange{
			ID: rec.ID, PostingID: rec.PostingID, State: string(rec.State),
		})
	}

	res, runErr := o.d.Navigator.Run(ctx, navigator.Attempt{
		Record:  rec,
		Posting: p,
		Profile: prof,
		Session: sess,
		Browser: browser,
		Match:   match,
	})

	switch {
	case res.Counted:
		if err := ticket.Commit(context.WithoutCancel(ctx), store.Submission{
			PostingID:     p.ID,
			ApplicationID: res.Record.ID,
			Outcome:       string(res.Record.State),
		}); err != nil {
			log.Error("record submission in quota ledger", "err", err)
		}
	case res.Reached:
		ticket.Release()
	default:
		ticket.Cancel()
	}
	release(session.Outcome{Detection: res.Detection, Reason: res.Record.Reason()})

	if runErr != nil {
		return fmt.Errorf("attempt %s: %w", p.Key(), runErr)
	}

	reason := res.Record.Reason()
	switch res.Outcome {
	case navigator.OutcomeSubmitted:
		count(func(s *Stats) { s.Submitted++ })
		log.Info("application submitted", "confirmation", res.Record.Confirmation)
		o.setStatus(ctx, p, domain.PostingApplied, match.Score, res.Record.Confirmation)
	case navigator.OutcomeFailed:
		count(func(s *Stats) { s.Failed++ })
		log.Warn("application failed", "reason", reason)
		o.setStatus(ctx, p, domain.PostingReview, match.Score, reason)
	case navigator.OutcomeAbandoned:
		count(func(s *Stats) { s.Abandoned++ })
		log.Warn("application abandoned", "reason", reason, "detection", res.Detection)
		if res.Detection {
			o.deferPosting(ctx, p, reason)
		} else {
			o.setStatus(ctx, p, domain.PostingNew, match.Score, reason)
		}
	case navigator.OutcomeParked:
		count(func(s *Stats) { s.Parked++ })
		log.Info("application awaiting approval")
	case navigator.OutcomeInterrupted:
		log.Info("attempt interrupted", "state", res.Record.State)
	}
	return nil
}

func (o *Orchestrator) profile(ctx context.Context) (domain.Profile, error) {
	if o.d.Profile == nil {
		return domain.Profile{}, errors.New("no profile source configured")
	}
	prof, err := o.d.Profile(ctx)
	if err != nil {
		return prof, err
	}
	if err := prof.Validate(); err != nil {
		return prof, err
	}
	if _, err := os.Stat(prof.ResumePath); err != nil {
		return prof, &domain.Failure{Kind: domain.KindFatalConfig, Reason: domain.ReasonFatalConfiguration,
			Err: fmt.Errorf("resume file: %w", err)}
	}
	return prof, nil
}

// deferJob handles a refusal before the attempt started. Policy refusals
// leave the posting in its pre-application state; anything else is returned.
func (o *Orchestrator) deferJob(ctx context.Context, j job, err error, count func(func(*Stats)), log *slog.Logger) error {
	if !domain.IsDeferral(err) {
		return fmt.Errorf("admit %s: %w", j.posting.Key(), err)
	}
	count(func(s *Stats) { s.Deferred++ })
	log.Info("attempt deferred", "why", err)
	// A busy or cooling-down site frees up within the loop interval, so
	// only the slow-clearing conditions are persisted.
	if j.resume == nil && (errors.Is(err, domain.ErrQuotaExceeded) || errors.Is(err, domain.ErrResourceUnavailable)) {
		o.deferPosting(ctx, j.posting, err.Error())
	}
	return nil
}

func (o *Orchestrator) failRecord(ctx context.Context, rec domain.ApplicationRecord, reason string) error {
	out, err := o.d.Store.UpdateApplication(context.WithoutCancel(ctx), rec.ID, func(cur *domain.ApplicationRecord) error {
		cur.State = domain.StateFailed
		cur.FailureReason = &reason
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail %s: %w", rec.ID, err)
	}
	events.Emit(o.d.Pub, events.TypeApplicationState, events.ApplicationChange{
		ID: out.ID, PostingID: out.PostingID, State: string(out.State), Reason: reason,
	})
	if p, err := o.d.Store.GetPosting(ctx, out.PostingID); err == nil {
		o.setStatus(ctx, p, domain.PostingReview, p.LastScore, reason)
	}
	return nil
}

func (o *Orchestrator) setStatus(ctx context.Context, p domain.Posting, status domain.PostingStatus, score int, note string) {
	if err := o.d.Store.SetPostingStatus(context.WithoutCancel(ctx), p.ID, status, score, note); err != nil {
		o.log.Error("set posting status", "posting", p.Key(), "status", status, "err", err)
		return
	}
	events.Emit(o.d.Pub, events.TypePostingStatus, events.PostingChange{
		ID: p.ID, Key: p.Key(), Status: string(status), Note: note,
	})
}

func (o *Orchestrator) deferPosting(ctx context.Context, p domain.Posting, note string) {
	until := o.Now().Add(o.opts.DeferFor)
	if err := o.d.Store.Defer(context.WithoutCancel(ctx), p.ID, until, note); err != nil {
		o.log.Error("defer posting", "posting", p.Key(), "err", err)
		return
	}
	events.Emit(o.d.Pub, events.TypePostingStatus, events.PostingChange{
		ID: p.ID, Key: p.Key(), Status: string(domain.PostingDeferred), Note: note,
	})
}
