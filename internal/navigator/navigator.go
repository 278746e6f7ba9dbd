package navigator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logging"
)

// Recorder persists record transitions. *store.DB implements it.
type Recorder interface {
	RecordOutcome(ctx context.Context, rec domain.ApplicationRecord) (domain.ApplicationRecord, error)
}

// Solver is the challenge-resolution collaborator. It returns
// domain.ErrCannotResolve when it gives up.
type Solver interface {
	Solve(ctx context.Context, c Challenge, artifact []byte) (string, error)
}

// Confirmer looks for an out-of-band confirmation, such as an email, after a
// submit whose page was not conclusive.
type Confirmer interface {
	Confirm(ctx context.Context, p domain.Posting, since time.Time) (artifact string, ok bool, err error)
}

// CoverLetters supplies the finalized letter for a posting.
type CoverLetters interface {
	CoverLetter(ctx context.Context, p domain.Posting, prof domain.Profile) (string, error)
}

// Approvals is the human checkpoint before submitting.
type Approvals interface {
	Required(p domain.Posting) bool
	Park(ctx context.Context, rec domain.ApplicationRecord, snap domain.Snapshot) (domain.ApplicationRecord, error)
}

type Options struct {
	NavigationTimeout time.Duration
	NavigationRetries int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	LocateAttempts    int
	FieldRetries      int
	ChallengeTimeout  time.Duration
	ChallengeAttempts int
	SubmitTimeout     time.Duration
	ConfirmTimeout    time.Duration
}

func (o *Options) normalize() {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.NavigationRetries <= 0 {
		o.NavigationRetries = 1
	}
	if o.LocateAttempts <= 0 {
		o.LocateAttempts = 1
	}
	if o.FieldRetries < 0 {
		o.FieldRetries = 0
	}
	if o.ChallengeTimeout <= 0 {
		o.ChallengeTimeout = 2 * time.Minute
	}
	if o.ChallengeAttempts <= 0 {
		o.ChallengeAttempts = 1
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 45 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 2 * time.Minute
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
}

// Outcome summarizes how Run ended.
type Outcome string

const (
	OutcomeSubmitted   Outcome = "submitted"
	OutcomeFailed      Outcome = "failed"
	OutcomeAbandoned   Outcome = "abandoned"
	OutcomeParked      Outcome = "parked"
	OutcomeInterrupted Outcome = "interrupted"
)

// Attempt is one run of the state machine.
type Attempt struct {
	Record  domain.ApplicationRecord
	Posting domain.Posting
	Profile domain.Profile
	Session domain.BrowserSession
	Browser Browser
	Match   domain.MatchResult
}

type Result struct {
	Record  domain.ApplicationRecord
	Outcome Outcome
	// Detection asks the session manager to retire the session.
	Detection bool
	// Reached is set once any request went to the site.
	Reached bool
	// Counted is set when a submit may have gone through and must count
	// against the site quota.
	Counted bool
}

// Navigator drives one application attempt through the site's flow.
type Navigator struct {
	Strategies *Registry
	Pacer      Pacer
	Solver     Solver
	Confirmer  Confirmer
	Letters    CoverLetters
	Records    Recorder
	Approvals  Approvals

	opts  Options
	log   *slog.Logger
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options, log *slog.Logger) *Navigator {
	opts.normalize()
	if log == nil {
		log = logging.Discard()
	}
	return &Navigator{
		opts:  opts,
		log:   log.With("component", "navigator"),
		Now:   time.Now,
		Sleep: sleepCtx,
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

// Run executes the attempt. The returned error is reserved for persistence
// failures; every site outcome is reported through Result. A cancelled
// context leaves the record in its intermediate state, except once the form
// has been submitted, where it is failed as unconfirmed.
func (n *Navigator) Run(ctx context.Context, a Attempt) (Result, error) {
	strategy := n.Strategies.For(a.Posting)
	r := &run{
		n:        n,
		a:        a,
		rec:      a.Record,
		strategy: strategy,
		b:        paced(a.Browser, n.Pacer, a.Posting.SourceSite),
		log: n.log.With("posting", a.Posting.Key(), "application_id", a.Record.ID,
			"strategy", strategy.Name(), "session_id", a.Session.SessionID),
	}
	return r.execute(ctx)
}

type run struct {
	n        *Navigator
	a        Attempt
	rec      domain.ApplicationRecord
	strategy FormStrategy
	b        Browser
	log      *slog.Logger

	reached   bool
	submitted bool
}

var errBlocked = errors.New("blocked by site")

func (r *run) execute(ctx context.Context) (Result, error) {
	now := r.n.Now().UTC()
	approved := r.rec.ApprovalDecision != nil && *r.rec.ApprovalDecision == domain.DecisionApproved && r.rec.Snapshot != nil

	if err := r.persist(ctx, domain.StateStarted, func(rec *domain.ApplicationRecord) {
		rec.AttemptCount++
		rec.LastAttemptAt = now
		rec.SessionID = r.a.Session.SessionID
	}); err != nil {
		return Result{}, err
	}

	page, err := r.navigate(ctx, r.a.Posting.URL)
	if err != nil {
		if ctx.Err() != nil {
			return r.interrupted(ctx)
		}
		return r.fail(ctx, domain.ReasonNavigationFailed, err)
	}

	page, res, done, err := r.settle(ctx, page, domain.StateStarted)
	if done || err != nil {
		return res, err
	}

	form, page, err := r.locate(ctx, page)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return r.interrupted(ctx)
	case errors.Is(err, errBlocked):
		return r.abandon(ctx, domain.ReasonDetectionSuspected, true, err)
	case errors.Is(err, domain.ErrFormNotFound):
		return r.fail(ctx, domain.ReasonFormNotFound, err)
	default:
		var rerr *resultErr
		if errors.As(err, &rerr) {
			return rerr.res, rerr.err
		}
		return r.fail(ctx, domain.ReasonNavigationFailed, err)
	}

	if err := r.persist(ctx, domain.StateLocated, nil); err != nil {
		return Result{}, err
	}

	settled, res, done, err := r.settle(ctx, page, domain.StateLocated)
	if done || err != nil {
		return res, err
	}
	if settled.HTML != page.HTML {
		if f, lerr := r.strategy.Locate(ctx, settled); lerr == nil {
			form = f
		}
	}

	if err := r.persist(ctx, domain.StateFilling, nil); err != nil {
		return Result{}, err
	}

	var values []domain.FieldValue
	if approved {
		values, err = replayValues(form, r.rec.Snapshot.Values)
	} else {
		values, err = r.strategy.Values(form, FillInput{
			Posting:     r.a.Posting,
			Profile:     r.a.Profile,
			CoverLetter: r.coverLetter(ctx),
		})
	}
	if err != nil {
		return r.fail(ctx, domain.ReasonValidationRejected, err)
	}

	if err := r.fill(ctx, form, values); err != nil {
		switch {
		case ctx.Err() != nil:
			return r.interrupted(ctx)
		case domain.KindOf(err) == domain.KindFatalConfig:
			// a bad local path is not the posting's fault
			return r.abandon(ctx, domain.ReasonFatalConfiguration, false, err)
		case errors.Is(err, domain.ErrFieldRejected):
			return r.fail(ctx, domain.ReasonFieldRejected, err)
		default:
			return r.fail(ctx, domain.ReasonValidationRejected, err)
		}
	}

	if !approved && r.n.Approvals != nil && r.n.Approvals.Required(r.a.Posting) {
		return r.park(ctx, values)
	}
	return r.submit(ctx, form)
}

// persist moves the record to state and writes it. Writes survive context
// cancellation so that an interrupted attempt is never lost.
func (r *run) persist(ctx context.Context, state domain.State, mutate func(*domain.ApplicationRecord)) error {
	next := r.rec
	next.State = state
	if mutate != nil {
		mutate(&next)
	}
	saved, err := r.n.Records.RecordOutcome(context.WithoutCancel(ctx), next)
	if err != nil {
		return fmt.Errorf("record %s -> %s: %w", r.rec.State, state, err)
	}
	r.rec = saved
	return nil
}

func (r *run) result(outcome Outcome, detection bool) Result {
	return Result{Record: r.rec, Outcome: outcome, Detection: detection, Reached: r.reached, Counted: r.submitted}
}

func (r *run) fail(ctx context.Context, reason string, cause error) (Result, error) {
	r.log.Warn("application failed", "reason", reason, "err", cause)
	if err := r.persist(ctx, domain.StateFailed, func(rec *domain.ApplicationRecord) {
		rec.FailureReason = reasonText(reason, cause)
	}); err != nil {
		return Result{}, err
	}
	res := r.result(OutcomeFailed, false)
	if reason == domain.ReasonValidationRejected {
		res.Counted = false
	}
	return res, nil
}

func (r *run) abandon(ctx context.Context, reason string, detection bool, cause error) (Result, error) {
	r.log.Warn("application abandoned", "reason", reason, "detection", detection, "err", cause)
	if err := r.persist(ctx, domain.StateAbandoned, func(rec *domain.ApplicationRecord) {
		rec.FailureReason = reasonText(reason, cause)
	}); err != nil {
		return Result{}, err
	}
	return r.result(OutcomeAbandoned, detection), nil
}

// interrupted leaves the record where it is, unless the form was already
// submitted.
func (r *run) interrupted(ctx context.Context) (Result, error) {
	if r.submitted {
		return r.fail(ctx, domain.ReasonUnconfirmedSubmission, ctx.Err())
	}
	r.log.Info("application interrupted", "state", r.rec.State)
	return r.result(OutcomeInterrupted, false), nil
}

// reasonText stores the reason code first so it can be matched, followed by
// a human-readable detail.
func reasonText(reason string, cause error) *string {
	s := reason
	if cause != nil {
		s = reason + ": " + cause.Error()
	}
	return &s
}

// resultErr carries a finished result out of a helper.
type resultErr struct {
	res Result
	err error
}

func (e *resultErr) Error() string { return "attempt finished" }

func (r *run) backoff(i int) time.Duration {
	d := r.n.opts.BackoffBase << i
	if d > r.n.opts.BackoffMax || d <= 0 {
		d = r.n.opts.BackoffMax
	}
	return d
}

func (r *run) navigate(ctx context.Context, url string) (Page, error) {
	var lastErr error
	for i := 0; i < r.n.opts.NavigationRetries; i++ {
		if i > 0 {
			if err := r.n.Sleep(ctx, r.backoff(i-1)); err != nil {
				return Page{}, err
			}
		}
		nctx, cancel := context.WithTimeout(ctx, r.n.opts.NavigationTimeout)
		r.reached = true
		page, err := r.b.Navigate(nctx, url)
		cancel()
		if err == nil && page.Status >= 500 {
			err = fmt.Errorf("server error %d", page.Status)
		}
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		lastErr = err
		r.log.Debug("navigation failed", "attempt", i+1, "err", err)
	}
	return Page{}, fmt.Errorf("after %d attempts: %w", r.n.opts.NavigationRetries, lastErr)
}

// settle deals with block pages and challenges on page. done means the
// attempt is over and res/err are final.
func (r *run) settle(ctx context.Context, page Page, back domain.State) (Page, Result, bool, error) {
	sig := r.strategy.Inspect(page)
	if sig.Blocked {
		res, err := r.abandon(ctx, domain.ReasonDetectionSuspected, true, fmt.Errorf("%w: %s", errBlocked, sig.BlockReason))
		return page, res, true, err
	}
	if sig.Challenge != nil {
		return r.challenge(ctx, *sig.Challenge, back)
	}
	return page, Result{}, false, nil
}

func (r *run) locate(ctx context.Context, page Page) (Form, Page, error) {
	for i := 0; i < r.n.opts.LocateAttempts; i++ {
		form, err := r.strategy.Locate(ctx, page)
		if err == nil {
			return form, page, nil
		}
		if ctx.Err() != nil {
			return Form{}, page, ctx.Err()
		}
		if !errors.Is(err, domain.ErrFormNotFound) {
			return Form{}, page, err
		}
		sel, ok := r.strategy.ApplyLink(page)
		if !ok || i == r.n.opts.LocateAttempts-1 {
			break
		}
		nctx, cancel := context.WithTimeout(ctx, r.n.opts.NavigationTimeout)
		next, err := r.b.Click(nctx, sel)
		cancel()
		if err != nil {
			return Form{}, page, err
		}
		settled, res, done, err := r.settle(ctx, next, domain.StateStarted)
		if done || err != nil {
			return Form{}, page, &resultErr{res: res, err: err}
		}
		page = settled
	}
	return Form{}, page, fmt.Errorf("%w on %s", domain.ErrFormNotFound, page.URL)
}

// challenge hands a challenge to the solver within the attempt budget. A
// challenge that keeps coming back after being answered is treated as a
// detection signal.
func (r *run) challenge(ctx context.Context, c Challenge, back domain.State) (Page, Result, bool, error) {
	if err := r.persist(ctx, domain.StateAwaitingChallenge, nil); err != nil {
		return Page{}, Result{}, true, err
	}
	r.log.Info("challenge detected", "kind", c.Kind)

	finish := func(res Result, err error) (Page, Result, bool, error) { return Page{}, res, true, err }

	var (
		reappeared bool
		lastErr    error
	)
	for i := 0; i < r.n.opts.ChallengeAttempts; i++ {
		artifact, err := r.b.Capture(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return finish(r.interrupted(ctx))
			}
			lastErr = err
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, r.n.opts.ChallengeTimeout)
		response, err := r.n.Solver.Solve(sctx, c, artifact)
		cancel()
		switch {
		case ctx.Err() != nil:
			return finish(r.interrupted(ctx))
		case errors.Is(err, domain.ErrCannotResolve), errors.Is(err, context.DeadlineExceeded):
			return finish(r.abandon(ctx, domain.ReasonChallengeUnresolved, false, err))
		case err != nil:
			lastErr = err
			continue
		}

		actx, cancel := context.WithTimeout(ctx, r.n.opts.NavigationTimeout)
		page, err := r.b.Answer(actx, c, response)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return finish(r.interrupted(ctx))
			}
			lastErr = err
			continue
		}

		sig := r.strategy.Inspect(page)
		if sig.Blocked {
			return finish(r.abandon(ctx, domain.ReasonDetectionSuspected, true, fmt.Errorf("%w: %s", errBlocked, sig.BlockReason)))
		}
		if sig.Challenge == nil {
			if err := r.persist(ctx, back, nil); err != nil {
				return finish(Result{}, err)
			}
			r.log.Info("challenge resolved", "attempt", i+1)
			return page, Result{}, false, nil
		}
		reappeared = true
		c = *sig.Challenge
	}

	if lastErr == nil {
		lastErr = errors.New("challenge budget exhausted")
	}
	return finish(r.abandon(ctx, domain.ReasonChallengeUnresolved, reappeared, lastErr))
}

func (r *run) coverLetter(ctx context.Context) string {
	if r.n.Letters == nil {
		return r.a.Profile.CoverLetter
	}
	text, err := r.n.Letters.CoverLetter(ctx, r.a.Posting, r.a.Profile)
	if err != nil {
		r.log.Warn("cover letter unavailable", "err", err)
		return r.a.Profile.CoverLetter
	}
	return text
}

// replayValues checks an approved snapshot still fits the form.
func replayValues(form Form, values []domain.FieldValue) ([]domain.FieldValue, error) {
	have := map[string]bool{}
	for _, v := range values {
		if _, ok := form.Field(v.Name); !ok {
			return nil, fmt.Errorf("form changed since approval: field %q is gone", v.Name)
		}
		have[v.Name] = true
	}
	var missing []string
	for _, f := range form.Fields {
		if f.Required && !have[f.Name] {
			missing = append(missing, f.Label)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("form changed since approval: %w", &MissingFieldsError{Fields: missing})
	}
	return values, nil
}

// fill enters every value, retrying a rejected field a bounded number of
// times.
func (r *run) fill(ctx context.Context, form Form, values []domain.FieldValue) error {
	for _, v := range values {
		f, ok := form.Field(v.Name)
		if !ok {
			return fmt.Errorf("field %q not on form", v.Name)
		}
		var err error
		for try := 0; try <= r.n.opts.FieldRetries; try++ {
			fctx, cancel := context.WithTimeout(ctx, r.n.opts.NavigationTimeout)
			if f.Kind == KindFile {
				err = r.b.Attach(fctx, f, v.Value)
			} else {
				err = r.b.Fill(fctx, f, v.Value)
			}
			cancel()
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if domain.KindOf(err) == domain.KindFatalConfig {
				return fmt.Errorf("%s: %w", f.Label, err)
			}
			r.log.Debug("field rejected", "field", f.Name, "try", try+1, "err", err)
		}
		if err != nil {
			if errors.Is(err, domain.ErrFieldRejected) {
				return fmt.Errorf("%s: %w", f.Label, err)
			}
			return fmt.Errorf("%s: %w: %v", f.Label, domain.ErrFieldRejected, err)
		}
	}
	return nil
}

func (r *run) park(ctx context.Context, values []domain.FieldValue) (Result, error) {
	snap := domain.Snapshot{
		PostingID: r.a.Posting.ID,
		URL:       r.a.Posting.URL,
		Title:     r.a.Posting.Title,
		Company:   r.a.Posting.Company,
		Strategy:  r.strategy.Name(),
		Values:    values,
		Score:     r.a.Match.Score,
		Rationale: r.a.Match.Rationale,
		TakenAt:   r.n.Now().UTC(),
	}
	rec, err := r.n.Approvals.Park(context.WithoutCancel(ctx), r.rec, snap)
	if err != nil {
		return Result{}, err
	}
	r.rec = rec
	r.log.Info("awaiting approval")
	return r.result(OutcomeParked, false), nil
}

func (r *run) submit(ctx context.Context, form Form) (Result, error) {
	if err := r.persist(ctx, domain.StateSubmitting, nil); err != nil {
		return Result{}, err
	}
	since := r.n.Now().UTC()

	sctx, cancel := context.WithTimeout(ctx, r.n.opts.SubmitTimeout)
	r.submitted = true
	page, err := r.b.Submit(sctx, form)
	cancel()

	for round := 0; ; round++ {
		if err != nil {
			return r.fail(ctx, domain.ReasonUnconfirmedSubmission, err)
		}
		sig := r.strategy.Inspect(page)
		switch {
		case sig.Blocked:
			return r.abandon(ctx, domain.ReasonDetectionSuspected, true, fmt.Errorf("%w after submit: %s", errBlocked, sig.BlockReason))
		case sig.Confirmed:
			return r.succeed(ctx, sig.Confirmation)
		case sig.Challenge != nil && round < r.n.opts.ChallengeAttempts:
			var (
				res  Result
				done bool
			)
			page, res, done, err = r.challenge(ctx, *sig.Challenge, domain.StateSubmitting)
			if done || err != nil {
				return res, err
			}
			continue
		case len(sig.Rejections) > 0:
			return r.fail(ctx, domain.ReasonValidationRejected, errors.New(strings.Join(sig.Rejections, "; ")))
		}
		break
	}

	if r.n.Confirmer != nil {
		cctx, cancel := context.WithTimeout(ctx, r.n.opts.ConfirmTimeout)
		artifact, ok, err := r.n.Confirmer.Confirm(cctx, r.a.Posting, since)
		cancel()
		if err != nil {
			r.log.Warn("confirmation lookup failed", "err", err)
		}
		if ok {
			return r.succeed(ctx, artifact)
		}
	}
	return r.fail(ctx, domain.ReasonUnconfirmedSubmission, errors.New("no confirmation signal"))
}

func (r *run) succeed(ctx context.Context, confirmation string) (Result, error) {
	at := r.n.Now().UTC()
	if err := r.persist(ctx, domain.StateSubmitted, func(rec *domain.ApplicationRecord) {
		rec.SubmittedAt = &at
		rec.Confirmation = confirmation
		rec.FailureReason = nil
	}); err != nil {
		return Result{}, err
	}
	r.log.Info("application submitted", "confirmation", confirmation)
	return r.result(OutcomeSubmitted, false), nil
}
