package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/logging"
)

// Store persists sessions. *store.DB implements it.
type Store interface {
	SaveSession(ctx context.Context, s domain.BrowserSession) error
	GetSession(ctx context.Context, id string) (domain.BrowserSession, error)
	ListSessions(ctx context.Context, includeRetired bool) ([]domain.BrowserSession, error)
}

type Options struct {
	MaxUses     int
	MaxSessions int
	UserAgents  []string
	Locales     []string
	Viewports   []string
	Timezones   []string
}

// Outcome is what the borrower reports back on release.
type Outcome struct {
	// Detection forces retirement regardless of remaining uses.
	Detection bool
	Reason    string
}

// Manager owns the session pool. A session is checked out to at most one
// borrower at a time, and a retired session is never issued again.
type Manager struct {
	mu         sync.Mutex
	store      Store
	profiles   ProfileStore
	opts       Options
	log        *slog.Logger
	checkedOut map[string]domain.BrowserSession
	jars       map[string]http.CookieJar

	// Pub receives session.retired events when set.
	Pub events.Publisher

	// Rand picks fingerprint parameters; tests replace it.
	Rand func(n int) int
	Now  func() time.Time
}

func NewManager(st Store, profiles ProfileStore, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = 1
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1
	}
	return &Manager{
		store:      st,
		profiles:   profiles,
		opts:       opts,
		log:        log.With("component", "session"),
		checkedOut: make(map[string]domain.BrowserSession),
		jars:       make(map[string]http.CookieJar),
		Rand:       rand.IntN,
		Now:        time.Now,
	}
}

// Acquire checks out the least-used eligible session, creating one when none
// is eligible. It fails with ErrResourceUnavailable when the pool is full or
// a new profile cannot be created.
func (m *Manager) Acquire(ctx context.Context) (domain.BrowserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live, err := m.store.ListSessions(ctx, false)
	if err != nil {
		return domain.BrowserSession{}, fmt.Errorf("%w: list sessions: %v", domain.ErrResourceUnavailable, err)
	}

	// A spent session that is not checked out was left behind by a crash or
	// a failed retire; retire it here so it stops holding a pool slot.
	var (
		eligible []domain.BrowserSession
		occupied int
	)
	for _, s := range live {
		if _, busy := m.checkedOut[s.SessionID]; busy {
			occupied++
			continue
		}
		if s.Retired {
			continue
		}
		if s.UseCount >= m.opts.MaxUses {
			if err := m.retireLocked(ctx, s.SessionID, "use budget spent"); err != nil {
				m.log.Warn("retire spent session", "session_id", s.SessionID, "err", err)
			}
			continue
		}
		occupied++
		eligible = append(eligible, s)
	}

	var s domain.BrowserSession
	if len(eligible) > 0 {
		sort.SliceStable(eligible, func(i, j int) bool {
			if eligible[i].UseCount != eligible[j].UseCount {
				return eligible[i].UseCount < eligible[j].UseCount
			}
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		})
		s = eligible[0]
	} else {
		if occupied >= m.opts.MaxSessions {
			return domain.BrowserSession{}, fmt.Errorf("%w: session pool exhausted (%d live, %d checked out)",
				domain.ErrResourceUnavailable, occupied, len(m.checkedOut))
		}
		s, err = m.create(ctx)
		if err != nil {
			return domain.BrowserSession{}, err
		}
	}

	s.UseCount++
	if err := m.store.SaveSession(ctx, s); err != nil {
		return domain.BrowserSession{}, fmt.Errorf("%w: save session: %v", domain.ErrResourceUnavailable, err)
	}
	m.checkedOut[s.SessionID] = s
	m.log.Debug("session acquired", "session_id", s.SessionID, "use_count", s.UseCount)
	return s, nil
}

func (m *Manager) create(ctx context.Context) (domain.BrowserSession, error) {
	id := uuid.NewString()
	profileID, err := m.profiles.Create(ctx, id)
	if err != nil {
		return domain.BrowserSession{}, fmt.Errorf("%w: %v", domain.ErrResourceUnavailable, err)
	}
	s := domain.BrowserSession{
		SessionID: id,
		ProfileID: profileID,
		Fingerprint: domain.Fingerprint{
			UserAgent: m.pick(m.opts.UserAgents),
			Locale:    m.pick(m.opts.Locales),
			Viewport:  m.pick(m.opts.Viewports),
			Timezone:  m.pick(m.opts.Timezones),
		},
		CreatedAt: m.Now().UTC(),
	}
	m.log.Info("session created", "session_id", id, "user_agent", s.Fingerprint.UserAgent)
	return s, nil
}

func (m *Manager) pick(xs []string) string {
	if len(xs) == 0 {
		return ""
	}
	return xs[m.Rand(len(xs))]
}

// Jar returns the cookie jar of a checked-out session. Jars die with their
// session.
func (m *Manager) Jar(sessionID string) (http.CookieJar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkedOut[sessionID]; !ok {
		return nil, fmt.Errorf("session %s is not checked out", sessionID)
	}
	if jar, ok := m.jars[sessionID]; ok {
		return jar, nil
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	m.jars[sessionID] = jar
	return jar, nil
}

// Release returns a session to the pool, retiring it on suspected detection
// or once its use budget is spent.
func (m *Manager) Release(ctx context.Context, s domain.BrowserSession, out Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.checkedOut[s.SessionID]
	if !ok {
		return fmt.Errorf("session %s is not checked out", s.SessionID)
	}
	delete(m.checkedOut, s.SessionID)

	switch {
	case out.Detection:
		reason := out.Reason
		if reason == "" {
			reason = "detection suspected"
		}
		return m.retireLocked(ctx, cur.SessionID, reason)
	case cur.UseCount >= m.opts.MaxUses:
		return m.retireLocked(ctx, cur.SessionID, "use budget spent")
	}
	m.log.Debug("session released", "session_id", cur.SessionID, "use_count", cur.UseCount)
	return nil
}

// Retire marks a session retired and destroys its profile and cookies.
func (m *Manager) Retire(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkedOut, sessionID)
	return m.retireLocked(ctx, sessionID, reason)
}

func (m *Manager) retireLocked(ctx context.Context, sessionID, reason string) error {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	delete(m.jars, sessionID)
	if s.Retired {
		return nil
	}
	s.Retired = true
	s.RetiredReason = reason
	if err := m.store.SaveSession(ctx, s); err != nil {
		return err
	}
	if err := m.profiles.Destroy(ctx, s.ProfileID); err != nil {
		m.log.Warn("profile destroy failed", "session_id", sessionID, "profile_id", s.ProfileID, "err", err)
	}
	m.log.Info("session retired", "session_id", sessionID, "reason", reason, "use_count", s.UseCount)
	events.Emit(m.Pub, events.TypeSessionRetired, map[string]any{
		"sessionId": sessionID, "reason": reason, "useCount": s.UseCount,
	})
	return nil
}

// Shutdown releases every checked-out session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	held := make([]domain.BrowserSession, 0, len(m.checkedOut))
	for _, s := range m.checkedOut {
		held = append(held, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range held {
		if err := m.Release(ctx, s, Outcome{}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(held) > 0 {
		m.log.Info("released sessions on shutdown", "count", len(held))
	}
	return errors.Join(errs...)
}

// Status is one pool row as exposed over HTTP.
type Status struct {
	domain.BrowserSession
	CheckedOut bool `json:"checkedOut"`
}

func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	all, err := m.store.ListSessions(ctx, true)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(all))
	for _, s := range all {
		_, busy := m.checkedOut[s.SessionID]
		out = append(out, Status{BrowserSession: s, CheckedOut: busy})
	}
	return out, nil
}

// CheckedOut returns the number of sessions currently borrowed.
func (m *Manager) CheckedOut() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkedOut)
}
