package httpapi

import (
	"context"
	"log/slog"
	"sync/atomic"

	"jobapply-engine/internal/config"
	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/orchestrator"
	"jobapply-engine/internal/session"
	"jobapply-engine/internal/store"
)

// Store is the read and operator surface of the posting store.
type Store interface {
	ListPostings(ctx context.Context, opts store.ListPostingsOpts) ([]domain.Posting, error)
	GetPosting(ctx context.Context, id int64) (domain.Posting, error)
	Requeue(ctx context.Context, id int64) error
	Archive(ctx context.Context, id int64, note string) error
	ListApplications(ctx context.Context, opts store.ListApplicationsOpts) ([]domain.ApplicationRecord, error)
	GetApplication(ctx context.Context, id string) (domain.ApplicationRecord, error)
}

// Ingester accepts pushed postings. *discovery.Runner implements it.
type Ingester interface {
	Ingest(ctx context.Context, ps []domain.Posting) (int, error)
}

// Approvals is the review surface. *approval.Gate implements it.
type Approvals interface {
	Pending(ctx context.Context) ([]domain.ApplicationRecord, error)
	Decide(ctx context.Context, id string, decision domain.Decision, note string) (domain.ApplicationRecord, error)
}

// SessionPool reports the session pool. *session.Manager implements it.
type SessionPool interface {
	Status(ctx context.Context) ([]session.Status, error)
	CheckedOut() int
}

// Quota reports per-site quota use. *throttle.Throttle implements it.
type Quota interface {
	Usage(ctx context.Context, site string) (used, limit int, err error)
}

type Deps struct {
	Store     Store
	Ingest    Ingester
	Approvals Approvals
	Sessions  SessionPool
	Quota     Quota
	Hub       *events.Hub
	Pub       events.Publisher
	Log       *slog.Logger

	// LastPass reports the orchestrator's most recent pass; may be nil.
	LastPass func() orchestrator.Stats

	// Atomic stores
	CfgVal    *atomic.Value // stores config.Config
	Discovery *atomic.Value // stores httpapi.DiscoveryStatus

	// Config persistence
	UserCfgPath string
	LoadCfg     func() (config.Config, error)

	// RunDiscovery starts a discovery pass; nil disables POST /discovery/run.
	RunDiscovery func(ctx context.Context) (added int, err error)
}
