package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/logging"
)

// Store is where discovered postings land.
type Store interface {
	Upsert(ctx context.Context, p domain.Posting) (domain.Posting, bool, error)
}

// Stats summarizes one source in one run.
type Stats struct {
	Source  string    `json:"source"`
	Fetched int       `json:"fetched"`
	Changed int       `json:"changed"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

type Runner struct {
	Sources []Source
	Store   Store
	Pub     events.Publisher
	Workers int

	log *slog.Logger
	mu  sync.Mutex
	// running guards against overlapping scheduled runs
	running bool
}

func NewRunner(st Store, pub events.Publisher, log *slog.Logger, sources ...Source) *Runner {
	if log == nil {
		log = logging.Discard()
	}
	return &Runner{Sources: sources, Store: st, Pub: pub, Workers: 4, log: log.With("component", "discovery")}
}

var (
	ErrRunning        = errors.New("discovery run already in progress")
	ErrInvalidPosting = errors.New("invalid posting")
)

// Run fetches every source concurrently and upserts the results.
func (r *Runner) Run(ctx context.Context) ([]Stats, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	stats := make([]Stats, len(r.Sources))
	g, gctx := errgroup.WithContext(ctx)
	if r.Workers > 0 {
		g.SetLimit(r.Workers)
	}
	for i, src := range r.Sources {
		g.Go(func() error {
			st := Stats{Source: src.Name(), At: time.Now().UTC()}
			ps, err := src.Fetch(gctx)
			st.Fetched = len(ps)
			if err != nil {
				st.Error = err.Error()
				r.log.Warn("source failed", "source", src.Name(), "err", err)
			}
			changed, ierr := r.Ingest(gctx, ps)
			st.Changed = changed
			if ierr != nil {
				st.Error = strings.TrimPrefix(st.Error+"; "+ierr.Error(), "; ")
			}
			stats[i] = st
			// store failures end the run; source failures do not
			if isStoreErr(ierr) {
				return ierr
			}
			return nil
		})
	}
	err := g.Wait()

	for _, st := range stats {
		r.log.Info("discovery source done", "source", st.Source, "fetched", st.Fetched, "changed", st.Changed, "error", st.Error)
	}
	events.Emit(r.Pub, events.TypeDiscoveryRun, stats)
	return stats, err
}

type storeErr struct{ err error }

func (e storeErr) Error() string { return e.err.Error() }
func (e storeErr) Unwrap() error { return e.err }

func isStoreErr(err error) bool {
	var se storeErr
	return errors.As(err, &se)
}

// Ingest validates and upserts pushed or fetched postings. Invalid postings
// are skipped and reported together; a store failure stops the batch.
func (r *Runner) Ingest(ctx context.Context, ps []domain.Posting) (int, error) {
	changed := 0
	var invalid []error
	for _, p := range ps {
		if err := Validate(p); err != nil {
			invalid = append(invalid, err)
			continue
		}
		out, ch, err := r.Store.Upsert(ctx, p)
		if err != nil {
			return changed, storeErr{fmt.Errorf("upsert %s: %w", p.Key(), err)}
		}
		if ch {
			changed++
			events.Emit(r.Pub, events.TypePostingUpserted, events.PostingChange{ID: out.ID, Key: out.Key(), Status: string(out.Status)})
		}
	}
	return changed, errors.Join(invalid...)
}

// Validate checks the fields that make up a posting's identity.
func Validate(p domain.Posting) error {
	var missing []string
	if strings.TrimSpace(p.SourceSite) == "" {
		missing = append(missing, "source_site")
	}
	if strings.TrimSpace(p.ExternalID) == "" {
		missing = append(missing, "external_id")
	}
	if strings.TrimSpace(p.URL) == "" {
		missing = append(missing, "url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("posting %q: %w: missing %s", p.Key(), ErrInvalidPosting, strings.Join(missing, ", "))
	}
	return nil
}
