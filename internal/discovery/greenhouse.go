package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logging"
	"jobapply-engine/internal/textutil"
	"jobapply-engine/internal/throttle"
)

// Greenhouse scrapes boards.greenhouse.io company boards.
type Greenhouse struct {
	Boards  []Board
	BaseURL string
	f       fetcher
	log     *slog.Logger
}

func NewGreenhouse(boards []Board, limiter *throttle.SiteLimiter, log *slog.Logger) *Greenhouse {
	if log == nil {
		log = logging.Discard()
	}
	return &Greenhouse{
		Boards:  boards,
		BaseURL: "https://boards.greenhouse.io",
		f:       newFetcher(nil, limiter, "greenhouse"),
		log:     log.With("source", "greenhouse"),
	}
}

func (g *Greenhouse) Name() string { return "greenhouse" }

// Fetch returns what it could read. One board being down does not fail the
// run; the error is reported only when every board failed.
func (g *Greenhouse) Fetch(ctx context.Context) ([]domain.Posting, error) {
	var (
		out  []domain.Posting
		errs []error
	)
	for _, b := range g.Boards {
		ps, err := g.fetchBoard(ctx, b)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			g.log.Warn("board fetch failed", "slug", b.Slug, "err", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, ps...)
	}
	if len(errs) > 0 && len(errs) == len(g.Boards) {
		return out, errors.Join(errs...)
	}
	return out, nil
}

func (g *Greenhouse) fetchBoard(ctx context.Context, b Board) ([]domain.Posting, error) {
	boardURL := strings.TrimRight(g.BaseURL, "/") + "/" + b.Slug
	body, err := g.f.get(ctx, boardURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(body)
	body.Close()
	if err != nil {
		return nil, fmt.Errorf("greenhouse parse board html: %w", err)
	}

	base, _ := url.Parse(boardURL)
	company := b.Name
	if company == "" {
		company = b.Slug
	}

	seen := map[string]bool{}
	var out []domain.Posting
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		ref, err := url.Parse(href)
		if href == "" || err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		id := extractJobID(abs)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true

		title := textutil.CleanText(a.Text())
		if looksLikeJunkTitle(title) {
			title = ""
		}
		out = append(out, domain.Posting{
			SourceSite: "greenhouse",
			ExternalID: b.Slug + ":" + id,
			URL:        abs,
			Title:      title,
			Company:    company,
		})
	})

	for i := range out {
		if err := g.hydrate(ctx, &out[i]); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// keep the minimal entry
			g.log.Debug("hydrate failed", "url", out[i].URL, "err", err)
		}
	}
	return out, nil
}

func (g *Greenhouse) hydrate(ctx context.Context, p *domain.Posting) error {
	body, err := g.f.get(ctx, p.URL)
	if err != nil {
		return err
	}
	defer body.Close()
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return err
	}
	if p.Title == "" {
		p.Title = textutil.CleanText(doc.Find("h1").First().Text())
	}
	for _, sel := range []string{"#content", ".job__description", "#app_body"} {
		if t := textutil.CleanText(doc.Find(sel).First().Text()); t != "" {
			p.DescriptionText = t
			break
		}
	}
	return nil
}

// extractJobID returns the digits following /jobs/.
func extractJobID(u string) string {
	_, tail, ok := strings.Cut(u, "/jobs/")
	if !ok {
		return ""
	}
	end := 0
	for end < len(tail) && tail[end] >= '0' && tail[end] <= '9' {
		end++
	}
	return tail[:end]
}

func looksLikeJunkTitle(t string) bool {
	l := strings.ToLower(t)
	return l == "" || strings.Contains(l, "view") || strings.Contains(l, "apply")
}
