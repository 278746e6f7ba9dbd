package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logging"
	"jobapply-engine/internal/textutil"
	"jobapply-engine/internal/throttle"
)

// Lever reads the public postings API of each company.
type Lever struct {
	Boards  []Board
	BaseURL string
	f       fetcher
	log     *slog.Logger
}

func NewLever(boards []Board, limiter *throttle.SiteLimiter, log *slog.Logger) *Lever {
	if log == nil {
		log = logging.Discard()
	}
	return &Lever{
		Boards:  boards,
		BaseURL: "https://api.lever.co",
		f:       newFetcher(nil, limiter, "lever"),
		log:     log.With("source", "lever"),
	}
}

func (l *Lever) Name() string { return "lever" }

type leverPosting struct {
	ID               string `json:"id"`
	Text             string `json:"text"` // title
	HostedURL        string `json:"hostedUrl"`
	ApplyURL         string `json:"applyUrl"`
	CreatedAt        int64  `json:"createdAt"` // ms epoch
	Description      string `json:"description"`
	DescriptionPlain string `json:"descriptionPlain"`
	Lists            []struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	} `json:"lists"`
}

func (l *Lever) Fetch(ctx context.Context) ([]domain.Posting, error) {
	var (
		out  []domain.Posting
		errs []error
	)
	for _, b := range l.Boards {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		ps, err := l.fetchCompany(cctx, b)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			l.log.Warn("company fetch failed", "slug", b.Slug, "err", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, ps...)
	}
	if len(errs) > 0 && len(errs) == len(l.Boards) {
		return out, errors.Join(errs...)
	}
	return out, nil
}

func (l *Lever) fetchCompany(ctx context.Context, b Board) ([]domain.Posting, error) {
	apiURL := fmt.Sprintf("%s/v0/postings/%s?mode=json", strings.TrimRight(l.BaseURL, "/"), b.Slug)
	body, err := l.f.get(ctx, apiURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var postings []leverPosting
	if err := json.NewDecoder(body).Decode(&postings); err != nil {
		return nil, fmt.Errorf("lever decode: %w", err)
	}

	company := b.Name
	if company == "" {
		company = b.Slug
	}
	out := make([]domain.Posting, 0, len(postings))
	for _, p := range postings {
		if p.ID == "" || p.HostedURL == "" || strings.TrimSpace(p.Text) == "" {
			continue
		}
		target := p.ApplyURL
		if target == "" {
			target = strings.TrimRight(p.HostedURL, "/") + "/apply"
		}
		out = append(out, domain.Posting{
			SourceSite:      "lever",
			ExternalID:      p.ID,
			URL:             target,
			Title:           strings.TrimSpace(p.Text),
			Company:         company,
			DescriptionText: leverText(p),
		})
	}
	return out, nil
}

func leverText(p leverPosting) string {
	parts := []string{p.DescriptionPlain}
	if p.DescriptionPlain == "" {
		parts[0] = htmlText(p.Description)
	}
	for _, list := range p.Lists {
		parts = append(parts, list.Text, htmlText(list.Content))
	}
	return textutil.CleanText(strings.Join(parts, "\n"))
}

func htmlText(s string) string {
	if s == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return doc.Text()
}
