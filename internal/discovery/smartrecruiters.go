package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logging"
	"jobapply-engine/internal/textutil"
	"jobapply-engine/internal/throttle"
)

// SmartRecruiters pages through the public postings API of each company and
// pulls the job ad of every posting for scoring.
type SmartRecruiters struct {
	Boards  []Board
	BaseURL string
	JobsURL string
	// MaxPerCompany bounds paging on very large boards.
	MaxPerCompany int
	f             fetcher
	log           *slog.Logger
}

func NewSmartRecruiters(boards []Board, limiter *throttle.SiteLimiter, log *slog.Logger) *SmartRecruiters {
	if log == nil {
		log = logging.Discard()
	}
	return &SmartRecruiters{
		Boards:        boards,
		BaseURL:       "https://api.smartrecruiters.com",
		JobsURL:       "https://jobs.smartrecruiters.com",
		MaxPerCompany: 500,
		f:             newFetcher(nil, limiter, "smartrecruiters"),
		log:           log.With("source", "smartrecruiters"),
	}
}

func (s *SmartRecruiters) Name() string { return "smartrecruiters" }

type srPage struct {
	Content    []srPosting `json:"content"`
	TotalFound int         `json:"totalFound"`
}

type srPosting struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type srDetail struct {
	JobAd struct {
		Sections map[string]struct {
			Title string `json:"title"`
			Text  string `json:"text"`
		} `json:"sections"`
	} `json:"jobAd"`
}

// section order for the description text
var srSections = []string{"companyDescription", "jobDescription", "qualifications", "additionalInformation"}

func (s *SmartRecruiters) Fetch(ctx context.Context) ([]domain.Posting, error) {
	var (
		out  []domain.Posting
		errs []error
	)
	for _, b := range s.Boards {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		ps, err := s.fetchCompany(cctx, b)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			s.log.Warn("company fetch failed", "slug", b.Slug, "err", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, ps...)
	}
	if len(errs) > 0 && len(errs) == len(s.Boards) {
		return out, errors.Join(errs...)
	}
	return out, nil
}

func (s *SmartRecruiters) fetchCompany(ctx context.Context, b Board) ([]domain.Posting, error) {
	slug := strings.TrimSpace(b.Slug)
	if slug == "" {
		return nil, errors.New("smartrecruiters: empty slug")
	}
	company := b.Name
	if company == "" {
		company = slug
	}
	base := fmt.Sprintf("%s/v1/companies/%s/postings", strings.TrimRight(s.BaseURL, "/"), url.PathEscape(slug))

	const limit = 100
	var out []domain.Posting
	for offset := 0; offset < s.MaxPerCompany; offset += limit {
		page, err := s.page(ctx, fmt.Sprintf("%s?limit=%d&offset=%d", base, limit, offset))
		if err != nil {
			return nil, err
		}
		for _, p := range page.Content {
			id := strings.TrimSpace(p.ID)
			if id == "" {
				id = strings.TrimSpace(p.UUID)
			}
			title := strings.TrimSpace(p.Name)
			if id == "" || title == "" {
				continue
			}
			out = append(out, domain.Posting{
				SourceSite: "smartrecruiters",
				ExternalID: slug + ":" + id,
				URL:        fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.JobsURL, "/"), url.PathEscape(slug), url.PathEscape(id)),
				Title:      title,
				Company:    company,
			})
		}
		if len(page.Content) < limit || (page.TotalFound > 0 && offset+limit >= page.TotalFound) {
			break
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range out {
		g.Go(func() error {
			id := strings.TrimPrefix(out[i].ExternalID, slug+":")
			text, err := s.description(gctx, base+"/"+url.PathEscape(id))
			if err != nil {
				// the posting is still worth keeping without its ad
				s.log.Debug("job ad fetch failed", "id", out[i].ExternalID, "err", err)
				return nil
			}
			out[i].DescriptionText = text
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}

func (s *SmartRecruiters) page(ctx context.Context, u string) (srPage, error) {
	var page srPage
	body, err := s.f.get(ctx, u)
	if err != nil {
		return page, err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&page); err != nil {
		return page, fmt.Errorf("smartrecruiters decode: %w", err)
	}
	return page, nil
}

func (s *SmartRecruiters) description(ctx context.Context, u string) (string, error) {
	body, err := s.f.get(ctx, u)
	if err != nil {
		return "", err
	}
	defer body.Close()
	var d srDetail
	if err := json.NewDecoder(body).Decode(&d); err != nil {
		return "", fmt.Errorf("smartrecruiters detail decode: %w", err)
	}
	var parts []string
	for _, key := range srSections {
		if sec, ok := d.JobAd.Sections[key]; ok && sec.Text != "" {
			parts = append(parts, sec.Title, htmlText(sec.Text))
		}
	}
	return textutil.CleanText(strings.Join(parts, "\n")), nil
}
