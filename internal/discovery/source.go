// Package discovery pulls postings from job boards into the store.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/throttle"
)

// Source supplies postings. Delivery is at-least-once; the store dedups.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]domain.Posting, error)
}

// Board is one company board on an ATS.
type Board struct {
	Slug string
	Name string
}

const userAgent = "JobApply/1.0 (+local)"

type fetcher struct {
	client  *http.Client
	limiter *throttle.SiteLimiter
	site    string
}

func newFetcher(client *http.Client, limiter *throttle.SiteLimiter, site string) fetcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return fetcher{client: client, limiter: limiter, site: site}
}

// get returns the body of a 2xx response; the caller closes it.
func (f fetcher) get(ctx context.Context, url string) (io.ReadCloser, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, f.site); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s get: %w", f.site, err)
	}
	if res.StatusCode >= 400 {
		res.Body.Close()
		return nil, fmt.Errorf("%s status %d for %s", f.site, res.StatusCode, url)
	}
	return res.Body, nil
}
