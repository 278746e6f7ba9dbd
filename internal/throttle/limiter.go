package throttle

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// SiteLimiter rate-limits primitive interactions per site (greenhouse, lever, ...).
type SiteLimiter struct {
	mu sync.Mutex
	m  map[string]*rate.Limiter
	r  rate.Limit
	b  int
}

func NewSiteLimiter(actionsPerSec float64, burst int) *SiteLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &SiteLimiter{
		m: make(map[string]*rate.Limiter),
		r: rate.Limit(actionsPerSec),
		b: burst,
	}
}

func (sl *SiteLimiter) limiterFor(site string) *rate.Limiter {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	site = strings.ToLower(site)
	if site == "" {
		site = "_"
	}
	if lim, ok := sl.m[site]; ok {
		return lim
	}
	lim := rate.NewLimiter(sl.r, sl.b)
	sl.m[site] = lim
	return lim
}

func (sl *SiteLimiter) Wait(ctx context.Context, site string) error {
	return sl.limiterFor(site).Wait(ctx)
}
