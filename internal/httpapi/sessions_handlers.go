package httpapi

import (
	"net/http"
	"sort"
	"strings"

	"jobapply-engine/internal/session"
	"jobapply-engine/internal/store"
)

type SessionsHandler struct {
	Sessions SessionPool
	Quotas   Quota
	Store    Store
}

func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.Sessions.Status(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if r.URL.Query().Get("retired") != "true" {
		live := all[:0]
		for _, s := range all {
			if !s.Retired {
				live = append(live, s)
			}
		}
		all = live
	}
	if all == nil {
		all = []session.Status{}
	}
	WriteJSON(w, http.StatusOK, all)
}

type siteQuota struct {
	Site  string `json:"site"`
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
}

// Quota serves GET /quota?site=a,b. Without sites it reports every site
// that has postings.
func (h SessionsHandler) Quota(w http.ResponseWriter, r *http.Request) {
	var sites []string
	if raw := r.URL.Query().Get("site"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sites = append(sites, s)
			}
		}
	} else {
		ps, err := h.Store.ListPostings(r.Context(), store.ListPostingsOpts{Limit: 5000})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		seen := map[string]bool{}
		for _, p := range ps {
			if !seen[p.SourceSite] {
				seen[p.SourceSite] = true
				sites = append(sites, p.SourceSite)
			}
		}
		sort.Strings(sites)
	}

	out := make([]siteQuota, 0, len(sites))
	for _, site := range sites {
		used, limit, err := h.Quotas.Usage(r.Context(), site)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		out = append(out, siteQuota{Site: site, Used: used, Limit: limit})
	}
	WriteJSON(w, http.StatusOK, out)
}
