package httpapi

import (
	"net/http"
	"strings"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/store"
)

type ApplicationsHandler struct {
	Store Store
}

// List serves GET /applications?state=a,b&decision=&posting_id=&limit=.
func (h ApplicationsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListApplicationsOpts{
		Decision: domain.Decision(q.Get("decision")),
		Limit:    queryLimit(r, 200, 5000),
	}
	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := domain.ParseState(strings.TrimSpace(s))
			if err != nil {
				WriteError(w, r, http.StatusBadRequest, "invalid_state", err.Error())
				return
			}
			opts.States = append(opts.States, st)
		}
	}
	if raw := q.Get("posting_id"); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "invalid_id", err.Error())
			return
		}
		opts.PostingID = id
	}

	recs, err := h.Store.ListApplications(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.ApplicationRecord{}
	}
	WriteJSON(w, http.StatusOK, recs)
}

func (h ApplicationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/applications/")
	if len(parts) != 1 {
		WriteError(w, r, http.StatusNotFound, "not_found", "no such route")
		return
	}
	rec, err := h.Store.GetApplication(r.Context(), parts[0])
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}
