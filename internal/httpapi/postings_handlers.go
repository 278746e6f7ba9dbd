package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"jobapply-engine/internal/discovery"
	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/store"
)

type PostingsHandler struct {
	Store  Store
	Ingest Ingester
	Pub    events.Publisher
}

func (h PostingsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ps, err := h.Store.ListPostings(r.Context(), store.ListPostingsOpts{
		Status: domain.PostingStatus(q.Get("status")),
		Site:   q.Get("site"),
		Limit:  queryLimit(r, 200, 5000),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if ps == nil {
		ps = []domain.Posting{}
	}
	WriteJSON(w, http.StatusOK, ps)
}

// Push accepts one posting or an array of them from a discovery collaborator.
// Delivery is at-least-once; duplicates are absorbed by the upsert.
func (h PostingsHandler) Push(w http.ResponseWriter, r *http.Request) {
	if h.Ingest == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "ingest_disabled", "posting ingest is not configured")
		return
	}
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	var batch []domain.Posting
	var err error
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(raw, &batch)
	} else {
		batch = make([]domain.Posting, 1)
		err = json.Unmarshal(raw, &batch[0])
	}
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	changed, err := h.Ingest.Ingest(r.Context(), batch)
	resp := map[string]any{"received": len(batch), "changed": changed}
	if err != nil {
		if !errors.Is(err, discovery.ErrInvalidPosting) {
			WriteError(w, r, http.StatusInternalServerError, "ingest_failed", err.Error())
			return
		}
		resp["errors"] = strings.Split(err.Error(), "\n")
		WriteJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h PostingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/postings/")
	if len(parts) != 1 {
		WriteError(w, r, http.StatusNotFound, "not_found", "no such route")
		return
	}
	id, err := parseID(parts[0])
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}
	p, err := h.Store.GetPosting(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	recs, err := h.Store.ListApplications(r.Context(), store.ListApplicationsOpts{PostingID: id})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.ApplicationRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"posting": p, "applications": recs})
}

type archiveReq struct {
	Note string `json:"note"`
}

// Action handles POST /postings/{id}/requeue and /postings/{id}/archive.
func (h PostingsHandler) Action(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/postings/")
	if len(parts) != 2 {
		WriteError(w, r, http.StatusNotFound, "not_found", "no such route")
		return
	}
	id, err := parseID(parts[0])
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}

	var status domain.PostingStatus
	var note string
	switch parts[1] {
	case "requeue":
		err = h.Store.Requeue(r.Context(), id)
		status = domain.PostingNew
	case "archive":
		var req archiveReq
		if r.ContentLength != 0 {
			if derr := decodeJSON(w, r, &req); derr != nil {
				WriteError(w, r, http.StatusBadRequest, "invalid_json", derr.Error())
				return
			}
		}
		note = req.Note
		if note == "" {
			note = "archived by operator"
		}
		err = h.Store.Archive(r.Context(), id, note)
		status = domain.PostingArchived
	default:
		WriteError(w, r, http.StatusNotFound, "not_found", "unknown action "+parts[1])
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	p, err := h.Store.GetPosting(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	events.Emit(h.Pub, events.TypePostingStatus, events.PostingChange{ID: p.ID, Key: p.Key(), Status: string(status), Note: note})
	WriteJSON(w, http.StatusOK, p)
}
