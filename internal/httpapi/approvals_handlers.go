package httpapi

import (
	"net/http"

	"jobapply-engine/internal/domain"
)

type ApprovalsHandler struct {
	Approvals Approvals
	Store     Store
}

// PendingApproval is one parked application with its posting, as shown to a
// reviewer.
type PendingApproval struct {
	Application domain.ApplicationRecord `json:"application"`
	Posting     *domain.Posting          `json:"posting,omitempty"`
}

func (h ApprovalsHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Approvals.Pending(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]PendingApproval, 0, len(recs))
	for _, rec := range recs {
		item := PendingApproval{Application: rec}
		if p, err := h.Store.GetPosting(r.Context(), rec.PostingID); err == nil {
			item.Posting = &p
		}
		out = append(out, item)
	}
	WriteJSON(w, http.StatusOK, out)
}

type decideReq struct {
	Note string `json:"note"`
}

// Decide handles POST /approvals/{id}/approve and /approvals/{id}/reject.
func (h ApprovalsHandler) Decide(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/approvals/")
	if len(parts) != 2 {
		WriteError(w, r, http.StatusNotFound, "not_found", "no such route")
		return
	}

	var decision domain.Decision
	switch parts[1] {
	case "approve":
		decision = domain.DecisionApproved
	case "reject":
		decision = domain.DecisionRejected
	default:
		WriteError(w, r, http.StatusNotFound, "not_found", "unknown action "+parts[1])
		return
	}

	var req decideReq
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	rec, err := h.Approvals.Decide(r.Context(), parts[0], decision, req.Note)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}
