package httpapi

import (
	"net/http"

	"jobapply-engine/internal/orchestrator"
)

type HealthHandler struct {
	Sessions SessionPool
	LastPass func() orchestrator.Stats
}

func (h HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"ok": true}
	if h.Sessions != nil {
		out["checkedOut"] = h.Sessions.CheckedOut()
	}
	if h.LastPass != nil {
		out["lastPass"] = h.LastPass()
	}
	WriteJSON(w, http.StatusOK, out)
}
