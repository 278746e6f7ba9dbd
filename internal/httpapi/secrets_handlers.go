package httpapi

import (
	"net/http"
	"sync/atomic"

	"jobapply-engine/internal/config"
	"jobapply-engine/internal/secrets"
)

type SecretsHandler struct {
	CfgVal *atomic.Value // stores config.Config
}

type setSecretReq struct {
	Value string `json:"value"`
	// Password is accepted for the imap secret.
	Password string `json:"password"`
}

func (h SecretsHandler) account(w http.ResponseWriter, r *http.Request) (string, bool) {
	parts := splitPath(r.URL.Path, "/api/secrets/")
	if len(parts) != 1 {
		WriteError(w, r, http.StatusNotFound, "not_found", "no such route")
		return "", false
	}
	cfg := h.CfgVal.Load().(config.Config)
	switch parts[0] {
	case "imap":
		return secrets.IMAPAccount(cfg), true
	case "solver":
		return secrets.SolverAccount(cfg), true
	}
	WriteError(w, r, http.StatusNotFound, "not_found", "unknown secret "+parts[0])
	return "", false
}

func (h SecretsHandler) Set(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	var req setSecretReq
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	value := req.Value
	if value == "" {
		value = req.Password
	}
	if err := secrets.Set(account, value); err != nil {
		WriteError(w, r, http.StatusBadRequest, "store_failed", "failed to store secret: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h SecretsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	if err := secrets.Delete(account); err != nil {
		WriteError(w, r, http.StatusBadRequest, "delete_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
