package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"jobapply-engine/internal/domain"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var e APIError
	e.Error.Code = code
	e.Error.Message = message
	e.Error.RequestID = RequestIDFrom(r.Context())
	WriteJSON(w, status, e)
}

// domainStatus maps domain sentinels to a status and an error code.
var domainStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrNotPending, http.StatusConflict, "not_pending"},
	{domain.ErrActiveRecordExists, http.StatusConflict, "active_record_exists"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrRecordImmutable, http.StatusConflict, "invalid_transition"},
	{domain.ErrQuotaExceeded, http.StatusTooManyRequests, "quota_exceeded"},
	{domain.ErrCooldownActive, http.StatusTooManyRequests, "cooldown_active"},
	{domain.ErrResourceUnavailable, http.StatusServiceUnavailable, "resource_unavailable"},
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range domainStatus {
		if errors.Is(err, m.err) {
			WriteError(w, r, m.status, m.code, err.Error())
			return
		}
	}
	WriteError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
}
