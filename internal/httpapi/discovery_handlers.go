package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"jobapply-engine/internal/logging"
)

// DiscoveryStatus is the last known state of discovery runs.
type DiscoveryStatus struct {
	LastRunAt string `json:"last_run_at"`
	LastOkAt  string `json:"last_ok_at"`
	LastError string `json:"last_error"`
	LastAdded int    `json:"last_added"`
	Running   bool   `json:"running"`
}

// TrackDiscovery wraps run so that every call, scheduled or manual, updates
// status.
func TrackDiscovery(status *atomic.Value, run func(ctx context.Context) (int, error)) func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		st, _ := status.Load().(DiscoveryStatus)
		st.Running = true
		st.LastRunAt = time.Now().Format(time.RFC3339)
		status.Store(st)

		added, err := run(ctx)

		now := time.Now().Format(time.RFC3339)
		next, _ := status.Load().(DiscoveryStatus)
		next.Running = false
		next.LastRunAt = now
		next.LastAdded = added
		if err != nil {
			next.LastError = err.Error()
		} else {
			next.LastError = ""
			next.LastOkAt = now
		}
		status.Store(next)
		return added, err
	}
}

type DiscoveryHandler struct {
	Status *atomic.Value // httpapi.DiscoveryStatus
	Run    func(ctx context.Context) (int, error)
	Log    *slog.Logger
}

func (h DiscoveryHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, _ := h.Status.Load().(DiscoveryStatus)
	WriteJSON(w, http.StatusOK, st)
}

// Trigger starts a run in the background and returns at once.
func (h DiscoveryHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.Run == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "discovery_disabled", "no discovery sources configured")
		return
	}
	st, _ := h.Status.Load().(DiscoveryStatus)
	if st.Running {
		WriteJSON(w, http.StatusConflict, map[string]any{"ok": false, "msg": "already running"})
		return
	}

	log := h.Log
	if log == nil {
		log = logging.Discard()
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if _, err := h.Run(ctx); err != nil {
			log.Error("manual discovery run failed", "err", err)
		}
	}()
	WriteJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}
