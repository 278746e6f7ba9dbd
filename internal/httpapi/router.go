package httpapi

import (
	"net/http"

	"jobapply-engine/internal/logging"
)

// NewMux wires every route. Handler returns it wrapped in the middleware chain.
func NewMux(d Deps) *http.ServeMux {
	if d.Log == nil {
		d.Log = logging.Discard()
	}
	mux := http.NewServeMux()

	hh := HealthHandler{Sessions: d.Sessions, LastPass: d.LastPass}
	mux.HandleFunc("/health", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: hh.Health,
	}))

	// Postings
	ph := PostingsHandler{Store: d.Store, Ingest: d.Ingest, Pub: d.Pub}
	mux.HandleFunc("/postings", methodMux(map[string]http.HandlerFunc{
		http.MethodGet:  ph.List,
		http.MethodPost: ph.Push,
	}))
	mux.HandleFunc("/postings/", methodMux(map[string]http.HandlerFunc{
		http.MethodGet:  ph.Get,    // /postings/{id}
		http.MethodPost: ph.Action, // /postings/{id}/requeue|archive
	}))

	// Applications
	ah := ApplicationsHandler{Store: d.Store}
	mux.HandleFunc("/applications", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: ah.List,
	}))
	mux.HandleFunc("/applications/", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: ah.Get,
	}))

	// Approvals
	aph := ApprovalsHandler{Approvals: d.Approvals, Store: d.Store}
	mux.HandleFunc("/approvals", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: aph.List,
	}))
	mux.HandleFunc("/approvals/", methodMux(map[string]http.HandlerFunc{
		http.MethodPost: aph.Decide, // /approvals/{id}/approve|reject
	}))

	// Sessions
	seh := SessionsHandler{Sessions: d.Sessions, Quotas: d.Quota, Store: d.Store}
	mux.HandleFunc("/sessions", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: seh.List,
	}))
	mux.HandleFunc("/quota", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: seh.Quota,
	}))

	// Config
	ch := ConfigHandler{
		CfgVal:      d.CfgVal,
		UserCfgPath: d.UserCfgPath,
		LoadCfg:     d.LoadCfg,
	}
	mux.HandleFunc("/config", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: ch.Get,
		http.MethodPut: ch.Put,
	}))
	mux.HandleFunc("/config/path", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: ch.Path,
	}))
	mux.HandleFunc("/config/validate", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: ch.Validate,
	}))

	// Secrets (use cfgVal, NOT a snapshot cfg)
	sh := SecretsHandler{CfgVal: d.CfgVal}
	mux.HandleFunc("/api/secrets/", methodMux(map[string]http.HandlerFunc{
		http.MethodPost:   sh.Set,    // /api/secrets/{imap|solver}
		http.MethodDelete: sh.Delete, // /api/secrets/{imap|solver}
	}))

	// Discovery
	dh := DiscoveryHandler{Status: d.Discovery, Run: d.RunDiscovery, Log: d.Log}
	mux.HandleFunc("/discovery/status", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: dh.GetStatus,
	}))
	mux.HandleFunc("/discovery/run", methodMux(map[string]http.HandlerFunc{
		http.MethodPost: dh.Trigger,
	}))

	// SSE events
	eh := EventsHandler{Hub: d.Hub}
	mux.HandleFunc("/events", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: eh.ServeSSE,
	}))

	return mux
}

// Handler is NewMux behind the standard middleware chain.
func Handler(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = logging.Discard()
	}
	log := d.Log.With("component", "http")
	return Chain(NewMux(d), RequestID, Recover(log), AccessLog(log), Cors)
}
