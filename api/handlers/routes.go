package handlers

import "net/http"

// Routes groups the API handlers. Nil handlers leave their routes
// unregistered.
type Routes struct {
	Health    *HealthHandler
	Workflows *WorkflowHandler
	Runs      *RunHandler
	Context   *ContextHandler
	Events    *EventHandler
	Metrics   *MetricsHandler

	Version, BuildTime, GitCommit string
}

// PublicPaths are served without authentication.
var PublicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

// Register mounts every route on mux using method patterns.
func (rt Routes) Register(mux *http.ServeMux) {
	if h := rt.Health; h != nil {
		mux.HandleFunc("GET /health", h.HandleHealth)
		mux.HandleFunc("GET /healthz", h.HandleHealthz)
		mux.HandleFunc("GET /ready", h.HandleReady)
		mux.HandleFunc("GET /readyz", h.HandleReady)
		mux.HandleFunc("GET /version", h.HandleVersion(rt.Version, rt.BuildTime, rt.GitCommit))
	}

	if h := rt.Workflows; h != nil {
		mux.HandleFunc("POST /api/v1/workflows", h.HandleRegister)
		mux.HandleFunc("GET /api/v1/workflows", h.HandleList)
		mux.HandleFunc("GET /api/v1/workflows/{name}", h.HandleGet)
	}

	if h := rt.Runs; h != nil {
		mux.HandleFunc("POST /api/v1/runs", h.HandleCreate)
		mux.HandleFunc("GET /api/v1/runs", h.HandleList)
		mux.HandleFunc("GET /api/v1/runs/{id}", h.HandleGet)
		mux.HandleFunc("POST /api/v1/runs/{id}/{action}", h.HandleControl)
	}

	if h := rt.Context; h != nil {
		mux.HandleFunc("GET /api/v1/context", h.HandleList)
		mux.HandleFunc("GET /api/v1/context/{key}", h.HandleGet)
		mux.HandleFunc("PUT /api/v1/context/{key}", h.HandleSet)
	}

	if h := rt.Events; h != nil {
		mux.HandleFunc("POST /api/v1/events", h.HandlePublish)
		mux.HandleFunc("GET /api/v1/events/stream", h.HandleStream)
		mux.HandleFunc("GET /api/v1/events/{subscriber}", h.HandlePoll)
		mux.HandleFunc("POST /api/v1/subscriptions", h.HandleSubscribe)
		mux.HandleFunc("GET /api/v1/subscriptions", h.HandleListSubscriptions)
		mux.HandleFunc("DELETE /api/v1/subscriptions/{handle}", h.HandleUnsubscribe)
		mux.HandleFunc("GET /api/v1/topics/{topic}/events", h.HandleReplay)
		mux.HandleFunc("GET /api/v1/bus/stats", h.HandleStats)
	}

	if h := rt.Metrics; h != nil {
		mux.HandleFunc("GET /api/v1/metrics/snapshot", h.HandleSnapshot)
	}
}
