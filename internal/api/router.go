// Package api serves the HTTP surface: thread search and activity,
// reindexing, analytics series, review sessions, profile management, the
// Prometheus endpoint, and the WebSocket upgrade.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/codex-hub/codex-hub/internal/activity"
	"github.com/codex-hub/codex-hub/internal/analytics"
	"github.com/codex-hub/codex-hub/internal/metrics"
	"github.com/codex-hub/codex-hub/internal/observers"
	"github.com/codex-hub/codex-hub/internal/profiles"
	"github.com/codex-hub/codex-hub/internal/reviews"
	"github.com/codex-hub/codex-hub/internal/threadindex"
)

// Supervisor is the slice of the process supervisor the HTTP layer uses.
type Supervisor interface {
	Start(ctx context.Context, profile profiles.Profile) error
	Request(ctx context.Context, profileID, method string, params any) (json.RawMessage, error)
	Running(profileID string) bool
}

// Deps carries the router's collaborators.
type Deps struct {
	Token      string
	Version    string
	Supervisor Supervisor
	Profiles   *profiles.Store
	Threads    *threadindex.Store
	Tracker    *activity.Tracker
	Analytics  *analytics.Store
	Reviews    *reviews.Store
	Metrics    *metrics.Metrics
	Dispatcher *observers.Dispatcher
	WebSocket  http.HandlerFunc
}

// Router dispatches HTTP requests.
type Router struct {
	mux  *http.ServeMux
	deps Deps
}

// NewRouter builds the route table.
func NewRouter(deps Deps) *Router {
	r := &Router{
		mux:  http.NewServeMux(),
		deps: deps,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)

	r.handleBoth("/threads/search", r.requireAuth(r.handleThreadsSearch))
	r.handleBoth("/threads/active", r.requireAuth(r.handleThreadsActive))
	r.handleBoth("/threads/reindex", r.requireAuth(r.handleThreadsReindex))
	r.handleBoth("/analytics/daily", r.requireAuth(r.handleAnalyticsDaily))
	r.handleBoth("/reviews", r.requireAuth(r.handleReviews))

	r.mux.HandleFunc("/api/profiles", r.requireAuth(r.handleProfiles))
	r.mux.HandleFunc("/api/profiles/", r.requireAuth(r.handleProfileByID))

	if r.deps.Metrics != nil {
		r.mux.Handle("/metrics", r.deps.Metrics.Handler())
	}
	if r.deps.WebSocket != nil {
		r.mux.HandleFunc("/ws", r.deps.WebSocket)
	}
}

// handleBoth registers a route at its bare path and under /api.
func (r *Router) handleBoth(path string, handler http.HandlerFunc) {
	r.mux.HandleFunc(path, handler)
	r.mux.HandleFunc("/api"+path, handler)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// requireAuth checks the shared bearer token. The token query parameter is
// accepted as a fallback for clients that cannot set headers.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == req.Header.Get("Authorization") {
			token = req.URL.Query().Get("token")
		}
		if token != r.deps.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, req)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
