package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codex-hub/codex-hub/internal/codexconfig"
	"github.com/codex-hub/codex-hub/internal/observers"
	"github.com/codex-hub/codex-hub/internal/profiles"
	"github.com/codex-hub/codex-hub/internal/reviews"
	"github.com/codex-hub/codex-hub/internal/threadindex"
)

const reindexTimeout = 30 * time.Second

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": r.deps.Version})
}

func (r *Router) handleThreadsSearch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := req.URL.Query()
	params := threadindex.SearchParams{
		Query:         q.Get("q"),
		ProfileID:     q.Get("profileId"),
		Model:         q.Get("model"),
		Status:        q.Get("status"),
		CreatedAfter:  queryInt64(q.Get("createdAfter")),
		CreatedBefore: queryInt64(q.Get("createdBefore")),
		Limit:         queryInt(q.Get("limit")),
		Offset:        queryInt(q.Get("offset")),
	}

	threads, err := r.deps.Threads.Search(params)
	if err != nil {
		log.Error().Err(err).Msg("Thread search failed")
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if threads == nil {
		threads = []threadindex.Thread{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (r *Router) handleThreadsActive(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	profileID := req.URL.Query().Get("profileId")

	threads := r.deps.Tracker.List()
	if profileID != "" {
		threads = r.deps.Tracker.ListProfile(profileID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": emptyIfNil(threads)})
}

type reindexRequest struct {
	ProfileID string `json:"profileId"`
	Limit     int    `json:"limit"`
	AutoStart bool   `json:"autoStart"`
}

type reindexResult struct {
	Indexed  int               `json:"indexed"`
	Profiles []string          `json:"profiles"`
	Skipped  []string          `json:"skipped,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// handleThreadsReindex asks each selected profile's app-server for its
// thread list and feeds the rows through the observer pipeline.
func (r *Router) handleThreadsReindex(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body reindexRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var targets []profiles.Profile
	if body.ProfileID != "" {
		profile, err := r.deps.Profiles.Get(body.ProfileID)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown profile "+body.ProfileID)
			return
		}
		targets = []profiles.Profile{profile}
	} else {
		targets = r.deps.Profiles.List()
	}

	result := reindexResult{Profiles: []string{}, Errors: map[string]string{}}
	for _, profile := range targets {
		n, err := r.reindexProfile(req.Context(), profile, body)
		switch {
		case err == errNotStarted:
			result.Skipped = append(result.Skipped, profile.ID)
		case err != nil:
			result.Errors[profile.ID] = err.Error()
		default:
			result.Indexed += n
			result.Profiles = append(result.Profiles, profile.ID)
		}
	}
	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	writeJSON(w, http.StatusOK, result)
}

var errNotStarted = errors.New("app-server not running")

func (r *Router) reindexProfile(ctx context.Context, profile profiles.Profile, body reindexRequest) (int, error) {
	if !r.deps.Supervisor.Running(profile.ID) {
		if !body.AutoStart {
			return 0, errNotStarted
		}
		if err := r.deps.Supervisor.Start(ctx, profile); err != nil {
			return 0, err
		}
		if r.deps.Dispatcher != nil {
			r.deps.Dispatcher.Publish(observers.Traffic{Kind: observers.KindStart, ProfileID: profile.ID})
		}
	}

	ctx, cancel := context.WithTimeout(ctx, reindexTimeout)
	defer cancel()

	params := map[string]any{}
	if body.Limit > 0 {
		params["limit"] = body.Limit
	}
	result, err := r.deps.Supervisor.Request(ctx, profile.ID, "thread/list", params)
	if err != nil {
		return 0, err
	}

	if r.deps.Dispatcher != nil {
		r.deps.Dispatcher.Publish(observers.Traffic{
			Kind:      observers.KindResponse,
			ProfileID: profile.ID,
			Method:    "thread/list",
			Result:    result,
		})
	}
	return countThreads(result), nil
}

func (r *Router) handleAnalyticsDaily(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := req.URL.Query()
	metric := q.Get("metric")
	if metric == "" {
		writeError(w, http.StatusBadRequest, "metric is required")
		return
	}

	series, err := r.deps.Analytics.DailySeries(metric, q.Get("profileId"), q.Get("model"), queryInt(q.Get("days")))
	if err != nil {
		log.Error().Err(err).Str("metric", metric).Msg("Daily series query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "series": series})
}

func (r *Router) handleReviews(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := req.URL.Query()

	sessions, err := r.deps.Reviews.List(reviews.ListParams{
		ProfileID: q.Get("profileId"),
		Limit:     queryInt(q.Get("limit")),
		Offset:    queryInt(q.Get("offset")),
	})
	if err != nil {
		log.Error().Err(err).Msg("Review list failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if sessions == nil {
		sessions = []reviews.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": sessions})
}

func (r *Router) handleProfiles(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"profiles": r.deps.Profiles.List()})
	case http.MethodPost:
		var body struct {
			Name      string `json:"name"`
			CodexHome string `json:"codexHome"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		profile, err := r.deps.Profiles.Create(body.Name, body.CodexHome)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, profile)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) handleProfileByID(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/profiles/")
	segments := strings.SplitN(rest, "/", 3)
	id := segments[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "profile id is required")
		return
	}

	if len(segments) > 1 {
		if segments[1] != "mcp-servers" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		name := ""
		if len(segments) == 3 {
			name = segments[2]
		}
		r.handleMCPServers(w, req, id, name)
		return
	}

	switch req.Method {
	case http.MethodGet:
		profile, err := r.deps.Profiles.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown profile "+id)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodDelete:
		if err := r.deps.Profiles.Delete(id); err != nil {
			if errors.Is(err, profiles.ErrReserved) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusNotFound, "unknown profile "+id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleMCPServers reads and edits the mcp_servers table in the profile's
// config.toml. Changes take effect on the next app-server start.
func (r *Router) handleMCPServers(w http.ResponseWriter, req *http.Request, profileID, name string) {
	profile, err := r.deps.Profiles.Get(profileID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown profile "+profileID)
		return
	}
	if profile.CodexHome == "" {
		writeError(w, http.StatusBadRequest, "profile has no codex home configured")
		return
	}

	cfg, err := codexconfig.Load(profile.CodexHome)
	if err != nil {
		log.Error().Err(err).Str("profileId", profileID).Msg("Failed to load config.toml")
		writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}

	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"mcpServers": cfg.MCPServers})

	case http.MethodPut:
		if name == "" {
			writeError(w, http.StatusBadRequest, "server name is required in the path")
			return
		}
		var server codexconfig.MCPServer
		if err := json.NewDecoder(req.Body).Decode(&server); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if server.Command == "" {
			writeError(w, http.StatusBadRequest, "command is required")
			return
		}
		cfg.SetMCPServer(name, server)
		if err := cfg.Save(profile.CodexHome); err != nil {
			log.Error().Err(err).Str("profileId", profileID).Msg("Failed to save config.toml")
			writeError(w, http.StatusInternalServerError, "failed to save config")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": name, "server": server})

	case http.MethodDelete:
		if name == "" {
			writeError(w, http.StatusBadRequest, "server name is required in the path")
			return
		}
		cfg.RemoveMCPServer(name)
		if err := cfg.Save(profile.CodexHome); err != nil {
			log.Error().Err(err).Str("profileId", profileID).Msg("Failed to save config.toml")
			writeError(w, http.StatusInternalServerError, "failed to save config")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": name})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func queryInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func queryInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// countThreads tallies thread objects in a thread/list result, whichever
// envelope field the server used.
func countThreads(result json.RawMessage) int {
	var body struct {
		Threads []json.RawMessage `json:"threads"`
		Data    []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return 0
	}
	if len(body.Threads) > 0 {
		return len(body.Threads)
	}
	return len(body.Data)
}
