package server

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/loopfactory/warden/internal/config"
	"github.com/loopfactory/warden/internal/domain"
)

// ReadOnlyStore is the narrow slice of *store.Store the read-only
// endpoints need.
type ReadOnlyStore interface {
	ListAgents(filter domain.AgentFilter) ([]domain.Agent, error)
	LatestMetric(agentID string) (*domain.Metric, error)
	ListActivity(agentID string, limit int) ([]domain.ActivityLogEntry, error)
}

// ReadOnlyHandlers implements the read-only endpoints listed in spec §6:
// per-agent metrics, a leaderboard, activity history, and the factory's
// configured defaults.
type ReadOnlyHandlers struct {
	store   ReadOnlyStore
	factory config.FactoryConfig
	log     zerolog.Logger
}

// NewReadOnlyHandlers constructs ReadOnlyHandlers.
func NewReadOnlyHandlers(s ReadOnlyStore, factory config.FactoryConfig, log zerolog.Logger) *ReadOnlyHandlers {
	return &ReadOnlyHandlers{
		store:   s,
		factory: factory,
		log:     log.With().Str("handler", "readonly").Logger(),
	}
}

// HandleAgentMetrics returns one agent's latest recorded metric sample.
// GET /metrics/{id}
func (h *ReadOnlyHandlers) HandleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	metric, err := h.store.LatestMetric(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if metric == nil {
		writeError(w, http.StatusNotFound, "no metrics recorded for agent")
		return
	}
	writeJSON(w, http.StatusOK, metric)
}

type leaderboardEntry struct {
	AgentID    string `json:"agent_id"`
	Name       string `json:"name"`
	TotalBucks int64  `json:"total_bucks"`
}

// HandleLeaderboard ranks every ACTIVE agent by latest total_bucks,
// descending.
// GET /metrics/leaderboard
func (h *ReadOnlyHandlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(domain.AgentFilter{Status: domain.StatusActive})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := make([]leaderboardEntry, 0, len(agents))
	for _, agent := range agents {
		metric, err := h.store.LatestMetric(agent.ID)
		if err != nil || metric == nil {
			continue
		}
		entries = append(entries, leaderboardEntry{
			AgentID:    agent.ID,
			Name:       agent.Name,
			TotalBucks: metric.TotalBucks,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TotalBucks > entries[j].TotalBucks })

	writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": entries})
}

// HandleActivity returns an agent's recent activity log, newest first.
// GET /agents/{id}/activity
func (h *ReadOnlyHandlers) HandleActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, ok := parsePositiveInt(raw); ok {
			limit = parsed
		}
	}

	entries, err := h.store.ListActivity(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activity": entries})
}

// HandleFactoryDefaults reports the site's configured default profile,
// site, and node for newly created agents.
// GET /factory/defaults
func (h *ReadOnlyHandlers) HandleFactoryDefaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.factory)
}

func parsePositiveInt(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
