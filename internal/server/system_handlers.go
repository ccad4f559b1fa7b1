package server

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/loopfactory/warden/internal/domain"
	"github.com/loopfactory/warden/internal/resource"
)

// SystemStore is the narrow slice of *store.Store the system handler
// needs to aggregate per-status agent counts.
type SystemStore interface {
	ListAgents(filter domain.AgentFilter) ([]domain.Agent, error)
}

// SystemScheduler is the narrow slice of *scheduler.Scheduler the system
// handler reports live admission figures from.
type SystemScheduler interface {
	InflightCount() int
	ActiveAgentIDs() []string
}

// SystemResourceMonitor is the narrow slice of *resource.Monitor the
// system handler needs.
type SystemResourceMonitor interface {
	CurrentUsage() (resource.Usage, error)
	MaxConcurrentAgents() int
}

// SystemHandlers implements the read-only aggregate status endpoint
// (spec §6: "GET /system/status (aggregated resource + counts)").
type SystemHandlers struct {
	store     SystemStore
	scheduler SystemScheduler
	resources SystemResourceMonitor
	log       zerolog.Logger
}

// NewSystemHandlers constructs SystemHandlers.
func NewSystemHandlers(s SystemStore, sched SystemScheduler, rm SystemResourceMonitor, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		store:     s,
		scheduler: sched,
		resources: rm,
		log:       log.With().Str("handler", "system").Logger(),
	}
}

// statusCountStatuses enumerates every lifecycle status so the counts map
// always has every key present, even at zero, for a stable response shape.
var statusCountStatuses = []domain.AgentStatus{
	domain.StatusDesign,
	domain.StatusWaiting,
	domain.StatusPending,
	domain.StatusActive,
	domain.StatusProbation,
	domain.StatusRetired,
}

type systemStatusResponse struct {
	AgentCounts          map[string]int `json:"agent_counts"`
	InflightHeartbeats   int            `json:"inflight_heartbeats"`
	ScheduledAgents      int            `json:"scheduled_agents"`
	CPUPercent           float64        `json:"cpu_percent"`
	AvailableMemoryMB    float64        `json:"available_memory_mb"`
	MaxConcurrentAgents  int            `json:"max_concurrent_agents"`
}

// buildStatus assembles the same snapshot both HandleSystemStatus and the
// streaming variant report.
func (h *SystemHandlers) buildStatus() (systemStatusResponse, error) {
	counts := make(map[string]int, len(statusCountStatuses))
	for _, status := range statusCountStatuses {
		agents, err := h.store.ListAgents(domain.AgentFilter{Status: status})
		if err != nil {
			return systemStatusResponse{}, fmt.Errorf("list agents by status %s: %w", status, err)
		}
		counts[string(status)] = len(agents)
	}

	usage, err := h.resources.CurrentUsage()
	if err != nil {
		h.log.Warn().Err(err).Msg("sample resource usage failed")
	}

	return systemStatusResponse{
		AgentCounts:         counts,
		InflightHeartbeats:  h.scheduler.InflightCount(),
		ScheduledAgents:     len(h.scheduler.ActiveAgentIDs()),
		CPUPercent:          usage.CPUPercent,
		AvailableMemoryMB:   usage.AvailableMemoryMB,
		MaxConcurrentAgents: h.resources.MaxConcurrentAgents(),
	}, nil
}

// HandleSystemStatus reports per-status agent counts alongside live
// resource usage and scheduler admission figures.
// GET /system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.buildStatus()
	if err != nil {
		h.log.Error().Err(err).Msg("build system status failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
