package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/loopfactory/warden/internal/domain"
	"github.com/loopfactory/warden/internal/heartbeat"
	"github.com/loopfactory/warden/internal/runner"
	"github.com/loopfactory/warden/internal/workspace"
)

// activationURLPattern mirrors the original's extraction: only look for a
// URL once the output mentions "activation_url" at all, then pull the
// first http(s) link that contains "activate".
var activationURLPattern = regexp.MustCompile(`https?://[^\s"']+activate[^\s"']*`)

// AgentStore is the narrow slice of *store.Store the agent handlers need.
type AgentStore interface {
	CreateAgent(a domain.Agent) error
	GetAgent(id string) (*domain.Agent, error)
	UpdateAgent(id string, update domain.AgentUpdate) error
	CreatePendingActivation(agentID, activationURL string) error
	DeletePendingActivation(agentID string) error
	LogActivity(agentID string, activityType domain.ActivityType, details string, success bool) error
}

// AgentScheduler is the narrow slice of *scheduler.Scheduler the agent
// handlers need to keep the running job set in sync with lifecycle
// transitions made over HTTP.
type AgentScheduler interface {
	AddAgent(ctx context.Context, agentID string, runImmediately bool)
	RemoveAgent(agentID string)
}

// RegistrationRunnerFactory builds the runner used for one registration or
// pending-activation check.
type RegistrationRunnerFactory func(agentID string) heartbeat.AgentRunner

// registrationCapable is the capability a runner offers beyond
// heartbeat.AgentRunner: sending the one-time registration prompt.
// *runner.Runner implements it; fakes used by other packages' tests don't
// need to.
type registrationCapable interface {
	RunRegistration(ctx context.Context, name, displayName, bio string) (runner.Result, error)
}

func runRegistration(ctx context.Context, r heartbeat.AgentRunner, name, displayName, bio string) (runner.Result, error) {
	if reg, ok := r.(registrationCapable); ok {
		return reg.RunRegistration(ctx, name, displayName, bio)
	}
	return r.RunHeartbeat(ctx, 120*time.Second)
}

// AgentHandlers implements the write endpoints that mirror the agent
// lifecycle state machine (spec §6).
type AgentHandlers struct {
	store        AgentStore
	scheduler    AgentScheduler
	newRunner    RegistrationRunnerFactory
	newWorkspace func(agentID string) *workspace.Workspace
	log          zerolog.Logger
}

// NewAgentHandlers constructs AgentHandlers.
func NewAgentHandlers(s AgentStore, sched AgentScheduler, newRunner RegistrationRunnerFactory, newWorkspace func(agentID string) *workspace.Workspace, log zerolog.Logger) *AgentHandlers {
	return &AgentHandlers{
		store:        s,
		scheduler:    sched,
		newRunner:    newRunner,
		newWorkspace: newWorkspace,
		log:          log.With().Str("handler", "agents").Logger(),
	}
}

type createAgentRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Bio         string `json:"bio"`
	GhostMD     string `json:"ghost_md"`
	ShellMD     string `json:"shell_md"`
	SiteID      string `json:"site_id"`
	NodeID      string `json:"node_id"`
	ProfileName string `json:"profile_name"`
	UseMCP      bool   `json:"use_mcp"`
	Model       string `json:"model"`
}

// HandleCreate creates a new agent in DESIGN and materializes its
// workspace (ghost.md, shell.md, logs/, an initial state.json) — spec §3,
// §6.
// POST /agents
func (h *AgentHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id, err := newAgentID()
	if err != nil {
		h.log.Error().Err(err).Msg("generate agent id failed")
		writeError(w, http.StatusInternalServerError, "failed to generate agent id")
		return
	}

	agent := domain.Agent{
		ID:          id,
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		GhostMD:     req.GhostMD,
		ShellMD:     req.ShellMD,
		SiteID:      req.SiteID,
		NodeID:      req.NodeID,
		ProfileName: req.ProfileName,
		UseMCP:      req.UseMCP,
		Model:       req.Model,
		Status:      domain.StatusDesign,
		CreatedAt:   time.Now(),
	}

	if err := h.store.CreateAgent(agent); err != nil {
		h.log.Error().Err(err).Msg("create agent failed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws := h.newWorkspace(id)
	if err := ws.Ensure(req.GhostMD, req.ShellMD); err != nil {
		h.log.Error().Err(err).Str("agent_id", id).Msg("ensure workspace failed")
	}
	if err := ws.WriteState(workspace.State{Status: string(domain.StatusDesign), ActivityStatus: string(domain.ActivityUnknown)}); err != nil {
		h.log.Error().Err(err).Str("agent_id", id).Msg("write initial workspace state failed")
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": string(domain.StatusDesign)})
}

// HandleRegister runs the one-time registration prompt, extracts the
// resulting activation_url, and transitions DESIGN→WAITING (spec §3, §6).
// POST /agents/{id}/register
func (h *AgentHandlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := h.store.GetAgent(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if agent.Status != domain.StatusDesign {
		writeError(w, http.StatusConflict, fmt.Sprintf("agent is %s, expected DESIGN", agent.Status))
		return
	}

	agentRunner := h.newRunner(id)
	result, err := runRegistration(r.Context(), agentRunner, agent.Name, agent.DisplayName, agent.Bio)
	if err != nil {
		h.log.Error().Err(err).Str("agent_id", id).Msg("run registration failed")
		writeError(w, http.StatusBadGateway, "registration failed")
		return
	}

	activationURL := extractActivationURL(result.Output)
	if activationURL == "" {
		writeError(w, http.StatusBadGateway, "registration did not return an activation_url")
		return
	}

	now := time.Now()
	waiting := domain.StatusWaiting
	if err := h.store.UpdateAgent(id, domain.AgentUpdate{
		Status:        &waiting,
		ActivationURL: &activationURL,
		RegisteredAt:  &now,
	}); err != nil {
		h.log.Error().Err(err).Str("agent_id", id).Msg("update agent after registration failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.store.CreatePendingActivation(id, activationURL); err != nil {
		h.log.Error().Err(err).Str("agent_id", id).Msg("create pending activation failed")
	}
	if err := h.store.LogActivity(id, domain.ActivityTypeRegistration, "Agent registered, awaiting activation", true); err != nil {
		h.log.Error().Err(err).Str("agent_id", id).Msg("log registration failed")
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":             id,
		"status":         string(domain.StatusWaiting),
		"activation_url": activationURL,
	})
}

// HandleCheckPending runs one manual activation probe for a single agent,
// independent of the ActivationMonitor's own polling loop.
// POST /pending/{id}/check
func (h *AgentHandlers) HandleCheckPending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := h.store.GetAgent(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if agent.Status != domain.StatusWaiting && agent.Status != domain.StatusPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("agent is %s, expected WAITING or PENDING", agent.Status))
		return
	}

	agentRunner := h.newRunner(id)
	result, err := agentRunner.RunHeartbeat(r.Context(), 180*time.Second)
	if err != nil {
		writeError(w, http.StatusBadGateway, "activation check failed")
		return
	}

	activated := result.Success && isActivationOutput(result.Output)
	if activated {
		now := time.Now()
		active := domain.StatusActive
		if err := h.store.UpdateAgent(id, domain.AgentUpdate{Status: &active, ActivatedAt: &now}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := h.store.DeletePendingActivation(id); err != nil {
			h.log.Error().Err(err).Str("agent_id", id).Msg("delete pending activation failed")
		}
		if err := h.store.LogActivity(id, domain.ActivityTypeActivation, "Agent activated via manual check", true); err != nil {
			h.log.Error().Err(err).Str("agent_id", id).Msg("log activation failed")
		}
		h.scheduler.AddAgent(r.Context(), id, true)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "activated": activated})
}

// HandleRetire transitions any status to RETIRED and removes the agent
// from the scheduler's live job set (spec §3: "retirement is terminal").
// DELETE /agents/{id}
func (h *AgentHandlers) HandleRetire(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := h.store.GetAgent(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	now := time.Now()
	retired := domain.StatusRetired
	if err := h.store.UpdateAgent(id, domain.AgentUpdate{Status: &retired, RetiredAt: &now}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.scheduler.RemoveAgent(id)
	if err := h.store.LogActivity(id, domain.ActivityTypeRetirement, "Agent retired", true); err != nil {
		h.log.Error().Err(err).Str("agent_id", id).Msg("log retirement failed")
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.StatusRetired)})
}

type updateAgentRequest struct {
	DisplayName *string `json:"display_name"`
	Bio         *string `json:"bio"`
	GhostMD     *string `json:"ghost_md"`
	ShellMD     *string `json:"shell_md"`
	ProfileName *string `json:"profile_name"`
	UseMCP      *bool   `json:"use_mcp"`
	Model       *string `json:"model"`
	IsProtected *bool   `json:"is_protected"`
}

// HandleUpdate applies a partial update to mutable agent fields. Lifecycle
// transitions go through Register/CheckPending/Retire instead, never
// through this endpoint (spec §6: "transitions respected").
// PUT /agents/{id}
func (h *AgentHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	update := domain.AgentUpdate{
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		GhostMD:     req.GhostMD,
		ShellMD:     req.ShellMD,
		ProfileName: req.ProfileName,
		UseMCP:      req.UseMCP,
		Model:       req.Model,
		IsProtected: req.IsProtected,
	}
	if update.IsEmpty() {
		writeError(w, http.StatusBadRequest, "request carries no field changes")
		return
	}

	if err := h.store.UpdateAgent(id, update); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "updated"})
}

func extractActivationURL(output string) string {
	if !strings.Contains(strings.ToLower(output), "activation_url") {
		return activationURLFromJSON(output)
	}
	if match := activationURLPattern.FindString(output); match != "" {
		return match
	}
	return activationURLFromJSON(output)
}

func activationURLFromJSON(output string) string {
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		return ""
	}
	if v, ok := decoded["activation_url"].(string); ok {
		return v
	}
	return ""
}

func isActivationOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, `"status": "active"`) ||
		strings.Contains(lower, "status: active") ||
		strings.Contains(lower, "activated successfully")
}

func newAgentID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
