// Package scheduler is the heart of the supervisor: it keeps a one-shot
// timer armed per active agent, auto-syncs its set of tracked agents
// against the store every few seconds, and gates every heartbeat launch
// through a resource check and a strictly serialized admission step.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loopfactory/warden/internal/domain"
	"github.com/loopfactory/warden/internal/heartbeat"
	"github.com/loopfactory/warden/internal/policy"
	"github.com/loopfactory/warden/internal/workspace"
)

const (
	syncInterval         = 5 * time.Second
	admissionPollInterval = 1 * time.Second
	backoffMinutes       = 5
	failureLogThreshold  = 5
	minPastClamp         = 10 * time.Second
	defaultHeartbeatTimeout = 300 * time.Second
)

// Store is the narrow slice of *store.Store the scheduler depends on.
type Store interface {
	GetAgent(id string) (*domain.Agent, error)
	ListAgentIDsByStatus(status domain.AgentStatus) ([]string, error)
	ScheduledAgentIDs() ([]string, error)
	UpsertSchedule(agentID string, d domain.Decision) error
	MarkScheduleRan(agentID string, at time.Time) error
	DeleteSchedule(agentID string) error
	UpdateAgent(id string, update domain.AgentUpdate) error
	LogActivity(agentID string, activityType domain.ActivityType, details string, success bool) error
}

// ResourceMonitor is the narrow slice of *resource.Monitor the scheduler
// consults for admission decisions.
type ResourceMonitor interface {
	CanRunAgent() bool
	ShouldThrottle() bool
}

// RunnerFactory builds an AgentRunner for a given agent, closed over the
// runner.Config/workspace/profile.Resolver the caller already constructed
// in main — the scheduler itself never resolves profiles or site config.
// Returning the narrow heartbeat.AgentRunner interface (rather than the
// concrete *runner.Runner) lets tests substitute a fake without a real
// subprocess.
type RunnerFactory func(agentID string) heartbeat.AgentRunner

// WorkspaceFactory builds the on-disk workspace handle for an agent.
type WorkspaceFactory func(agentID string) *workspace.Workspace

// Config is the scheduling.* section of site config plus the heartbeat
// execution timeout. The worker-pool size is not part of it: workerPoolSize
// reads LOOPFACTORY_TO_THREAD_WORKERS from the environment directly.
type Config struct {
	Policy          policy.Config
	HeartbeatTimeout time.Duration
}

type job struct {
	timer *time.Timer
}

// Scheduler is the heart of the supervisor (spec §4.8).
type Scheduler struct {
	store     Store
	resources ResourceMonitor
	heartbeats *heartbeat.Manager
	newRunner RunnerFactory
	newWorkspace WorkspaceFactory
	cfg       Config
	log       zerolog.Logger

	jobsMu sync.Mutex
	jobs   map[string]*job

	inflightMu sync.Mutex
	inflight   int

	admissionMu sync.Mutex

	workerSem chan struct{}

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	firstSync bool
}

// New constructs a Scheduler. Call Start to begin the auto-sync loop.
func New(store Store, resources ResourceMonitor, heartbeats *heartbeat.Manager,
	newRunner RunnerFactory, newWorkspace WorkspaceFactory, cfg Config, log zerolog.Logger) *Scheduler {

	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}

	return &Scheduler{
		store:        store,
		resources:    resources,
		heartbeats:   heartbeats,
		newRunner:    newRunner,
		newWorkspace: newWorkspace,
		cfg:          cfg,
		log:          log.With().Str("component", "scheduler").Logger(),
		jobs:         make(map[string]*job),
		workerSem:    make(chan struct{}, workerPoolSize()),
		stopCh:       make(chan struct{}),
		firstSync:    true,
	}
}

// workerPoolSize is min(1024, max(64, cpu_count*16)), overridable by
// LOOPFACTORY_TO_THREAD_WORKERS (clipped to 1..1024).
func workerPoolSize() int {
	if raw := os.Getenv("LOOPFACTORY_TO_THREAD_WORKERS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return clampInt(n, 1, 1024)
		}
	}
	n := runtime.NumCPU() * 16
	if n < 64 {
		n = 64
	}
	if n > 1024 {
		n = 1024
	}
	return n
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Start captures the auto-sync loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.autoSyncLoop(ctx)
	s.log.Info().Msg("scheduler started")
}

// Stop cancels auto-sync, disarms every timer, and returns without waiting
// for in-flight heartbeats (spec §4.8 stop(), §5 Cancellation).
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.jobsMu.Lock()
	for id, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, id)
	}
	s.jobsMu.Unlock()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) autoSyncLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	s.syncOnce(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *Scheduler) syncOnce(ctx context.Context) {
	dbActive, err := s.store.ListAgentIDsByStatus(domain.StatusActive)
	if err != nil {
		s.log.Error().Err(err).Msg("auto-sync: failed to list active agents")
		return
	}
	dbActiveSet := toSet(dbActive)

	s.jobsMu.Lock()
	scheduled := make(map[string]bool, len(s.jobs))
	for id := range s.jobs {
		scheduled[id] = true
	}
	s.jobsMu.Unlock()

	runImmediately := !s.firstSync
	for id := range dbActiveSet {
		if !scheduled[id] {
			s.AddAgent(ctx, id, runImmediately)
		}
	}
	for id := range scheduled {
		if !dbActiveSet[id] {
			s.RemoveAgent(id)
		}
	}
	s.firstSync = false
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// AddAgent loads the agent, computes its next Decision, upserts the
// Schedule row, and arms a one-shot timer. When runImmediately is true it
// also spawns an immediate execution (spec §4.8 "Adding an agent").
func (s *Scheduler) AddAgent(ctx context.Context, agentID string, runImmediately bool) {
	s.jobsMu.Lock()
	if _, exists := s.jobs[agentID]; exists {
		s.jobsMu.Unlock()
		s.log.Warn().Str("agent_id", agentID).Msg("agent already scheduled")
		return
	}
	s.jobsMu.Unlock()

	agent, err := s.store.GetAgent(agentID)
	if err != nil || agent == nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("add agent: lookup failed")
		return
	}

	snapshot := &policy.AgentSnapshot{Status: agent.Status, ActivityStatus: agent.ActivityStatus}
	decision := policy.DecideNextRun(s.cfg.Policy, snapshot, s.resources.ShouldThrottle())
	s.armSchedule(ctx, agentID, decision, runImmediately)
}

// RemoveAgent cancels the agent's timer and drops its Schedule row.
func (s *Scheduler) RemoveAgent(agentID string) {
	s.jobsMu.Lock()
	j, ok := s.jobs[agentID]
	if ok {
		j.timer.Stop()
		delete(s.jobs, agentID)
	}
	s.jobsMu.Unlock()

	if !ok {
		return
	}
	if err := s.store.DeleteSchedule(agentID); err != nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("remove agent: delete schedule failed")
	}
	s.log.Info().Str("agent_id", agentID).Msg("removed heartbeat schedule")
}

func (s *Scheduler) armSchedule(ctx context.Context, agentID string, decision domain.Decision, runImmediately bool) {
	if err := s.store.UpsertSchedule(agentID, decision); err != nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("upsert schedule failed")
		return
	}

	delay := time.Until(decision.NextRunAt)
	if delay < 0 {
		delay = minPastClamp
	}

	t := time.AfterFunc(delay, func() { s.launch(ctx, agentID) })
	s.jobsMu.Lock()
	s.jobs[agentID] = &job{timer: t}
	s.jobsMu.Unlock()

	s.log.Info().Str("agent_id", agentID).Int("interval_minutes", decision.IntervalMinutes).
		Msg("scheduled heartbeat")

	if runImmediately {
		go s.launch(ctx, agentID)
	}
}

// launch enters the worker pool and runs one heartbeat.
func (s *Scheduler) launch(ctx context.Context, agentID string) {
	select {
	case s.workerSem <- struct{}{}:
	case <-s.stopCh:
		return
	}
	defer func() { <-s.workerSem }()

	s.executeHeartbeat(ctx, agentID)
}

// executeHeartbeat is the critical path described in spec §4.8.
func (s *Scheduler) executeHeartbeat(ctx context.Context, agentID string) {
	agent, err := s.store.GetAgent(agentID)
	if err != nil || agent == nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("execute heartbeat: agent lookup failed")
		return
	}
	log := s.log.With().Str("agent_id", agentID).Str("profile", agent.ProfileName).Logger()

	if !s.acquireSlot(ctx) {
		return
	}
	released := false
	release := func() {
		if !released {
			s.releaseSlot()
			released = true
		}
	}
	defer release()

	if !s.resources.CanRunAgent() {
		decision := policy.DecideBackoff(backoffMinutes)
		if err := s.store.UpsertSchedule(agentID, decision); err != nil {
			log.Error().Err(err).Msg("defensive re-check: upsert backoff schedule failed")
		}
		release()
		s.rearmTimer(ctx, agentID, decision)
		return
	}

	ws := s.newWorkspace(agentID)
	if err := ws.Ensure(agent.GhostMD, agent.ShellMD); err != nil {
		log.Error().Err(err).Msg("ensure workspace failed")
	}

	agentRunner := s.newRunner(agentID)
	result := s.heartbeats.ExecuteHeartbeat(ctx, agentRunner, s.cfg.HeartbeatTimeout)
	release()

	now := time.Now()
	if err := s.store.UpdateAgent(agentID, domain.AgentUpdate{LastHeartbeat: &now}); err != nil {
		log.Error().Err(err).Msg("update last_heartbeat failed")
	}
	details := fmt.Sprintf("Success: %t", result.Success)
	if err := s.store.LogActivity(agentID, domain.ActivityTypeHeartbeat, details, result.Success); err != nil {
		log.Error().Err(err).Msg("log heartbeat activity failed")
	}
	if err := s.store.MarkScheduleRan(agentID, now); err != nil {
		log.Error().Err(err).Msg("mark schedule ran failed")
	}

	effectiveActivityStatus := agent.ActivityStatus
	if !result.Success {
		effectiveActivityStatus = domain.ActivityIdle
		if err := s.store.UpdateAgent(agentID, domain.AgentUpdate{ActivityStatus: &effectiveActivityStatus}); err != nil {
			log.Error().Err(err).Msg("set activity_status=IDLE failed")
		}
	}
	s.updateWorkspaceState(ws, result, now, effectiveActivityStatus, log)

	snapshot := &policy.AgentSnapshot{Status: agent.Status, ActivityStatus: effectiveActivityStatus}
	decision := policy.DecideNextRun(s.cfg.Policy, snapshot, s.resources.ShouldThrottle())
	s.rearmTimer(ctx, agentID, decision)
}

// updateWorkspaceState mirrors spec §4.8 steps 6-7: bump heartbeat_count,
// track consecutive_failures, stamp last_skills_used.
func (s *Scheduler) updateWorkspaceState(ws *workspace.Workspace, result heartbeat.Result, now time.Time, activityStatus domain.ActivityStatus, log zerolog.Logger) {
	state, err := ws.ReadState()
	if err != nil {
		log.Error().Err(err).Msg("read workspace state failed")
	}

	state.LastHeartbeat = now.Format(time.RFC3339)
	state.HeartbeatCount++
	state.LastSkillsUsed = result.SkillsUsed
	state.ActivityStatus = string(activityStatus)
	if result.Success {
		state.ConsecutiveFailures = 0
	} else {
		state.ConsecutiveFailures++
		if state.ConsecutiveFailures >= failureLogThreshold {
			log.Error().Int("consecutive_failures", state.ConsecutiveFailures).Msg("agent has repeated heartbeat failures")
		}
	}

	if err := ws.WriteState(state); err != nil {
		log.Error().Err(err).Msg("write workspace state failed")
	}
}

func (s *Scheduler) rearmTimer(ctx context.Context, agentID string, decision domain.Decision) {
	if err := s.store.UpsertSchedule(agentID, decision); err != nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("rearm: upsert schedule failed")
		return
	}

	delay := time.Until(decision.NextRunAt)
	if delay < 0 {
		delay = minPastClamp
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[agentID]; !exists {
		// Removed (e.g. retired) while the heartbeat was running; don't rearm.
		return
	}
	s.jobs[agentID] = &job{timer: time.AfterFunc(delay, func() { s.launch(ctx, agentID) })}
}

// acquireSlot is the admission step (spec §4.8 step 2): serialized by
// admission_mutex, polling CanRunAgent every second while holding it, then
// incrementing inflight_count before releasing the mutex.
func (s *Scheduler) acquireSlot(ctx context.Context) bool {
	s.admissionMu.Lock()
	defer s.admissionMu.Unlock()

	for !s.resources.CanRunAgent() {
		select {
		case <-time.After(admissionPollInterval):
		case <-s.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}

	s.inflightMu.Lock()
	s.inflight++
	s.inflightMu.Unlock()
	return true
}

func (s *Scheduler) releaseSlot() {
	s.inflightMu.Lock()
	s.inflight--
	s.inflightMu.Unlock()
}

// InflightCount returns the current number of heartbeats past admission,
// used by the /system/status handler.
func (s *Scheduler) InflightCount() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.inflight
}

// ActiveAgentIDs returns the ids currently carrying an armed timer.
func (s *Scheduler) ActiveAgentIDs() []string {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}
