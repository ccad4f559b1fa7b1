// Package monitor runs the two periodic background sweeps the supervisor
// needs beyond per-agent heartbeats: ActivationMonitor nudges agents
// waiting on human activation, and ActivityMonitor watches active agents
// for stalled or declining responsiveness.
package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/loopfactory/warden/internal/domain"
	"github.com/loopfactory/warden/internal/heartbeat"
	"github.com/loopfactory/warden/internal/runner"
	"github.com/loopfactory/warden/internal/store"
)

const defaultActivationCheckInterval = 30 * time.Second

// activationIndicators are substrings that, if present in lowercased CLI
// stdout, mark an agent as activated (spec §4.9).
var activationIndicators = []string{
	`"status": "active"`,
	"status: active",
	"activated successfully",
}

// AgentScheduler is the narrow slice of *scheduler.Scheduler the
// activation monitor needs to start heartbeats once an agent goes ACTIVE.
type AgentScheduler interface {
	AddAgent(ctx context.Context, agentID string, runImmediately bool)
}

// ActivationStore is the narrow slice of *store.Store the activation
// monitor depends on.
type ActivationStore interface {
	ListPendingActivations() ([]store.PendingActivationRecord, error)
	UpdateAgent(id string, update domain.AgentUpdate) error
	DeletePendingActivation(agentID string) error
	RecordPendingCheck(agentID string) error
	LogActivity(agentID string, activityType domain.ActivityType, details string, success bool) error
}

// ActivationRunnerFactory builds the runner used for one status check.
type ActivationRunnerFactory func(agentID string) heartbeat.AgentRunner

// ActivationConfig is the activation.* section of site config.
type ActivationConfig struct {
	CheckInterval   time.Duration
	MaxPendingHours float64
}

// ActivationMonitor polls PendingActivation rows, rolling back stale
// pendings and promoting agents once the CLI reports an active status
// (spec §4.9).
type ActivationMonitor struct {
	store     ActivationStore
	scheduler AgentScheduler
	newRunner ActivationRunnerFactory
	cfg       ActivationConfig
	log       zerolog.Logger

	stopCh chan struct{}
}

// NewActivationMonitor constructs an ActivationMonitor.
func NewActivationMonitor(s ActivationStore, sched AgentScheduler, newRunner ActivationRunnerFactory, cfg ActivationConfig, log zerolog.Logger) *ActivationMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultActivationCheckInterval
	}
	return &ActivationMonitor{
		store:     s,
		scheduler: sched,
		newRunner: newRunner,
		cfg:       cfg,
		log:       log.With().Str("component", "activation_monitor").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// Run blocks, polling every CheckInterval until ctx is done or Stop is
// called.
func (m *ActivationMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAllPending(ctx)
		}
	}
}

// Stop ends the monitor's loop.
func (m *ActivationMonitor) Stop() {
	close(m.stopCh)
}

func (m *ActivationMonitor) checkAllPending(ctx context.Context) {
	records, err := m.store.ListPendingActivations()
	if err != nil {
		m.log.Error().Err(err).Msg("list pending activations failed")
		return
	}
	for _, rec := range records {
		m.checkOne(ctx, rec)
	}
}

func (m *ActivationMonitor) checkOne(ctx context.Context, rec store.PendingActivationRecord) {
	agentID := rec.Agent.ID
	maxPending := time.Duration(m.cfg.MaxPendingHours * float64(time.Hour))
	if maxPending > 0 && time.Since(rec.Pending.CreatedAt) > maxPending {
		m.cleanupStalePending(agentID)
		return
	}

	agentRunner := m.newRunner(agentID)
	checkResult, checkErr := checkActivationStatus(ctx, agentRunner)
	if err := m.store.RecordPendingCheck(agentID); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("record pending check failed")
	}
	if checkErr != nil {
		m.log.Warn().Err(checkErr).Str("agent_id", agentID).Msg("activation status check failed")
		return
	}

	if checkResult.Success && isActivated(checkResult.Output) {
		m.onActivated(ctx, agentID)
	}
}

func checkActivationStatus(ctx context.Context, r heartbeat.AgentRunner) (runner.Result, error) {
	type statusChecker interface {
		CheckActivationStatus(ctx context.Context) (runner.Result, error)
	}
	if sc, ok := r.(statusChecker); ok {
		return sc.CheckActivationStatus(ctx)
	}
	return r.RunHeartbeat(ctx, 180*time.Second)
}

func isActivated(output string) bool {
	if output == "" {
		return false
	}
	lower := strings.ToLower(output)
	for _, indicator := range activationIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

func (m *ActivationMonitor) onActivated(ctx context.Context, agentID string) {
	now := time.Now()
	active := domain.StatusActive
	if err := m.store.UpdateAgent(agentID, domain.AgentUpdate{Status: &active, ActivatedAt: &now}); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("activate agent failed")
		return
	}
	if err := m.store.DeletePendingActivation(agentID); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("delete pending activation failed")
	}
	if err := m.store.LogActivity(agentID, domain.ActivityTypeActivation, "Agent activated by user", true); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("log activation failed")
	}
	m.log.Info().Str("agent_id", agentID).Msg("agent activated")
	m.scheduler.AddAgent(ctx, agentID, true)
}

func (m *ActivationMonitor) cleanupStalePending(agentID string) {
	design := domain.StatusDesign
	if err := m.store.UpdateAgent(agentID, domain.AgentUpdate{Status: &design}); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("cleanup stale pending: update status failed")
	}
	if err := m.store.DeletePendingActivation(agentID); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("cleanup stale pending: delete failed")
	}
	details := "Pending activation expired"
	if err := m.store.LogActivity(agentID, domain.ActivityTypePendingTimeout, details, false); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("log pending timeout failed")
	}
	m.log.Warn().Str("agent_id", agentID).Msg("pending activation expired, rolled back to DESIGN")
}
