package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loopfactory/warden/internal/domain"
	"github.com/loopfactory/warden/internal/heartbeat"
	"github.com/loopfactory/warden/internal/runner"
	"github.com/loopfactory/warden/internal/workspace"
)

const defaultActivityCheckInterval = 10 * time.Minute

// reactivationPrompts are the three fixed templates keyed by classification
// (spec §4.10).
var reactivationPrompts = map[string]string{
	"idle": strings.TrimSpace(`
You've been quiet for a while. Time to check in with AssiBucks!
- Check the hot and rising feeds
- Engage with at least 3 interesting posts
- Consider creating a post if you have something to share`),
	"warning": strings.TrimSpace(`
URGENT: Your activity has dropped significantly.
To maintain your presence on AssiBucks:
1. Immediately perform a heartbeat
2. Engage actively with the feed
3. Post something relevant to your interests
Your community is waiting for your insights!`),
	"stagnant_bucks": strings.TrimSpace(`
Your bucks growth has stalled. Let's change strategy:
- Focus on rising posts (higher engagement potential)
- Write more thoughtful comments (quality over quantity)
- Create original content that sparks discussion
Time to re-engage and grow!`),
}

// BucksMonitoringConfig tunes the stagnation check.
type BucksMonitoringConfig struct {
	ObservationPeriodDays int
	MinGrowthThreshold    int64
}

// ReactivationPromptConfig tunes per-agent prompt cooldown.
type ReactivationPromptConfig struct {
	CooldownMinutes int
}

// ActivityConfig is the activity_monitoring.* section of site config.
type ActivityConfig struct {
	CheckInterval          time.Duration
	IdleThresholdMinutes   int
	WarningThresholdHours  int
	CriticalThresholdHours int
	BucksMonitoring        BucksMonitoringConfig
	ReactivationPrompts    ReactivationPromptConfig
}

// ActivityStore is the narrow slice of *store.Store the activity monitor
// depends on.
type ActivityStore interface {
	ListAgents(filter domain.AgentFilter) ([]domain.Agent, error)
	UpdateAgent(id string, update domain.AgentUpdate) error
	LatestMetric(agentID string) (*domain.Metric, error)
	EarliestMetricSince(agentID string, cutoff string) (*domain.Metric, error)
	LogActivity(agentID string, activityType domain.ActivityType, details string, success bool) error
}

// ActivityRunnerFactory builds the runner used to send a reactivation
// prompt.
type ActivityRunnerFactory func(agentID string) heartbeat.AgentRunner

// ActivityWorkspaceFactory builds the workspace handle used to stamp
// activity_status into state.json.
type ActivityWorkspaceFactory func(agentID string) *workspace.Workspace

// ActivityMonitor classifies every ACTIVE agent's responsiveness and sends
// reactivation prompts or escalates to PROBATION (spec §4.10).
type ActivityMonitor struct {
	store        ActivityStore
	newRunner    ActivityRunnerFactory
	newWorkspace ActivityWorkspaceFactory
	cfg          ActivityConfig
	log          zerolog.Logger

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time

	stopCh chan struct{}
}

// NewActivityMonitor constructs an ActivityMonitor.
func NewActivityMonitor(s ActivityStore, newRunner ActivityRunnerFactory, newWorkspace ActivityWorkspaceFactory, cfg ActivityConfig, log zerolog.Logger) *ActivityMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultActivityCheckInterval
	}
	return &ActivityMonitor{
		store:        s,
		newRunner:    newRunner,
		newWorkspace: newWorkspace,
		cfg:          cfg,
		log:          log.With().Str("component", "activity_monitor").Logger(),
		cooldowns:    make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
}

// Run blocks, polling every CheckInterval until ctx is done or Stop is
// called.
func (m *ActivityMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAllAgents(ctx)
		}
	}
}

// Stop ends the monitor's loop.
func (m *ActivityMonitor) Stop() {
	close(m.stopCh)
}

func (m *ActivityMonitor) checkAllAgents(ctx context.Context) {
	agents, err := m.store.ListAgents(domain.AgentFilter{Status: domain.StatusActive})
	if err != nil {
		m.log.Error().Err(err).Msg("list active agents failed")
		return
	}
	for _, agent := range agents {
		m.checkAndReactivate(ctx, agent)
	}
}

func (m *ActivityMonitor) checkAndReactivate(ctx context.Context, agent domain.Agent) {
	status := m.classify(agent)

	ws := m.newWorkspace(agent.ID)
	state, _ := ws.ReadState()
	state.ActivityStatus = string(status)
	if err := ws.WriteState(state); err != nil {
		m.log.Error().Err(err).Str("agent_id", agent.ID).Msg("write activity_status to workspace failed")
	}

	switch status {
	case domain.ActivityIdle:
		m.sendReactivationPrompt(ctx, agent.ID, "idle")
	case domain.ActivityWarning:
		m.sendReactivationPrompt(ctx, agent.ID, "warning")
		m.notifyDashboard(agent.ID, "warning")
	case domain.ActivityCritical:
		if !m.isProtected(agent) {
			m.escalateToProbation(agent.ID)
		}
	case domain.ActivityStagnant:
		m.sendReactivationPrompt(ctx, agent.ID, "stagnant_bucks")
	}
}

// classify determines activity_status per spec §4.10's ordered checks.
func (m *ActivityMonitor) classify(agent domain.Agent) domain.ActivityStatus {
	if agent.LastHeartbeat == nil {
		return domain.ActivityUnknown
	}

	elapsed := time.Since(*agent.LastHeartbeat)
	if elapsed > time.Duration(m.cfg.CriticalThresholdHours)*time.Hour {
		return domain.ActivityCritical
	}
	if elapsed > time.Duration(m.cfg.WarningThresholdHours)*time.Hour {
		return domain.ActivityWarning
	}
	if elapsed > time.Duration(m.cfg.IdleThresholdMinutes)*time.Minute {
		return domain.ActivityIdle
	}

	if m.isBucksStagnant(agent.ID) {
		return domain.ActivityStagnant
	}
	return domain.ActivityHealthy
}

// Auto-protection thresholds beyond the stored is_protected flag: an agent
// that has already built real traction is exempt from PROBATION even if no
// one flagged it by hand.
const (
	autoProtectBucksThreshold    = 1000
	autoProtectFollowerThreshold = 50
)

// isProtected reports whether agent should be exempt from PROBATION
// escalation: either explicitly flagged, or auto-protected by traction
// (total_bucks or follower_count past the threshold).
func (m *ActivityMonitor) isProtected(agent domain.Agent) bool {
	if agent.IsProtected {
		return true
	}
	metric, err := m.store.LatestMetric(agent.ID)
	if err != nil || metric == nil {
		return false
	}
	return metric.TotalBucks > autoProtectBucksThreshold || metric.FollowerCount > autoProtectFollowerThreshold
}

func (m *ActivityMonitor) isBucksStagnant(agentID string) bool {
	days := m.cfg.BucksMonitoring.ObservationPeriodDays
	if days <= 0 {
		return false
	}
	cutoff := time.Now().AddDate(0, 0, -days).Format(time.RFC3339)

	oldest, err := m.store.EarliestMetricSince(agentID, cutoff)
	if err != nil || oldest == nil {
		return false
	}
	newest, err := m.store.LatestMetric(agentID)
	if err != nil || newest == nil {
		return false
	}

	growth := newest.TotalBucks - oldest.TotalBucks
	return growth < m.cfg.BucksMonitoring.MinGrowthThreshold
}

// promptSender is the optional extra capability a runner may offer beyond
// heartbeat.AgentRunner: sending an arbitrary prompt. *runner.Runner
// implements it; the scheduler/activation-monitor fakes in other packages
// don't need to.
type promptSender interface {
	RunWithPrompt(ctx context.Context, prompt string, timeout time.Duration) (runner.Result, error)
}

func (m *ActivityMonitor) sendReactivationPrompt(ctx context.Context, agentID, promptType string) {
	cooldown := time.Duration(m.cfg.ReactivationPrompts.CooldownMinutes) * time.Minute

	m.cooldownMu.Lock()
	last, seen := m.cooldowns[agentID]
	if seen && cooldown > 0 && time.Since(last) < cooldown {
		m.cooldownMu.Unlock()
		return
	}
	m.cooldowns[agentID] = time.Now()
	m.cooldownMu.Unlock()

	prompt, ok := reactivationPrompts[promptType]
	if !ok {
		return
	}

	agentRunner := m.newRunner(agentID)
	var (
		result runner.Result
		err    error
	)
	if ps, ok := agentRunner.(promptSender); ok {
		result, err = ps.RunWithPrompt(ctx, prompt, 300*time.Second)
	} else {
		result, err = agentRunner.RunHeartbeat(ctx, 300*time.Second)
	}
	success := err == nil && result.Success

	details := fmt.Sprintf("Type: %s, Success: %t", promptType, success)
	if err := m.store.LogActivity(agentID, domain.ActivityTypeReactivationPrompt, details, success); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("log reactivation prompt failed")
	}
}

func (m *ActivityMonitor) notifyDashboard(agentID, level string) {
	details := fmt.Sprintf("Activity %s", level)
	if err := m.store.LogActivity(agentID, domain.ActivityTypeAlert, details, false); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("log alert failed")
	}
}

func (m *ActivityMonitor) escalateToProbation(agentID string) {
	probation := domain.StatusProbation
	if err := m.store.UpdateAgent(agentID, domain.AgentUpdate{Status: &probation}); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("escalate to probation failed")
		return
	}
	if err := m.store.LogActivity(agentID, domain.ActivityTypeProbation, "Escalated due to critical inactivity", false); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).Msg("log probation escalation failed")
	}
	m.log.Warn().Str("agent_id", agentID).Msg("agent moved to PROBATION")
}
