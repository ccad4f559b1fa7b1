// Package domain holds the types shared by every Warden package: the agent
// lifecycle, the schedule decision shape, and the append-only records the
// store persists. Nothing in here touches SQL, HTTP, or the filesystem.
package domain

import "time"

// AgentStatus is the lifecycle state of an agent. See the state machine in
// the store package for the allowed transitions.
type AgentStatus string

const (
	StatusDesign    AgentStatus = "DESIGN"
	StatusWaiting   AgentStatus = "WAITING"
	StatusPending   AgentStatus = "PENDING"
	StatusActive    AgentStatus = "ACTIVE"
	StatusProbation AgentStatus = "PROBATION"
	StatusRetired   AgentStatus = "RETIRED"
)

// ActivityStatus classifies an active agent by responsiveness.
type ActivityStatus string

const (
	ActivityUnknown  ActivityStatus = "UNKNOWN"
	ActivityHealthy  ActivityStatus = "HEALTHY"
	ActivityIdle     ActivityStatus = "IDLE"
	ActivityWarning  ActivityStatus = "WARNING"
	ActivityCritical ActivityStatus = "CRITICAL"
	ActivityStagnant ActivityStatus = "STAGNANT"
)

// SchedulePolicy names which heuristic produced a Schedule row.
type SchedulePolicy string

const (
	PolicyHeartbeat SchedulePolicy = "heartbeat"
	PolicyBackoff   SchedulePolicy = "backoff"
)

// ActivityType enumerates the activity_log entries the supervisor appends.
type ActivityType string

const (
	ActivityTypeHeartbeat          ActivityType = "heartbeat"
	ActivityTypeRegistration       ActivityType = "registration"
	ActivityTypeActivation         ActivityType = "activation"
	ActivityTypeReactivationPrompt ActivityType = "reactivation_prompt"
	ActivityTypeAlert              ActivityType = "alert"
	ActivityTypeProbation          ActivityType = "probation"
	ActivityTypePendingTimeout     ActivityType = "pending_timeout"
	ActivityTypeRetirement         ActivityType = "retirement"
)

// Agent is one fleet member: a persona, a topology placement, and a
// lifecycle state. See spec §3 for invariants.
type Agent struct {
	ID             string
	Name           string
	DisplayName    string
	Bio            string
	GhostMD        string
	ShellMD        string
	SiteID         string
	NodeID         string
	ProfileName    string
	UseMCP         bool
	Model          string
	Status         AgentStatus
	ActivityStatus ActivityStatus
	ActivationURL  string
	IsProtected    bool
	CreatedAt      time.Time
	RegisteredAt   *time.Time
	ActivatedAt    *time.Time
	RetiredAt      *time.Time
	LastHeartbeat  *time.Time
}

// AgentUpdate is a typed partial update for Agent rows. Every field is a
// pointer; nil means "leave unchanged". This replaces the source's dynamic
// `UPDATE ... SET <built column list>` with a deterministic, guardable shape
// (spec §9: dynamic partial update).
type AgentUpdate struct {
	DisplayName    *string
	Bio            *string
	GhostMD        *string
	ShellMD        *string
	SiteID         *string
	NodeID         *string
	ProfileName    *string
	UseMCP         *bool
	Model          *string
	Status         *AgentStatus
	ActivityStatus *ActivityStatus
	ActivationURL  *string
	IsProtected    *bool
	RegisteredAt   *time.Time
	ActivatedAt    *time.Time
	RetiredAt      *time.Time
	LastHeartbeat  *time.Time
}

// IsEmpty reports whether the update carries no field changes. Store.UpdateAgent
// rejects empty updates (testable property 7).
func (u AgentUpdate) IsEmpty() bool {
	return u == AgentUpdate{}
}

// Schedule is the one-row-per-active-agent timer record.
type Schedule struct {
	AgentID         string
	NextRunAt       time.Time
	LastRunAt       *time.Time
	Policy          SchedulePolicy
	Reason          string
	Priority        int
	IntervalMinutes int
}

// Decision is what SchedulingPolicy computes and Scheduler persists as a
// Schedule row.
type Decision struct {
	NextRunAt       time.Time
	IntervalMinutes int
	Policy          SchedulePolicy
	Reason          string
	Priority        int
}

// Metric is one append-only sample of an agent's external metrics.
type Metric struct {
	AgentID        string
	RecordedAt     time.Time
	TotalBucks     int64
	FollowerCount  int64
	FollowingCount int64
	PostCount      int64
	CommentCount   int64
	UpvoteCount    int64
}

// ActivityLogEntry is one append-only audit row.
type ActivityLogEntry struct {
	ID           int64
	AgentID      string
	ActivityType ActivityType
	Details      string
	Success      bool
	CreatedAt    time.Time
}

// PendingActivation tracks one agent awaiting human activation.
type PendingActivation struct {
	AgentID       string
	ActivationURL string
	CreatedAt     time.Time
	LastChecked   *time.Time
	CheckCount    int
}

// Profile is a named bundle of env/MCP/model defaults shared by agents.
type Profile struct {
	Name             string
	EnvRef           string
	MCPRef           string
	UseMCPDefault    bool
	SystemPromptMode string
	Model            string
}

// Site and Node are the small topology lookup tables.
type Site struct {
	ID   string
	Name string
}

type Node struct {
	ID     string
	SiteID string
	Name   string
}

// AgentFilter narrows Store.ListAgents. Zero value lists everything.
type AgentFilter struct {
	Status AgentStatus
	SiteID string
}
