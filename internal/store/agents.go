package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/loopfactory/warden/internal/domain"
)

// CreateAgent inserts a new agent row in DESIGN status.
func (s *Store) CreateAgent(a domain.Agent) error {
	if a.SiteID == "" {
		a.SiteID = "site_default"
	}
	if a.NodeID == "" {
		a.NodeID = "node_default"
	}
	if a.ProfileName == "" {
		a.ProfileName = "default"
	}
	if err := s.validateTopology(a.SiteID, a.NodeID); err != nil {
		return err
	}

	_, err := s.conn.Exec(`
		INSERT INTO agents (id, name, display_name, bio, ghost_md, shell_md, site_id, node_id,
			profile_name, use_mcp, model, status, activity_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.DisplayName, a.Bio, a.GhostMD, a.ShellMD, a.SiteID, a.NodeID,
		a.ProfileName, boolToInt(a.UseMCP), nullString(a.Model), string(domain.StatusDesign),
		string(domain.ActivityUnknown), timeToStr(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// validateTopology confirms the node belongs to the given site (spec §3:
// "the node's site must match the agent's site").
func (s *Store) validateTopology(siteID, nodeID string) error {
	var nodeSite string
	err := s.conn.QueryRow(`SELECT site_id FROM loop_nodes WHERE id = ?`, nodeID).Scan(&nodeSite)
	if err == sql.ErrNoRows {
		return fmt.Errorf("invalid topology: node %s not found", nodeID)
	}
	if err != nil {
		return fmt.Errorf("validate topology: %w", err)
	}
	if nodeSite != siteID {
		return fmt.Errorf("invalid topology: node %s belongs to site %s, not %s", nodeID, nodeSite, siteID)
	}
	return nil
}

// GetAgent loads one agent by id.
func (s *Store) GetAgent(id string) (*domain.Agent, error) {
	row := s.conn.QueryRow(agentSelectColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return agent, nil
}

// GetAgentByName loads one agent by its unique name.
func (s *Store) GetAgentByName(name string) (*domain.Agent, error) {
	row := s.conn.QueryRow(agentSelectColumns+` FROM agents WHERE name = ?`, name)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by name %s: %w", name, err)
	}
	return agent, nil
}

// ListAgents returns agents matching the given filter. A zero-value filter
// lists everything.
func (s *Store) ListAgents(filter domain.AgentFilter) ([]domain.Agent, error) {
	query := agentSelectColumns + ` FROM agents WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, filter.SiteID)
	}
	query += ` ORDER BY id`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// ListAgentIDsByStatus is a narrow helper the scheduler's auto-sync loop uses
// to avoid hydrating full Agent rows just to diff a set of ids.
func (s *Store) ListAgentIDsByStatus(status domain.AgentStatus) ([]string, error) {
	rows, err := s.conn.Query(`SELECT id FROM agents WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateAgent applies a typed partial update. Empty updates are rejected
// (testable property 7) rather than silently executing a no-op UPDATE.
// Transitions to ACTIVE stamp activated_at when it isn't already set.
func (s *Store) UpdateAgent(id string, update domain.AgentUpdate) error {
	if update.IsEmpty() {
		return fmt.Errorf("update agent %s: empty update rejected", id)
	}

	var sets []string
	var args []interface{}

	add := func(col string, val interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if update.DisplayName != nil {
		add("display_name", *update.DisplayName)
	}
	if update.Bio != nil {
		add("bio", *update.Bio)
	}
	if update.GhostMD != nil {
		add("ghost_md", *update.GhostMD)
	}
	if update.ShellMD != nil {
		add("shell_md", *update.ShellMD)
	}
	if update.SiteID != nil {
		add("site_id", *update.SiteID)
	}
	if update.NodeID != nil {
		add("node_id", *update.NodeID)
	}
	if update.ProfileName != nil {
		add("profile_name", *update.ProfileName)
	}
	if update.UseMCP != nil {
		add("use_mcp", boolToInt(*update.UseMCP))
	}
	if update.Model != nil {
		add("model", nullString(*update.Model))
	}
	if update.Status != nil {
		add("status", string(*update.Status))
		if *update.Status == domain.StatusActive {
			var activatedAt sql.NullString
			_ = s.conn.QueryRow(`SELECT activated_at FROM agents WHERE id = ?`, id).Scan(&activatedAt)
			if !activatedAt.Valid || activatedAt.String == "" {
				add("activated_at", timeToStr(time.Now()))
			}
		}
	}
	if update.ActivityStatus != nil {
		add("activity_status", string(*update.ActivityStatus))
	}
	if update.ActivationURL != nil {
		add("activation_url", nullString(*update.ActivationURL))
	}
	if update.IsProtected != nil {
		add("is_protected", boolToInt(*update.IsProtected))
	}
	if update.RegisteredAt != nil {
		add("registered_at", timeToStr(*update.RegisteredAt))
	}
	if update.ActivatedAt != nil {
		add("activated_at", timeToStr(*update.ActivatedAt))
	}
	if update.RetiredAt != nil {
		add("retired_at", timeToStr(*update.RetiredAt))
	}
	if update.LastHeartbeat != nil {
		add("last_heartbeat", timeToStr(*update.LastHeartbeat))
	}

	args = append(args, id)
	query := `UPDATE agents SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if _, err := s.conn.Exec(query, args...); err != nil {
		return fmt.Errorf("update agent %s: %w", id, err)
	}
	return nil
}

const agentSelectColumns = `SELECT id, name, display_name, bio, ghost_md, shell_md, site_id, node_id,
	profile_name, use_mcp, model, status, activity_status, activation_url, is_protected,
	created_at, registered_at, activated_at, retired_at, last_heartbeat`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var model, activationURL sql.NullString
	var registeredAt, activatedAt, retiredAt, lastHeartbeat sql.NullString
	var createdAt string
	var useMCP, isProtected int

	err := row.Scan(&a.ID, &a.Name, &a.DisplayName, &a.Bio, &a.GhostMD, &a.ShellMD,
		&a.SiteID, &a.NodeID, &a.ProfileName, &useMCP, &model, &a.Status, &a.ActivityStatus,
		&activationURL, &isProtected, &createdAt, &registeredAt, &activatedAt, &retiredAt, &lastHeartbeat)
	if err != nil {
		return nil, err
	}

	a.UseMCP = intToBool(useMCP)
	a.IsProtected = intToBool(isProtected)
	a.Model = model.String
	a.ActivationURL = activationURL.String

	a.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.RegisteredAt, err = nullableTimePtr(registeredAt); err != nil {
		return nil, err
	}
	if a.ActivatedAt, err = nullableTimePtr(activatedAt); err != nil {
		return nil, err
	}
	if a.RetiredAt, err = nullableTimePtr(retiredAt); err != nil {
		return nil, err
	}
	if a.LastHeartbeat, err = nullableTimePtr(lastHeartbeat); err != nil {
		return nil, err
	}
	return &a, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
