package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/loopfactory/warden/internal/domain"
)

// CreatePendingActivation inserts the waiting-for-human-activation row
// created alongside an agent's DESIGN→WAITING transition.
func (s *Store) CreatePendingActivation(agentID, activationURL string) error {
	_, err := s.conn.Exec(`
		INSERT INTO pending_activation (agent_id, activation_url, created_at, check_count)
		VALUES (?, ?, ?, 0)
	`, agentID, activationURL, timeToStr(time.Now()))
	if err != nil {
		return fmt.Errorf("create pending activation for %s: %w", agentID, err)
	}
	return nil
}

// DeletePendingActivation removes the row once the agent activates or its
// pending window expires.
func (s *Store) DeletePendingActivation(agentID string) error {
	if _, err := s.conn.Exec(`DELETE FROM pending_activation WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete pending activation for %s: %w", agentID, err)
	}
	return nil
}

// PendingActivationRecord pairs an agent with its pending row for the
// activation monitor's sweep.
type PendingActivationRecord struct {
	Agent   domain.Agent
	Pending domain.PendingActivation
}

// ListPendingActivations returns every agent currently in WAITING or
// PENDING status, joined with its pending_activation row.
func (s *Store) ListPendingActivations() ([]PendingActivationRecord, error) {
	rows, err := s.conn.Query(agentSelectColumns+`,
			p.created_at, p.last_checked, p.check_count
		FROM agents a
		JOIN pending_activation p ON p.agent_id = a.id
		WHERE a.status IN (?, ?)`,
		string(domain.StatusWaiting), string(domain.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending activations: %w", err)
	}
	defer rows.Close()

	var records []PendingActivationRecord
	for rows.Next() {
		agent, pendingCreatedAt, lastChecked, checkCount, err := scanAgentAndPending(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, PendingActivationRecord{
			Agent: *agent,
			Pending: domain.PendingActivation{
				AgentID:       agent.ID,
				ActivationURL: agent.ActivationURL,
				CreatedAt:     pendingCreatedAt,
				LastChecked:   lastChecked,
				CheckCount:    checkCount,
			},
		})
	}
	return records, rows.Err()
}

func scanAgentAndPending(rows *sql.Rows) (*domain.Agent, time.Time, *time.Time, int, error) {
	var a domain.Agent
	var model, activationURL sql.NullString
	var registeredAt, activatedAt, retiredAt, lastHeartbeat sql.NullString
	var createdAt, pendingCreatedAt string
	var lastChecked sql.NullString
	var useMCP, isProtected, checkCount int

	err := rows.Scan(&a.ID, &a.Name, &a.DisplayName, &a.Bio, &a.GhostMD, &a.ShellMD,
		&a.SiteID, &a.NodeID, &a.ProfileName, &useMCP, &model, &a.Status, &a.ActivityStatus,
		&activationURL, &isProtected, &createdAt, &registeredAt, &activatedAt, &retiredAt, &lastHeartbeat,
		&pendingCreatedAt, &lastChecked, &checkCount)
	if err != nil {
		return nil, time.Time{}, nil, 0, fmt.Errorf("scan agent+pending: %w", err)
	}

	a.UseMCP = intToBool(useMCP)
	a.IsProtected = intToBool(isProtected)
	a.Model = model.String
	a.ActivationURL = activationURL.String

	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, time.Time{}, nil, 0, err
	}
	if a.RegisteredAt, err = nullableTimePtr(registeredAt); err != nil {
		return nil, time.Time{}, nil, 0, err
	}
	if a.ActivatedAt, err = nullableTimePtr(activatedAt); err != nil {
		return nil, time.Time{}, nil, 0, err
	}
	if a.RetiredAt, err = nullableTimePtr(retiredAt); err != nil {
		return nil, time.Time{}, nil, 0, err
	}
	if a.LastHeartbeat, err = nullableTimePtr(lastHeartbeat); err != nil {
		return nil, time.Time{}, nil, 0, err
	}

	createdTime, err := parseTime(pendingCreatedAt)
	if err != nil {
		return nil, time.Time{}, nil, 0, err
	}
	lastCheckedPtr, err := nullableTimePtr(lastChecked)
	if err != nil {
		return nil, time.Time{}, nil, 0, err
	}
	return &a, createdTime, lastCheckedPtr, checkCount, nil
}

// RecordPendingCheck increments check_count and stamps last_checked.
func (s *Store) RecordPendingCheck(agentID string) error {
	_, err := s.conn.Exec(`
		UPDATE pending_activation SET check_count = check_count + 1, last_checked = ?
		WHERE agent_id = ?
	`, timeToStr(time.Now()), agentID)
	if err != nil {
		return fmt.Errorf("record pending check for %s: %w", agentID, err)
	}
	return nil
}
