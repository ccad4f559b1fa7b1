package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/loopfactory/warden/internal/domain"
)

// UpsertSchedule writes the scheduler's Decision for an agent. One row per
// agent (testable property 1: status=ACTIVE iff exactly one Schedule row
// while the scheduler is running).
func (s *Store) UpsertSchedule(agentID string, d domain.Decision) error {
	_, err := s.conn.Exec(`
		INSERT INTO agent_schedule (agent_id, next_run_at, policy, reason, priority, interval_minutes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			next_run_at = excluded.next_run_at,
			policy = excluded.policy,
			reason = excluded.reason,
			priority = excluded.priority,
			interval_minutes = excluded.interval_minutes
	`, agentID, timeToStr(d.NextRunAt), string(d.Policy), d.Reason, d.Priority, d.IntervalMinutes)
	if err != nil {
		return fmt.Errorf("upsert schedule for %s: %w", agentID, err)
	}
	return nil
}

// MarkScheduleRan stamps last_run_at on a Schedule row after a heartbeat.
func (s *Store) MarkScheduleRan(agentID string, at time.Time) error {
	_, err := s.conn.Exec(`UPDATE agent_schedule SET last_run_at = ? WHERE agent_id = ?`,
		timeToStr(at), agentID)
	if err != nil {
		return fmt.Errorf("mark schedule ran for %s: %w", agentID, err)
	}
	return nil
}

// DeleteSchedule removes the Schedule row for an agent (retirement, or
// auto-sync removing an agent that's no longer ACTIVE).
func (s *Store) DeleteSchedule(agentID string) error {
	if _, err := s.conn.Exec(`DELETE FROM agent_schedule WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete schedule for %s: %w", agentID, err)
	}
	return nil
}

// GetSchedule loads the Schedule row for an agent, if any.
func (s *Store) GetSchedule(agentID string) (*domain.Schedule, error) {
	row := s.conn.QueryRow(`
		SELECT agent_id, next_run_at, last_run_at, policy, reason, priority, interval_minutes
		FROM agent_schedule WHERE agent_id = ?
	`, agentID)

	var sched domain.Schedule
	var nextRunAt string
	var lastRunAt sql.NullString
	if err := row.Scan(&sched.AgentID, &nextRunAt, &lastRunAt, &sched.Policy, &sched.Reason,
		&sched.Priority, &sched.IntervalMinutes); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get schedule for %s: %w", agentID, err)
	}

	var err error
	if sched.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return nil, err
	}
	if sched.LastRunAt, err = nullableTimePtr(lastRunAt); err != nil {
		return nil, err
	}
	return &sched, nil
}

// ScheduledAgentIDs returns every agent id with a Schedule row, for the
// scheduler's auto-sync diff against the DB's ACTIVE set.
func (s *Store) ScheduledAgentIDs() ([]string, error) {
	rows, err := s.conn.Query(`SELECT agent_id FROM agent_schedule`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled agent ids: %w", err)
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
