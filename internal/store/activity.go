package store

import (
	"fmt"
	"time"

	"github.com/loopfactory/warden/internal/domain"
)

// LogActivity appends one audit row. Every lifecycle transition and every
// heartbeat outcome goes through here.
func (s *Store) LogActivity(agentID string, activityType domain.ActivityType, details string, success bool) error {
	_, err := s.conn.Exec(`
		INSERT INTO activity_log (agent_id, activity_type, details, success, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, agentID, string(activityType), details, boolToInt(success), timeToStr(time.Now()))
	if err != nil {
		return fmt.Errorf("log activity for %s: %w", agentID, err)
	}
	return nil
}

// ListActivity returns the most recent activity log entries for an agent,
// newest first, capped at limit.
func (s *Store) ListActivity(agentID string, limit int) ([]domain.ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(`
		SELECT id, agent_id, activity_type, details, success, created_at
		FROM activity_log WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity for %s: %w", agentID, err)
	}
	defer rows.Close()

	var entries []domain.ActivityLogEntry
	for rows.Next() {
		var e domain.ActivityLogEntry
		var success int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.ActivityType, &e.Details, &success, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		e.Success = intToBool(success)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
