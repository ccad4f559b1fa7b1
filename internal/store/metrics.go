package store

import (
	"database/sql"
	"fmt"

	"github.com/loopfactory/warden/internal/domain"
)

// InsertMetric appends one metrics sample for an agent.
func (s *Store) InsertMetric(m domain.Metric) error {
	_, err := s.conn.Exec(`
		INSERT INTO metrics (agent_id, recorded_at, total_bucks, follower_count, following_count,
			post_count, comment_count, upvote_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.AgentID, timeToStr(m.RecordedAt), m.TotalBucks, m.FollowerCount, m.FollowingCount,
		m.PostCount, m.CommentCount, m.UpvoteCount)
	if err != nil {
		return fmt.Errorf("insert metric for %s: %w", m.AgentID, err)
	}
	return nil
}

// LatestMetric returns the most recently recorded metric for an agent.
func (s *Store) LatestMetric(agentID string) (*domain.Metric, error) {
	row := s.conn.QueryRow(`
		SELECT agent_id, recorded_at, total_bucks, follower_count, following_count,
			post_count, comment_count, upvote_count
		FROM metrics WHERE agent_id = ? ORDER BY recorded_at DESC LIMIT 1
	`, agentID)
	return scanMetric(row)
}

// EarliestMetricSince returns the oldest metric at or after the given
// cutoff, for the activity monitor's bucks-growth-stagnation check.
func (s *Store) EarliestMetricSince(agentID string, cutoff string) (*domain.Metric, error) {
	row := s.conn.QueryRow(`
		SELECT agent_id, recorded_at, total_bucks, follower_count, following_count,
			post_count, comment_count, upvote_count
		FROM metrics WHERE agent_id = ? AND recorded_at >= ? ORDER BY recorded_at ASC LIMIT 1
	`, agentID, cutoff)
	return scanMetric(row)
}

func scanMetric(row *sql.Row) (*domain.Metric, error) {
	var m domain.Metric
	var recordedAt string
	err := row.Scan(&m.AgentID, &recordedAt, &m.TotalBucks, &m.FollowerCount, &m.FollowingCount,
		&m.PostCount, &m.CommentCount, &m.UpvoteCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan metric: %w", err)
	}
	if m.RecordedAt, err = parseTime(recordedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
