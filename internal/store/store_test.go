package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/loopfactory/warden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.Migrate())
}

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateAgent(domain.Agent{ID: "alpha001", Name: "alpha", CreatedAt: time.Now()})
	require.NoError(t, err)

	agent, err := s.GetAgent("alpha001")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "alpha", agent.Name)
	assert.Equal(t, domain.StatusDesign, agent.Status)
	assert.Equal(t, "site_default", agent.SiteID)
	assert.Equal(t, "node_default", agent.NodeID)
}

func TestCreateAgentRejectsInvalidTopology(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateAgent(domain.Agent{ID: "bad0001", Name: "bad", CreatedAt: time.Now(), SiteID: "nope", NodeID: "node_default"})
	assert.Error(t, err)
}

func TestUpdateAgentRejectsEmptyUpdate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(domain.Agent{ID: "alpha001", Name: "alpha", CreatedAt: time.Now()}))

	err := s.UpdateAgent("alpha001", domain.AgentUpdate{})
	assert.Error(t, err)
}

func TestUpdateAgentStatusStampsActivatedAt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(domain.Agent{ID: "alpha001", Name: "alpha", CreatedAt: time.Now()}))

	active := domain.StatusActive
	require.NoError(t, s.UpdateAgent("alpha001", domain.AgentUpdate{Status: &active}))

	agent, err := s.GetAgent("alpha001")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, agent.Status)
	require.NotNil(t, agent.ActivatedAt)
}

func TestScheduleUpsertAndDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(domain.Agent{ID: "alpha001", Name: "alpha", CreatedAt: time.Now()}))

	decision := domain.Decision{
		NextRunAt:       time.Now().Add(time.Hour),
		IntervalMinutes: 60,
		Policy:          domain.PolicyHeartbeat,
		Reason:          "scheduled",
		Priority:        -1,
	}
	require.NoError(t, s.UpsertSchedule("alpha001", decision))

	sched, err := s.GetSchedule("alpha001")
	require.NoError(t, err)
	require.NotNil(t, sched)
	assert.Equal(t, 60, sched.IntervalMinutes)

	require.NoError(t, s.DeleteSchedule("alpha001"))
	sched, err = s.GetSchedule("alpha001")
	require.NoError(t, err)
	assert.Nil(t, sched)
}

func TestPendingActivationLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(domain.Agent{ID: "alpha001", Name: "alpha", CreatedAt: time.Now()}))
	waiting := domain.StatusWaiting
	url := "https://example.test/activate/alpha001"
	require.NoError(t, s.UpdateAgent("alpha001", domain.AgentUpdate{Status: &waiting, ActivationURL: &url}))
	require.NoError(t, s.CreatePendingActivation("alpha001", url))

	records, err := s.ListPendingActivations()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alpha001", records[0].Agent.ID)
	assert.Equal(t, 0, records[0].Pending.CheckCount)

	require.NoError(t, s.RecordPendingCheck("alpha001"))
	records, err = s.ListPendingActivations()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Pending.CheckCount)

	require.NoError(t, s.DeletePendingActivation("alpha001"))
	records, err = s.ListPendingActivations()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLatestMetricReturnsNewestSample(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(domain.Agent{ID: "alpha001", Name: "alpha", CreatedAt: time.Now()}))

	require.NoError(t, s.InsertMetric(domain.Metric{AgentID: "alpha001", RecordedAt: time.Now().Add(-time.Hour), TotalBucks: 10}))
	require.NoError(t, s.InsertMetric(domain.Metric{AgentID: "alpha001", RecordedAt: time.Now(), TotalBucks: 25}))

	latest, err := s.LatestMetric("alpha001")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.EqualValues(t, 25, latest.TotalBucks)
}

func TestLogAndListActivity(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(domain.Agent{ID: "alpha001", Name: "alpha", CreatedAt: time.Now()}))

	require.NoError(t, s.LogActivity("alpha001", domain.ActivityTypeHeartbeat, "ok", true))
	entries, err := s.ListActivity("alpha001", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
}

func TestGetProfileFallsBackWhenMissing(t *testing.T) {
	s := newTestStore(t)

	profile, err := s.GetProfile("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, profile)

	defaultProfile, err := s.GetProfile("default")
	require.NoError(t, err)
	require.NotNil(t, defaultProfile)
	assert.Equal(t, "default", defaultProfile.SystemPromptMode)
}
