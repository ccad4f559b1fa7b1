package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfactory/warden/internal/domain"
	"github.com/loopfactory/warden/internal/heartbeat"
	"github.com/loopfactory/warden/internal/runner"
	"github.com/loopfactory/warden/internal/store"
)

type fakeActivationStore struct {
	mu       sync.Mutex
	pending  []store.PendingActivationRecord
	updates  map[string]domain.AgentUpdate
	deleted  map[string]bool
	checked  map[string]int
	activity []domain.ActivityType
}

func newFakeActivationStore() *fakeActivationStore {
	return &fakeActivationStore{
		updates: map[string]domain.AgentUpdate{},
		deleted: map[string]bool{},
		checked: map[string]int{},
	}
}

func (f *fakeActivationStore) ListPendingActivations() ([]store.PendingActivationRecord, error) {
	return f.pending, nil
}

func (f *fakeActivationStore) UpdateAgent(id string, update domain.AgentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = update
	return nil
}

func (f *fakeActivationStore) DeletePendingActivation(agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[agentID] = true
	return nil
}

func (f *fakeActivationStore) RecordPendingCheck(agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked[agentID]++
	return nil
}

func (f *fakeActivationStore) LogActivity(agentID string, activityType domain.ActivityType, details string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, activityType)
	return nil
}

type fakeAgentScheduler struct {
	mu     sync.Mutex
	added  []string
}

func (f *fakeAgentScheduler) AddAgent(ctx context.Context, agentID string, runImmediately bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, agentID)
}

type fakeActivationRunner struct {
	result runner.Result
}

func (f *fakeActivationRunner) RunHeartbeat(ctx context.Context, timeout time.Duration) (runner.Result, error) {
	return f.result, nil
}

func (f *fakeActivationRunner) RunWithPrompt(ctx context.Context, prompt string, timeout time.Duration) (runner.Result, error) {
	return f.result, nil
}

func newTestActivationMonitor(fs *fakeActivationStore, sched AgentScheduler, result runner.Result, cfg ActivationConfig) *ActivationMonitor {
	return NewActivationMonitor(fs, sched, func(agentID string) heartbeat.AgentRunner {
		return &fakeActivationRunner{result: result}
	}, cfg, zerolog.Nop())
}

func TestCheckOnePromotesActivatedAgent(t *testing.T) {
	fs := newFakeActivationStore()
	sched := &fakeAgentScheduler{}
	m := newTestActivationMonitor(fs, sched, runner.Result{Success: true, Output: `{"status": "active"}`}, ActivationConfig{MaxPendingHours: 24})

	rec := store.PendingActivationRecord{
		Agent:   domain.Agent{ID: "a1", Status: domain.StatusWaiting},
		Pending: domain.PendingActivation{AgentID: "a1", CreatedAt: time.Now()},
	}
	m.checkOne(context.Background(), rec)

	require.Contains(t, fs.updates, "a1")
	require.NotNil(t, fs.updates["a1"].Status)
	assert.Equal(t, domain.StatusActive, *fs.updates["a1"].Status)
	assert.True(t, fs.deleted["a1"])
	assert.Contains(t, fs.activity, domain.ActivityTypeActivation)
	assert.Contains(t, sched.added, "a1")
	assert.Equal(t, 1, fs.checked["a1"])
}

func TestCheckOneLeavesAgentAloneWhenNotYetActivated(t *testing.T) {
	fs := newFakeActivationStore()
	sched := &fakeAgentScheduler{}
	m := newTestActivationMonitor(fs, sched, runner.Result{Success: true, Output: "still waiting"}, ActivationConfig{MaxPendingHours: 24})

	rec := store.PendingActivationRecord{
		Agent:   domain.Agent{ID: "a1", Status: domain.StatusWaiting},
		Pending: domain.PendingActivation{AgentID: "a1", CreatedAt: time.Now()},
	}
	m.checkOne(context.Background(), rec)

	assert.NotContains(t, fs.updates, "a1")
	assert.Empty(t, sched.added)
}

func TestCheckOneRollsBackStalePendingToDesign(t *testing.T) {
	fs := newFakeActivationStore()
	sched := &fakeAgentScheduler{}
	m := newTestActivationMonitor(fs, sched, runner.Result{Success: true}, ActivationConfig{MaxPendingHours: 1})

	rec := store.PendingActivationRecord{
		Agent:   domain.Agent{ID: "a1", Status: domain.StatusPending},
		Pending: domain.PendingActivation{AgentID: "a1", CreatedAt: time.Now().Add(-2 * time.Hour)},
	}
	m.checkOne(context.Background(), rec)

	require.Contains(t, fs.updates, "a1")
	require.NotNil(t, fs.updates["a1"].Status)
	assert.Equal(t, domain.StatusDesign, *fs.updates["a1"].Status)
	assert.True(t, fs.deleted["a1"])
	assert.Contains(t, fs.activity, domain.ActivityTypePendingTimeout)
	// A stale pending is rolled back without ever probing the CLI.
	assert.Equal(t, 0, fs.checked["a1"])
}

func TestIsActivatedMatchesKnownIndicators(t *testing.T) {
	assert.True(t, isActivated(`{"status": "active"}`))
	assert.True(t, isActivated("Status: Active"))
	assert.True(t, isActivated("Agent activated successfully"))
	assert.False(t, isActivated("still pending"))
	assert.False(t, isActivated(""))
}

func TestRunStopsOnStopSignal(t *testing.T) {
	fs := newFakeActivationStore()
	sched := &fakeAgentScheduler{}
	m := newTestActivationMonitor(fs, sched, runner.Result{Success: true}, ActivationConfig{CheckInterval: time.Millisecond})

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	m.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
