package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfactory/warden/internal/domain"
	"github.com/loopfactory/warden/internal/resource"
)

type fakeSystemStore struct {
	counts map[domain.AgentStatus]int
	err    error
}

func (f *fakeSystemStore) ListAgents(filter domain.AgentFilter) ([]domain.Agent, error) {
	if f.err != nil {
		return nil, f.err
	}
	agents := make([]domain.Agent, f.counts[filter.Status])
	return agents, nil
}

type fakeSystemScheduler struct {
	inflight int
	active   []string
}

func (f *fakeSystemScheduler) InflightCount() int        { return f.inflight }
func (f *fakeSystemScheduler) ActiveAgentIDs() []string   { return f.active }

type fakeSystemResourceMonitor struct {
	usage   resource.Usage
	err     error
	maxConc int
}

func (f *fakeSystemResourceMonitor) CurrentUsage() (resource.Usage, error) { return f.usage, f.err }
func (f *fakeSystemResourceMonitor) MaxConcurrentAgents() int              { return f.maxConc }

func TestHandleSystemStatusReportsCountsAndUsage(t *testing.T) {
	store := &fakeSystemStore{counts: map[domain.AgentStatus]int{
		domain.StatusActive:  3,
		domain.StatusDesign:  1,
		domain.StatusWaiting: 2,
	}}
	sched := &fakeSystemScheduler{inflight: 1, active: []string{"a1", "a2"}}
	resources := &fakeSystemResourceMonitor{usage: resource.Usage{CPUPercent: 42, AvailableMemoryMB: 2048}, maxConc: 5}

	h := NewSystemHandlers(store, sched, resources, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/system/status", nil)
	rec := httptest.NewRecorder()
	h.HandleSystemStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got systemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.AgentCounts[string(domain.StatusActive)])
	assert.Equal(t, 1, got.InflightHeartbeats)
	assert.Equal(t, 2, got.ScheduledAgents)
	assert.Equal(t, 42.0, got.CPUPercent)
	assert.Equal(t, 5, got.MaxConcurrentAgents)
}

func TestHandleSystemStatusReturns500WhenStoreFails(t *testing.T) {
	store := &fakeSystemStore{err: errors.New("db down")}
	sched := &fakeSystemScheduler{}
	resources := &fakeSystemResourceMonitor{}

	h := NewSystemHandlers(store, sched, resources, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/system/status", nil)
	rec := httptest.NewRecorder()
	h.HandleSystemStatus(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleSystemStatusToleratesResourceSampleFailure(t *testing.T) {
	store := &fakeSystemStore{counts: map[domain.AgentStatus]int{}}
	sched := &fakeSystemScheduler{}
	resources := &fakeSystemResourceMonitor{err: errors.New("sampling failed")}

	h := NewSystemHandlers(store, sched, resources, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/system/status", nil)
	rec := httptest.NewRecorder()
	h.HandleSystemStatus(rec, req)

	// A resource-sampling failure degrades gracefully to zero-value usage
	// rather than failing the whole status aggregate.
	require.Equal(t, http.StatusOK, rec.Code)
}
