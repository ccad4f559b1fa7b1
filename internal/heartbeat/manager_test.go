package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loopfactory/warden/internal/runner"
)

type fakeRunner struct {
	result runner.Result
	err    error
	onRun  func()
}

func (f *fakeRunner) RunHeartbeat(ctx context.Context, timeout time.Duration) (runner.Result, error) {
	if f.onRun != nil {
		f.onRun()
	}
	return f.result, f.err
}

func TestExecuteHeartbeatExtractsJSONSkillsList(t *testing.T) {
	m := New()
	fr := &fakeRunner{result: runner.Result{Success: true, Output: `{"status":"ok","skills_used":["writing","research"]}`}}

	res := m.ExecuteHeartbeat(context.Background(), fr, time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, "writing, research", res.SkillsUsed)
}

func TestExecuteHeartbeatFallsBackToRegexLine(t *testing.T) {
	m := New()
	fr := &fakeRunner{result: runner.Result{Success: true, Output: "Summary text.\nSkills: editing, summarizing\n"}}

	res := m.ExecuteHeartbeat(context.Background(), fr, time.Second)
	assert.Equal(t, "editing, summarizing", res.SkillsUsed)
}

func TestExecuteHeartbeatUnknownWhenUnparseable(t *testing.T) {
	m := New()
	fr := &fakeRunner{result: runner.Result{Success: true, Output: "no useful markers here"}}

	res := m.ExecuteHeartbeat(context.Background(), fr, time.Second)
	assert.Equal(t, "unknown", res.SkillsUsed)
}

func TestExecuteHeartbeatSerializesConcurrentCalls(t *testing.T) {
	m := New()
	var concurrent int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	runOnce := func() {
		defer wg.Done()
		cur := atomic.AddInt32(&concurrent, 1)
		if cur > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, cur)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		fr := &fakeRunner{result: runner.Result{Success: true}, onRun: runOnce}
		go m.ExecuteHeartbeat(context.Background(), fr, time.Second)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
}
