// Package heartbeat serializes heartbeat execution across all agents
// through a single mutex, and packages each run's result with a
// best-effort extraction of which skills the agent reported using.
package heartbeat

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/loopfactory/warden/internal/runner"
)

// Result is the outcome of one heartbeat execution.
type Result struct {
	Success    bool
	Output     string
	Error      string
	LogFile    string
	SkillsUsed string
}

// AgentRunner is the narrow slice of *runner.Runner the manager needs;
// kept as an interface so it can be faked in tests without a real
// subprocess.
type AgentRunner interface {
	RunHeartbeat(ctx context.Context, timeout time.Duration) (runner.Result, error)
}

var skillsLinePattern = regexp.MustCompile(`(?i)skills?\s*[:\-]\s*(.+)`)

// Manager runs blocking heartbeat subprocesses one at a time, process-wide.
// The original Python implementation holds a single asyncio.Lock around
// every heartbeat call regardless of which agent it belongs to; Warden
// keeps that same serialization via sync.Mutex rather than letting the
// scheduler's worker pool run heartbeats concurrently.
type Manager struct {
	mu sync.Mutex
}

// New constructs a Manager.
func New() *Manager {
	return &Manager{}
}

// ExecuteHeartbeat runs one agent's heartbeat under the global lock and
// extracts a best-effort skills-used summary from its output.
func (m *Manager) ExecuteHeartbeat(ctx context.Context, runner AgentRunner, timeout time.Duration) Result {
	m.mu.Lock()
	res, err := runner.RunHeartbeat(ctx, timeout)
	m.mu.Unlock()

	if err != nil {
		return Result{Success: false, Error: err.Error(), SkillsUsed: "unknown"}
	}

	return Result{
		Success:    res.Success,
		Output:     res.Output,
		Error:      res.Error,
		LogFile:    res.LogFile,
		SkillsUsed: extractSkills(res.Output),
	}
}

// extractSkills tries a JSON "skills_used"/"skills" key first, then falls
// back to a "Skills: a, b" style line, then gives up with "unknown".
func extractSkills(output string) string {
	if output == "" {
		return "unknown"
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(output), &decoded); err == nil {
		if skills, ok := decoded["skills_used"]; ok {
			if s := skillsToString(skills); s != "" {
				return s
			}
		}
		if skills, ok := decoded["skills"]; ok {
			if s := skillsToString(skills); s != "" {
				return s
			}
		}
	}

	if match := skillsLinePattern.FindStringSubmatch(output); match != nil {
		return strings.TrimSpace(match[1])
	}

	return "unknown"
}

func skillsToString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, toStringValue(item))
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

func toStringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
