// Package workspace manages an agent's on-disk directory:
// <base>/<agent_id>/{ghost.md, shell.md, state.json, settings.json?,
// .assiloop/config.yaml?, logs/*.log}. The DB is authoritative; state.json
// is a write-through projection produced at the end of each heartbeat
// (spec §9: "State split between DB and state.json").
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State mirrors the JSON object written to state.json.
type State struct {
	Status             string                 `json:"status"`
	LastHeartbeat       string                 `json:"last_heartbeat,omitempty"`
	HeartbeatCount      int                    `json:"heartbeat_count"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	ActivityStatus      string                 `json:"activity_status,omitempty"`
	LastSkillsUsed      string                 `json:"last_skills_used,omitempty"`
	CreatedAt           string                 `json:"created_at,omitempty"`
	UpdatedAt           string                 `json:"updated_at"`
	MetricsSnapshot     map[string]interface{} `json:"metrics_snapshot,omitempty"`
}

// Workspace is the on-disk directory for one agent.
type Workspace struct {
	baseDir string
	agentID string
}

// New returns the workspace handle for an agent under baseDir.
func New(baseDir, agentID string) *Workspace {
	return &Workspace{baseDir: baseDir, agentID: agentID}
}

// Dir is the agent's root workspace directory.
func (w *Workspace) Dir() string {
	return filepath.Join(w.baseDir, w.agentID)
}

// LogsDir is where per-run log files are written.
func (w *Workspace) LogsDir() string {
	return filepath.Join(w.Dir(), "logs")
}

// GhostPath and ShellPath are the persona files passed to the CLI.
func (w *Workspace) GhostPath() string { return filepath.Join(w.Dir(), "ghost.md") }
func (w *Workspace) ShellPath() string { return filepath.Join(w.Dir(), "shell.md") }

func (w *Workspace) statePath() string          { return filepath.Join(w.Dir(), "state.json") }
func (w *Workspace) settingsPath() string        { return filepath.Join(w.Dir(), "settings.json") }
func (w *Workspace) localOverridePath() string {
	return filepath.Join(w.Dir(), ".assiloop", "config.yaml")
}

// Ensure creates the workspace directory tree and writes ghost.md/shell.md
// if they don't already exist, so a freshly created agent has a runnable
// workspace before its first heartbeat.
func (w *Workspace) Ensure(ghostMD, shellMD string) error {
	if err := os.MkdirAll(w.LogsDir(), 0o755); err != nil {
		return fmt.Errorf("create workspace dirs for %s: %w", w.agentID, err)
	}
	if err := writeIfMissing(w.GhostPath(), ghostMD); err != nil {
		return err
	}
	if err := writeIfMissing(w.ShellPath(), shellMD); err != nil {
		return err
	}
	return nil
}

func writeIfMissing(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// ReadState loads state.json. A missing file returns a zero-value State,
// not an error (a never-heartbeated agent has no state file yet).
func (w *Workspace) ReadState() (State, error) {
	data, err := os.ReadFile(w.statePath())
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state for %s: %w", w.agentID, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse state for %s: %w", w.agentID, err)
	}
	return s, nil
}

// WriteState overwrites state.json with the given state, stamping
// updated_at.
func (w *Workspace) WriteState(s State) error {
	s.UpdatedAt = time.Now().Format(time.RFC3339)
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state for %s: %w", w.agentID, err)
	}
	if err := os.MkdirAll(w.Dir(), 0o755); err != nil {
		return fmt.Errorf("create workspace dir for %s: %w", w.agentID, err)
	}
	return os.WriteFile(w.statePath(), data, 0o644)
}

// StaticSettingsPath returns the site-wide settings path when no MCP
// servers are resolved for this agent (spec's supplemented workspace
// settings merge precedence).
func (w *Workspace) StaticSettingsPath(siteSettingsPath string) string {
	return siteSettingsPath
}

// WriteMergedSettings materializes settings.json merging the base site
// settings with the resolved MCP server list, and returns its path. Only
// called when MCP servers are present; otherwise the caller uses the
// static site settings path unchanged.
func (w *Workspace) WriteMergedSettings(baseSettings map[string]interface{}, mcpServers []map[string]interface{}) (string, error) {
	merged := map[string]interface{}{}
	for k, v := range baseSettings {
		merged[k] = v
	}
	merged["mcpServers"] = mcpServers

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal merged settings for %s: %w", w.agentID, err)
	}
	if err := os.MkdirAll(w.Dir(), 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir for %s: %w", w.agentID, err)
	}
	path := w.settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write merged settings for %s: %w", w.agentID, err)
	}
	return path, nil
}

// HasLocalOverride reports whether the agent carries a workspace-local
// .assiloop/config.yaml. The CLI subprocess is responsible for parsing
// and applying it; Warden only needs to know whether to forward its path
// via --config, mirroring the original runner's behavior exactly.
func (w *Workspace) HasLocalOverride() bool {
	return fileExists(w.localOverridePath())
}

// LocalOverridePath is the path forwarded to the CLI via --config when
// HasLocalOverride is true.
func (w *Workspace) LocalOverridePath() string {
	return w.localOverridePath()
}

// LogPath builds the per-run log file path, zero-padded to the second and
// falling back to a numeric suffix if two runs land in the same second
// (rare, but possible under admission contention).
func (w *Workspace) LogPath(at time.Time) string {
	base := at.Format("2006-01-02_15-04-05")
	path := filepath.Join(w.LogsDir(), base+".log")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(w.LogsDir(), fmt.Sprintf("%s_%d.log", base, i))
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
