// Package runner invokes the loop CLI as a subprocess to execute one agent
// turn (heartbeat, registration, activation check, or an arbitrary prompt),
// capturing its output and writing a per-run log file.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/loopfactory/warden/internal/profile"
	"github.com/loopfactory/warden/internal/workspace"
)

const (
	defaultSkillURL        = "https://assibucks.vercel.app/skill.md"
	maxRetryAttempts       = 8
	maxRetryBackoffSeconds = 30
)

// retryableKeywords mark transient concurrency/rate-limit failures worth
// retrying, matched case-insensitively against combined stdout+stderr.
var retryableKeywords = []string{
	"concurrency",
	"rate limit",
	"rate-limit",
	"too many requests",
	"429",
	"resource_exhausted",
}

// Config is the loop-invocation slice of site configuration.
type Config struct {
	CLICommand   string
	SkillURL     string
	Env          map[string]string
	SettingsPath string
}

// Result is what a heartbeat/registration/status-check call returns.
type Result struct {
	Success    bool
	Output     string
	Error      string
	LogFile    string
	ReturnCode int
}

// Runner executes loop CLI invocations for a single agent.
type Runner struct {
	agentID  string
	cfg      Config
	ws       *workspace.Workspace
	resolver *profile.Resolver
	log      zerolog.Logger
}

// New constructs a Runner for one agent.
func New(agentID string, cfg Config, ws *workspace.Workspace, resolver *profile.Resolver, log zerolog.Logger) *Runner {
	return &Runner{
		agentID:  agentID,
		cfg:      cfg,
		ws:       ws,
		resolver: resolver,
		log:      log.With().Str("component", "runner").Str("agent_id", agentID).Logger(),
	}
}

// RunHeartbeat executes the standing heartbeat prompt.
func (r *Runner) RunHeartbeat(ctx context.Context, timeout time.Duration) (Result, error) {
	return r.execute(ctx, "Perform your heartbeat routine as defined in your shell.", timeout, "")
}

// RunRegistration executes the one-time registration prompt, asking the
// agent to self-register and report back its activation URL.
func (r *Runner) RunRegistration(ctx context.Context, name, displayName, bio string) (Result, error) {
	prompt := fmt.Sprintf(
		"Register yourself on AssiBucks with the following info:\n"+
			"- name: %s\n- display_name: %s\n- bio: %s\n\n"+
			"After registration, report back the activation_url.",
		name, displayName, bio,
	)
	return r.execute(ctx, prompt, 120*time.Second, "")
}

// CheckActivationStatus asks the agent to report its current profile status.
func (r *Runner) CheckActivationStatus(ctx context.Context) (Result, error) {
	return r.execute(ctx, "Check your current status using get_my_profile.", 180*time.Second, "")
}

// RunWithPrompt executes an arbitrary prompt (used by the activity monitor
// for reactivation nudges).
func (r *Runner) RunWithPrompt(ctx context.Context, prompt string, timeout time.Duration) (Result, error) {
	return r.execute(ctx, prompt, timeout, "")
}

func (r *Runner) isRetryable(stdout, stderr string) bool {
	combined := strings.ToLower(stdout + "\n" + stderr)
	for _, kw := range retryableKeywords {
		if strings.Contains(combined, kw) {
			return true
		}
	}
	return false
}

func (r *Runner) execute(ctx context.Context, prompt string, timeout time.Duration, skillURLOverride string) (Result, error) {
	resolution, err := r.resolver.Resolve(r.agentID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve profile for %s: %w", r.agentID, err)
	}

	effectiveSkillURL := skillURLOverride
	if effectiveSkillURL == "" {
		effectiveSkillURL = r.cfg.SkillURL
	}
	if effectiveSkillURL == "" {
		effectiveSkillURL = defaultSkillURL
	}
	if resolution.SystemPromptMode == "compact" && strings.HasSuffix(effectiveSkillURL, "/skill.md") {
		effectiveSkillURL = strings.Replace(effectiveSkillURL, "/skill.md", "/skill_compact.md", 1)
		r.log.Debug().Str("skill_url", effectiveSkillURL).Msg("compact mode: using compact skill file")
	}

	cliCommand := r.cfg.CLICommand
	if cliCommand == "" {
		cliCommand = "loop"
	}

	args := []string{
		"--headless",
		"--skill-url", effectiveSkillURL,
		"--ghost", r.ws.GhostPath(),
		"--shell", r.ws.ShellPath(),
	}
	if r.ws.HasLocalOverride() {
		args = append(args, "--config", r.ws.LocalOverridePath())
	}
	args = append(args, "--prompt", prompt)

	if err := os.MkdirAll(r.ws.LogsDir(), 0o755); err != nil {
		return Result{}, fmt.Errorf("ensure workspace for %s: %w", r.agentID, err)
	}

	startedAt := time.Now()
	logFile := r.ws.LogPath(startedAt)

	settingsEnvOverride, err := r.resolveSettings(resolution)
	if err != nil {
		return Result{}, err
	}
	env := buildEnv(resolution, r.cfg.Env, settingsEnvOverride)

	type attempt struct {
		n         int
		rc        int
		retryable bool
		stdout    string
		stderr    string
	}
	var attempts []attempt
	var lastStdout, lastStderr string
	var lastRC int = -1
	var ranAtLeastOnce bool

	for n := 1; n <= maxRetryAttempts; n++ {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		cmd := exec.CommandContext(runCtx, cliCommand, args...)
		cmd.Dir = r.ws.Dir()
		cmd.Env = env
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		cancel()
		ranAtLeastOnce = true

		rc := 0
		timedOut := runCtx.Err() == context.DeadlineExceeded
		if runErr != nil {
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				rc = exitErr.ExitCode()
			} else {
				rc = -1
			}
		}
		if timedOut {
			r.log.Error().Dur("timeout", timeout).Msg("loop CLI timeout")
			r.writeLog(logFile, args, startedAt, env, -1, nil)
			return Result{
				Success: false,
				Error:   fmt.Sprintf("execution timeout after %s", timeout),
				LogFile: logFile,
			}, nil
		}

		lastStdout, lastStderr, lastRC = stdout.String(), stderr.String(), rc
		retryable := rc != 0 && n < maxRetryAttempts && r.isRetryable(lastStdout, lastStderr)
		attempts = append(attempts, attempt{n: n, rc: rc, retryable: retryable, stdout: lastStdout, stderr: lastStderr})

		if rc == 0 {
			break
		}
		if !retryable {
			break
		}

		backoff := time.Duration(minInt(1<<uint(n-1), maxRetryBackoffSeconds)) * time.Second
		r.log.Warn().Int("attempt", n).Int("max_attempts", maxRetryAttempts).Dur("backoff", backoff).
			Msg("retryable limit/concurrency error; retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	if !ranAtLeastOnce {
		return Result{Success: false, Error: "loop CLI never executed"}, nil
	}

	var logBuf bytes.Buffer
	for _, a := range attempts {
		fmt.Fprintf(&logBuf, "\n--- ATTEMPT %d (rc=%d, retryable=%t) ---\n", a.n, a.rc, a.retryable)
		fmt.Fprintf(&logBuf, "--- STDOUT ---\n%s\n", a.stdout)
		fmt.Fprintf(&logBuf, "--- STDERR ---\n%s\n", a.stderr)
	}
	r.writeLog(logFile, args, startedAt, env, lastRC, &logBuf)

	result := Result{
		Success:    lastRC == 0,
		Output:     lastStdout,
		LogFile:    logFile,
		ReturnCode: lastRC,
	}
	if lastRC != 0 {
		result.Error = lastStderr
	}
	return result, nil
}

func (r *Runner) writeLog(path string, args []string, startedAt time.Time, env []string, rc int, attemptsBody *bytes.Buffer) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Command: %s\n", strings.Join(args, " "))
	fmt.Fprintf(&buf, "Timestamp: %s\n", startedAt.Format("2006-01-02_15-04-05"))
	fmt.Fprintf(&buf, "Model env (CLAUDE_MODEL): %s\n", lookupEnv(env, "CLAUDE_MODEL"))
	fmt.Fprintf(&buf, "Return code: %d\n", rc)
	if attemptsBody != nil {
		buf.Write(attemptsBody.Bytes())
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("failed to write run log")
	}
}

// resolveSettings mirrors the original's workspace-settings-merge
// precedence: a static settings path is used unchanged when no MCP
// servers are resolved, and a merged settings.json is materialized in the
// agent's own workspace only when MCP servers are present (spec §4.6).
// It returns the CLAUDE_CODE_SETTINGS value to export, or "" if the site
// has no settings path configured and no servers to merge.
func (r *Runner) resolveSettings(resolution profile.Resolution) (string, error) {
	if len(resolution.MCPServers) == 0 {
		return r.cfg.SettingsPath, nil
	}
	base := map[string]interface{}{}
	if r.cfg.SettingsPath != "" {
		if data, err := os.ReadFile(r.cfg.SettingsPath); err == nil {
			_ = parseJSONInto(data, &base)
		}
	}
	return r.ws.WriteMergedSettings(base, resolution.MCPServers)
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return "(unset)"
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

