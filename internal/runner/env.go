package runner

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/loopfactory/warden/internal/profile"
)

// buildEnv layers the subprocess environment: process env, then
// LOOP_HEADLESS, then site-wide loop.env overrides, then the resolved
// model (with the qwen context-window special case), then the settings
// path, then the profile's own env overrides last so it wins over
// everything else (spec §4.6 precedence: profile env last/highest).
func buildEnv(resolution profile.Resolution, loopEnv map[string]string, settingsPath string) []string {
	env := envMapFromOS()
	env["LOOP_HEADLESS"] = "true"

	for k, v := range loopEnv {
		env[k] = v
	}

	if resolution.EffectiveModel != "" {
		env["CLAUDE_MODEL"] = resolution.EffectiveModel
		if strings.Contains(strings.ToLower(resolution.EffectiveModel), "qwen") {
			env["CLAUDE_CODE_MAX_OUTPUT_TOKENS"] = "8000"
		}
	}

	if settingsPath != "" {
		env["CLAUDE_CODE_SETTINGS"] = settingsPath
	}

	for k, v := range resolution.Env {
		env[k] = v
	}

	return flattenEnv(env)
}

func envMapFromOS() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func flattenEnv(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

func parseJSONInto(data []byte, v *map[string]interface{}) error {
	return json.Unmarshal(data, v)
}
