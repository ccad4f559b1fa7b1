package profile

import (
	"testing"
	"time"

	"github.com/loopfactory/warden/internal/domain"
	"github.com/loopfactory/warden/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResolveUsesProfileEnvAndModelOverride(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Conn().Exec(`INSERT INTO profile_envs (name, data) VALUES ('alpha_env', '{"FOO":"bar"}')`)
	require.NoError(t, err)
	_, err = s.Conn().Exec(`
		INSERT INTO agent_profiles (name, env_ref, mcp_ref, use_mcp_default, system_prompt_mode, model)
		VALUES ('writer', 'alpha_env', NULL, 0, 'compact', 'claude-3-opus')
	`)
	require.NoError(t, err)
	require.NoError(t, s.CreateAgent(domain.Agent{
		ID: "alpha001", Name: "alpha", CreatedAt: time.Now(), ProfileName: "writer",
	}))

	r := New(s)
	res, err := r.Resolve("alpha001")
	require.NoError(t, err)
	require.Equal(t, "bar", res.Env["FOO"])
	require.Equal(t, "compact", res.SystemPromptMode)
	require.Equal(t, "claude-3-opus", res.EffectiveModel)
	require.Empty(t, res.MCPServers)
}

func TestResolveDegradesWhenProfileMissing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(domain.Agent{
		ID: "alpha001", Name: "alpha", CreatedAt: time.Now(), ProfileName: "ghost-profile", Model: "fallback-model",
	}))

	r := New(s)
	res, err := r.Resolve("alpha001")
	require.NoError(t, err)
	require.Equal(t, "default", res.SystemPromptMode)
	require.Equal(t, "fallback-model", res.EffectiveModel)
}

func TestResolveEnablesMCPWhenAgentOverridesFlag(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Conn().Exec(`INSERT INTO profile_mcp_configs (name, servers) VALUES ('tools', '[{"name":"search"}]')`)
	require.NoError(t, err)
	_, err = s.Conn().Exec(`
		INSERT INTO agent_profiles (name, env_ref, mcp_ref, use_mcp_default, system_prompt_mode, model)
		VALUES ('researcher', NULL, 'tools', 0, 'default', NULL)
	`)
	require.NoError(t, err)
	require.NoError(t, s.CreateAgent(domain.Agent{
		ID: "alpha001", Name: "alpha", CreatedAt: time.Now(), ProfileName: "researcher", UseMCP: true,
	}))

	r := New(s)
	res, err := r.Resolve("alpha001")
	require.NoError(t, err)
	require.Len(t, res.MCPServers, 1)
	require.Equal(t, "search", res.MCPServers[0]["name"])
}
