package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureWritesGhostAndShellOnlyIfMissing(t *testing.T) {
	base := t.TempDir()
	ws := New(base, "agent1")

	require.NoError(t, ws.Ensure("ghost v1", "shell v1"))
	data, err := os.ReadFile(ws.GhostPath())
	require.NoError(t, err)
	assert.Equal(t, "ghost v1", string(data))

	require.NoError(t, ws.Ensure("ghost v2", "shell v2"))
	data, err = os.ReadFile(ws.GhostPath())
	require.NoError(t, err)
	assert.Equal(t, "ghost v1", string(data), "Ensure must not overwrite an existing persona file")
}

func TestReadStateReturnsZeroValueWhenMissing(t *testing.T) {
	ws := New(t.TempDir(), "agent1")
	s, err := ws.ReadState()
	require.NoError(t, err)
	assert.Equal(t, State{}, s)
}

func TestWriteStateThenReadStateRoundTrips(t *testing.T) {
	ws := New(t.TempDir(), "agent1")
	require.NoError(t, ws.WriteState(State{Status: "active", HeartbeatCount: 3}))

	s, err := ws.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "active", s.Status)
	assert.Equal(t, 3, s.HeartbeatCount)
	assert.NotEmpty(t, s.UpdatedAt)
}

func TestWriteMergedSettingsOnlyWhenMCPServersPresent(t *testing.T) {
	ws := New(t.TempDir(), "agent1")
	require.NoError(t, ws.Ensure("g", "s"))

	path, err := ws.WriteMergedSettings(map[string]interface{}{"theme": "dark"}, []map[string]interface{}{{"name": "search"}})
	require.NoError(t, err)
	assert.FileExists(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mcpServers")
	assert.Contains(t, string(data), "dark")
}

func TestHasLocalOverrideDetectsConfigFile(t *testing.T) {
	base := t.TempDir()
	ws := New(base, "agent1")
	assert.False(t, ws.HasLocalOverride())

	dir := filepath.Join(ws.Dir(), ".assiloop")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("skill_url: https://x/skill.md\n"), 0o644))

	assert.True(t, ws.HasLocalOverride())
	assert.Equal(t, filepath.Join(dir, "config.yaml"), ws.LocalOverridePath())
}

func TestLogPathAvoidsCollisionWithNumericSuffix(t *testing.T) {
	base := t.TempDir()
	ws := New(base, "agent1")
	require.NoError(t, os.MkdirAll(ws.LogsDir(), 0o755))

	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	first := ws.LogPath(at)
	require.NoError(t, os.WriteFile(first, []byte("run 1"), 0o644))

	second := ws.LogPath(at)
	assert.NotEqual(t, first, second)
	assert.Contains(t, second, "_1.log")
}
