package store

import (
	"database/sql"
	"fmt"

	"github.com/loopfactory/warden/internal/domain"
)

// GetProfile loads a named profile row. Returns nil, nil if the profile
// doesn't exist (the resolver falls back to bare defaults in that case).
func (s *Store) GetProfile(name string) (*domain.Profile, error) {
	row := s.conn.QueryRow(`
		SELECT name, env_ref, mcp_ref, use_mcp_default, system_prompt_mode, model
		FROM agent_profiles WHERE name = ?
	`, name)

	var p domain.Profile
	var envRef, mcpRef, model sql.NullString
	var useMCPDefault int
	if err := row.Scan(&p.Name, &envRef, &mcpRef, &useMCPDefault, &p.SystemPromptMode, &model); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get profile %s: %w", name, err)
	}
	p.EnvRef = envRef.String
	p.MCPRef = mcpRef.String
	p.UseMCPDefault = intToBool(useMCPDefault)
	p.Model = model.String
	return &p, nil
}

// GetProfileEnv returns the raw JSON env map for a named env_ref, or "{}"
// when unset.
func (s *Store) GetProfileEnv(envRef string) (string, error) {
	if envRef == "" {
		return "{}", nil
	}
	var data string
	err := s.conn.QueryRow(`SELECT data FROM profile_envs WHERE name = ?`, envRef).Scan(&data)
	if err == sql.ErrNoRows {
		return "{}", nil
	}
	if err != nil {
		return "", fmt.Errorf("get profile env %s: %w", envRef, err)
	}
	return data, nil
}

// GetProfileMCPServers returns the raw JSON MCP server list for a named
// mcp_ref, or "[]" when unset.
func (s *Store) GetProfileMCPServers(mcpRef string) (string, error) {
	if mcpRef == "" {
		return "[]", nil
	}
	var servers string
	err := s.conn.QueryRow(`SELECT servers FROM profile_mcp_configs WHERE name = ?`, mcpRef).Scan(&servers)
	if err == sql.ErrNoRows {
		return "[]", nil
	}
	if err != nil {
		return "", fmt.Errorf("get profile mcp servers %s: %w", mcpRef, err)
	}
	return servers, nil
}
