// Package profile resolves an agent's effective environment, MCP server
// list, system prompt mode, and model from its linked profile row.
package profile

import (
	"encoding/json"

	"github.com/loopfactory/warden/internal/domain"
)

// Store is the narrow slice of the store the resolver needs.
type Store interface {
	GetAgent(id string) (*domain.Agent, error)
	GetProfile(name string) (*domain.Profile, error)
	GetProfileEnv(envRef string) (string, error)
	GetProfileMCPServers(mcpRef string) (string, error)
}

// MCPServer is one entry in a resolved MCP server list; its shape is
// whatever the CLI's settings file expects, so it's kept as a raw map.
type MCPServer = map[string]interface{}

// Resolution is what AgentRunner needs to build one invocation.
type Resolution struct {
	Env              map[string]string
	MCPServers       []MCPServer
	SystemPromptMode string
	EffectiveModel   string
}

// Resolver resolves agent profiles against the store.
type Resolver struct {
	store Store
}

// New constructs a Resolver over the given store.
func New(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve loads the agent and its profile row, and degrades gracefully
// when either is missing (spec §4.5: "must tolerate optional columns
// missing... by degrading gracefully").
func (r *Resolver) Resolve(agentID string) (Resolution, error) {
	agent, err := r.store.GetAgent(agentID)
	if err != nil {
		return Resolution{}, err
	}
	if agent == nil {
		return Resolution{SystemPromptMode: "default", Env: map[string]string{}}, nil
	}

	profileName := agent.ProfileName
	if profileName == "" {
		profileName = "default"
	}

	profileRow, err := r.store.GetProfile(profileName)
	if err != nil {
		return Resolution{}, err
	}

	if profileRow == nil {
		return Resolution{
			Env:              map[string]string{},
			SystemPromptMode: "default",
			EffectiveModel:   agent.Model,
		}, nil
	}

	env, err := r.loadEnv(profileRow.EnvRef)
	if err != nil {
		return Resolution{}, err
	}

	systemPromptMode := profileRow.SystemPromptMode
	if systemPromptMode == "" {
		systemPromptMode = "default"
	}

	effectiveModel := profileRow.Model
	if effectiveModel == "" {
		effectiveModel = agent.Model
	}

	var mcpServers []MCPServer
	mcpEnabled := agent.UseMCP || profileRow.UseMCPDefault
	if mcpEnabled {
		mcpServers, err = r.loadMCPServers(profileRow.MCPRef)
		if err != nil {
			return Resolution{}, err
		}
	}

	return Resolution{
		Env:              env,
		MCPServers:       mcpServers,
		SystemPromptMode: systemPromptMode,
		EffectiveModel:   effectiveModel,
	}, nil
}

func (r *Resolver) loadEnv(envRef string) (map[string]string, error) {
	raw, err := r.store.GetProfileEnv(envRef)
	if err != nil {
		return nil, err
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return map[string]string{}, nil // malformed JSON degrades to empty, not an error
	}
	if decoded == nil {
		decoded = map[string]string{}
	}
	return decoded, nil
}

func (r *Resolver) loadMCPServers(mcpRef string) ([]MCPServer, error) {
	raw, err := r.store.GetProfileMCPServers(mcpRef)
	if err != nil {
		return nil, err
	}
	var decoded []MCPServer
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, nil
	}
	return decoded, nil
}
