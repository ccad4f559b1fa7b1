package resource

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestMaxConcurrentAgentsUsesConfiguredInteger(t *testing.T) {
	m := New(Config{MaxConcurrentAgents: "7"}, zerolog.Nop())
	assert.Equal(t, 7, m.MaxConcurrentAgents())
}

func TestMaxConcurrentAgentsAutoCapsAtTwenty(t *testing.T) {
	// Large available memory and CPU count should still cap at 20 (spec §4.2).
	m := New(Config{MaxConcurrentAgents: "auto", MemoryLimitPerAgent: 1}, zerolog.Nop())
	assert.LessOrEqual(t, m.MaxConcurrentAgents(), 20)
}
