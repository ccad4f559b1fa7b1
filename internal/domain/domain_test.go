package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentUpdateIsEmpty(t *testing.T) {
	assert.True(t, AgentUpdate{}.IsEmpty())

	bio := "new bio"
	assert.False(t, AgentUpdate{Bio: &bio}.IsEmpty())

	status := StatusActive
	assert.False(t, AgentUpdate{Status: &status}.IsEmpty())
}
