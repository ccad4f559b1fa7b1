package resource

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestConcurrencyControllerCachesWithinTTL(t *testing.T) {
	m := New(Config{MaxConcurrentAgents: "5"}, zerolog.Nop())
	c := NewConcurrencyController(m)
	c.ttl = time.Hour

	first := c.GetMaxConcurrent(false)
	assert.Equal(t, 5, first)

	// Even if the monitor's config changes, the cached value should stick
	// until the TTL lapses or force_recalc is set.
	m.cfg.MaxConcurrentAgents = "9"
	second := c.GetMaxConcurrent(false)
	assert.Equal(t, 5, second)

	forced := c.GetMaxConcurrent(true)
	assert.Equal(t, 9, forced)
}
