package resource

import (
	"sync"
	"time"
)

// defaultCacheTTL mirrors the source's 10-second cache window (spec §4.3).
const defaultCacheTTL = 10 * time.Second

// ConcurrencyController caches Monitor.MaxConcurrentAgents. The cached value
// is a display figure only; live admission (scheduler) always calls
// Monitor.CanRunAgent directly, never this cache.
type ConcurrencyController struct {
	monitor *Monitor
	ttl     time.Duration

	mu           sync.Mutex
	cachedMax    int
	hasCached    bool
	lastRefresh  time.Time
}

// NewConcurrencyController wraps monitor with a TTL cache.
func NewConcurrencyController(monitor *Monitor) *ConcurrencyController {
	return &ConcurrencyController{monitor: monitor, ttl: defaultCacheTTL}
}

// GetMaxConcurrent returns the cached ceiling, recomputing it if the cache
// is empty, stale, or forceRecalc is set.
func (c *ConcurrencyController) GetMaxConcurrent(forceRecalc bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if forceRecalc || !c.hasCached || time.Since(c.lastRefresh) >= c.ttl {
		max := c.monitor.MaxConcurrentAgents()
		if max < 1 {
			max = 1
		}
		c.cachedMax = max
		c.hasCached = true
		c.lastRefresh = time.Now()
	}
	return c.cachedMax
}

// MaxConcurrentAgents satisfies the same narrow interface Monitor does, so
// handlers can depend on either one: it reports the TTL-cached ceiling
// rather than recomputing it on every call.
func (c *ConcurrencyController) MaxConcurrentAgents() int {
	return c.GetMaxConcurrent(false)
}

// CurrentUsage passes through to the wrapped Monitor; only the max-agents
// figure is cached, live CPU/memory sampling never is.
func (c *ConcurrencyController) CurrentUsage() (Usage, error) {
	return c.monitor.CurrentUsage()
}
