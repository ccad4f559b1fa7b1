// Package policy holds SchedulingPolicy: the pure function that decides
// when an agent's next heartbeat should run. It never touches the store,
// the clock excepted — every decision is relative to time.Now().
package policy

import (
	"math/rand"
	"time"

	"github.com/loopfactory/warden/internal/domain"
)

// floorMinutes is the minimum interval any Decision can carry (spec §4.4,
// testable property 4).
const floorMinutes = 5

// Config is the subset of scheduling config the policy needs.
type Config struct {
	BaseIntervalMinutes int
	JitterMinutes       int
}

// AgentSnapshot is the slice of an agent's state SchedulingPolicy reasons
// over, narrower than domain.Agent so pure decisions don't require a full
// row.
type AgentSnapshot struct {
	Status         domain.AgentStatus
	ActivityStatus domain.ActivityStatus
}

// DecideNextRun computes the interval from the base, modulated by status,
// activity status, and throttling, then adds jitter. agent may be nil (a
// brand-new agent with no prior state), in which case only the base and
// jitter apply.
func DecideNextRun(cfg Config, agent *AgentSnapshot, throttled bool) domain.Decision {
	interval := baseInterval(cfg, agent, throttled)
	reason := "scheduled"
	if throttled {
		reason = "throttled"
	}
	priority := 0
	if agent != nil && agent.Status == domain.StatusActive {
		priority = -1
	}

	return domain.Decision{
		NextRunAt:       time.Now().Add(time.Duration(interval) * time.Minute),
		IntervalMinutes: interval,
		Policy:          domain.PolicyHeartbeat,
		Reason:          reason,
		Priority:        priority,
	}
}

// DecideBackoff returns a short, high-priority backoff decision used when
// resources are unavailable at launch time (spec §4.4, §4.8 step 3).
func DecideBackoff(minutes int) domain.Decision {
	if minutes < 1 {
		minutes = 1
	}
	return domain.Decision{
		NextRunAt:       time.Now().Add(time.Duration(minutes) * time.Minute),
		IntervalMinutes: minutes,
		Policy:          domain.PolicyBackoff,
		Reason:          "resource_backoff",
		Priority:        5,
	}
}

func baseInterval(cfg Config, agent *AgentSnapshot, throttled bool) int {
	interval := cfg.BaseIntervalMinutes
	if interval <= 0 {
		interval = 60
	}

	if agent != nil {
		switch agent.Status {
		case domain.StatusProbation, domain.StatusPending:
			interval = maxInt(floorMinutes, interval/2)
		case domain.StatusDesign:
			interval = maxInt(interval, 2*interval)
		}

		switch agent.ActivityStatus {
		case domain.ActivityWarning, domain.ActivityCritical:
			interval = maxInt(floorMinutes, interval/2)
		case domain.ActivityIdle:
			interval = maxInt(floorMinutes, int(float64(interval)*0.75))
		}
	}

	if throttled {
		interval = int(float64(interval) * 1.5)
	}

	if cfg.JitterMinutes > 0 {
		interval += rand.Intn(cfg.JitterMinutes + 1) // uniform in [0, jitter]
	}

	return maxInt(floorMinutes, interval)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
