// Package resource samples host CPU, memory, and process count, and turns
// those samples into admission verdicts for the scheduler. ResourceMonitor
// is a pure sensor: it never touches the store or the agent workspace.
package resource

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Config is the subset of system config ResourceMonitor needs.
type Config struct {
	CPUThresholdHigh     float64 // can_run_agent refuses at or above this
	CPUThresholdLow      float64 // should_throttle fires at or above this
	MemoryLimitPerAgent  float64 // MB a single agent is assumed to need
	MaxConcurrentAgents  string  // "auto" or a literal integer string
	CLIProcessNameNeedle string  // substring matched against process cmdlines
}

// Usage is one point-in-time snapshot.
type Usage struct {
	CPUPercent        float64
	MemoryMB          float64
	MemoryPercent     float64
	AvailableMemoryMB float64
	RunningProcesses  int
}

// Monitor samples host resources and computes admission verdicts.
type Monitor struct {
	cfg Config
	log zerolog.Logger
}

// New constructs a Monitor for the given config.
func New(cfg Config, log zerolog.Logger) *Monitor {
	if cfg.CLIProcessNameNeedle == "" {
		cfg.CLIProcessNameNeedle = "loop"
	}
	return &Monitor{cfg: cfg, log: log.With().Str("component", "resource_monitor").Logger()}
}

// CurrentUsage samples CPU percent (over a short interval), memory, and the
// count of running processes whose command line contains the CLI needle.
func (m *Monitor) CurrentUsage() (Usage, error) {
	percents, err := cpu.Percent(100*1e6, false) // 100ms sample window
	if err != nil {
		return Usage{}, err
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return Usage{}, err
	}

	running := m.countRunningCLIProcesses()

	return Usage{
		CPUPercent:        cpuPercent,
		MemoryMB:          float64(vm.Used) / (1024 * 1024),
		MemoryPercent:     vm.UsedPercent,
		AvailableMemoryMB: float64(vm.Available) / (1024 * 1024),
		RunningProcesses:  running,
	}, nil
}

func (m *Monitor) countRunningCLIProcesses() int {
	procs, err := process.Processes()
	if err != nil {
		return 0
	}
	count := 0
	needle := strings.ToLower(m.cfg.CLIProcessNameNeedle)
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(cmdline), needle) {
			count++
		}
	}
	return count
}

// CanRunAgent reports whether the host has headroom for one more heartbeat:
// CPU below the high threshold and available memory above the per-agent
// budget.
func (m *Monitor) CanRunAgent() bool {
	usage, err := m.CurrentUsage()
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to sample resources, assuming unavailable")
		return false
	}
	if usage.CPUPercent >= m.cfg.CPUThresholdHigh {
		m.log.Warn().Float64("cpu_percent", usage.CPUPercent).Msg("cpu too high")
		return false
	}
	if usage.AvailableMemoryMB < m.cfg.MemoryLimitPerAgent {
		m.log.Warn().Float64("available_mb", usage.AvailableMemoryMB).Msg("memory too low")
		return false
	}
	return true
}

// ShouldThrottle reports whether the host is busy enough that new schedules
// should be spaced out further, without yet refusing launches outright.
func (m *Monitor) ShouldThrottle() bool {
	usage, err := m.CurrentUsage()
	if err != nil {
		return true
	}
	return usage.CPUPercent >= m.cfg.CPUThresholdLow
}

// MaxConcurrentAgents returns the configured ceiling, or an auto-computed
// one: min(available_mb/per_agent_mb*0.7, 2*cpu_count, 20).
func (m *Monitor) MaxConcurrentAgents() int {
	if m.cfg.MaxConcurrentAgents != "" && m.cfg.MaxConcurrentAgents != "auto" {
		if n, err := strconv.Atoi(m.cfg.MaxConcurrentAgents); err == nil {
			return n
		}
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 1
	}
	availableMB := float64(vm.Available) / (1024 * 1024)
	memoryBased := int(availableMB / m.cfg.MemoryLimitPerAgent * 0.7)
	cpuBased := runtime.NumCPU() * 2

	return minInt(minInt(memoryBased, cpuBased), 20)
}

// SystemStatus aggregates a usage sample with the derived verdicts, for the
// HTTP facade's /system/status endpoint.
type SystemStatus struct {
	Usage
	MaxConcurrent int
	CanRunAgent   bool
	ShouldThrottle bool
}

// GetSystemStatus returns the full aggregate the dashboard and the
// HTTP facade read.
func (m *Monitor) GetSystemStatus() (SystemStatus, error) {
	usage, err := m.CurrentUsage()
	if err != nil {
		return SystemStatus{}, err
	}
	return SystemStatus{
		Usage:          usage,
		MaxConcurrent:  m.MaxConcurrentAgents(),
		CanRunAgent:    m.CanRunAgent(),
		ShouldThrottle: m.ShouldThrottle(),
	}, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
