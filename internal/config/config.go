// Package config loads the site-wide YAML configuration the supervisor
// reads at startup: loop CLI invocation defaults, scheduling tunables,
// activation/activity monitoring thresholds, and factory/dashboard wiring.
// Env vars layer on top of the file the same way the rest of the stack
// resolves config, and a reload re-parses the file into a fresh value
// rather than mutating one in place.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoopConfig is the loop.* section: how the CLI gets invoked.
type LoopConfig struct {
	CLICommand       string            `yaml:"cli_command"`
	SkillURL         string            `yaml:"skill_url"`
	ExecutionTimeout time.Duration     `yaml:"execution_timeout"`
	MaxRetries       int               `yaml:"max_retries"`
	SettingsPath     string            `yaml:"settings_path"`
	Env              map[string]string `yaml:"env"`
}

// SchedulingConfig is the scheduling.* section consumed by policy.Config.
type SchedulingConfig struct {
	BaseIntervalMinutes int   `yaml:"base_interval_minutes"`
	JitterMinutes       int   `yaml:"jitter_minutes"`
	PeakHours           []int `yaml:"peak_hours"`
}

// ActivationConfig is the activation.* section.
type ActivationConfig struct {
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	MaxPendingHours      float64 `yaml:"max_pending_hours"`
}

// LifecycleConfig is the lifecycle.* section: retirement/probation
// thresholds outside of activity monitoring.
type LifecycleConfig struct {
	ProbationReviewDays int `yaml:"probation_review_days"`
	RetirementAfterDays int `yaml:"retirement_after_days"`
}

// BucksMonitoringConfig tunes the activity monitor's stagnation check.
type BucksMonitoringConfig struct {
	ObservationPeriodDays int   `yaml:"observation_period_days"`
	MinGrowthThreshold    int64 `yaml:"min_growth_threshold"`
}

// ReactivationPromptConfig tunes per-agent prompt cooldown.
type ReactivationPromptConfig struct {
	CooldownMinutes int `yaml:"cooldown_minutes"`
}

// ProtectionConfig is the activity_monitoring.protection section. It is
// parsed but not passed to the activity monitor: PROBATION escalation
// consults only the per-agent is_protected flag and the monitor's own
// traction thresholds, not ProtectedAgentIDs.
type ProtectionConfig struct {
	ProtectedAgentIDs []string `yaml:"protected_agent_ids"`
}

// ActivityMonitoringConfig is the activity_monitoring.* section.
type ActivityMonitoringConfig struct {
	CheckIntervalSeconds   int                      `yaml:"check_interval_seconds"`
	IdleThresholdMinutes   int                      `yaml:"idle_threshold_minutes"`
	WarningThresholdHours  int                      `yaml:"warning_threshold_hours"`
	CriticalThresholdHours int                      `yaml:"critical_threshold_hours"`
	BucksMonitoring        BucksMonitoringConfig    `yaml:"bucks_monitoring"`
	ReactivationPrompts    ReactivationPromptConfig `yaml:"reactivation_prompts"`
	Protection             ProtectionConfig         `yaml:"protection"`
}

// FactoryConfig is the factory.* section: defaults applied to agents
// created without an explicit profile/site/node.
type FactoryConfig struct {
	DefaultProfile string `yaml:"default_profile"`
	DefaultSiteID  string `yaml:"default_site_id"`
	DefaultNodeID  string `yaml:"default_node_id"`
}

// DashboardConfig is the dashboard.* section: the read-only HTTP facade.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ResourceConfig is the resource.* section: the thresholds ResourceMonitor
// turns into admission verdicts (spec §4.2).
type ResourceConfig struct {
	CPUThresholdHigh    float64 `yaml:"cpu_threshold_high"`
	CPUThresholdLow     float64 `yaml:"cpu_threshold_low"`
	MemoryLimitPerAgent float64 `yaml:"memory_limit_per_agent_mb"`
	MaxConcurrentAgents string  `yaml:"max_concurrent_agents"`
}

// BackupConfig is the backup.* section: periodic off-site database backup
// to Cloudflare R2. R2 credentials are read from the environment, never
// from the YAML file, so a checked-in config never carries secrets.
type BackupConfig struct {
	Enabled       bool `yaml:"enabled"`
	IntervalHours int  `yaml:"interval_hours"`
	RetentionDays int  `yaml:"retention_days"`
}

// SystemConfig is the system.* section: paths and process-wide knobs that
// don't belong to any one subsystem.
type SystemConfig struct {
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	WorkerCap  int    `yaml:"worker_cap"`
}

// Config is the full parsed site configuration.
type Config struct {
	System             SystemConfig             `yaml:"system"`
	Loop               LoopConfig               `yaml:"loop"`
	Scheduling         SchedulingConfig         `yaml:"scheduling"`
	Activation         ActivationConfig         `yaml:"activation"`
	Lifecycle          LifecycleConfig          `yaml:"lifecycle"`
	ActivityMonitoring ActivityMonitoringConfig `yaml:"activity_monitoring"`
	Factory            FactoryConfig            `yaml:"factory"`
	Dashboard          DashboardConfig          `yaml:"dashboard"`
	Resource           ResourceConfig           `yaml:"resource"`
	Backup             BackupConfig             `yaml:"backup"`
}

func defaults() Config {
	return Config{
		System: SystemConfig{
			DataDir:   "/var/lib/warden",
			DBPath:    "warden.db",
			LogLevel:  "info",
			WorkerCap: 0,
		},
		Loop: LoopConfig{
			CLICommand:       "loop",
			SkillURL:         "https://assibucks.vercel.app/skill.md",
			ExecutionTimeout: 300 * time.Second,
			MaxRetries:       8,
		},
		Scheduling: SchedulingConfig{
			BaseIntervalMinutes: 60,
			JitterMinutes:       5,
		},
		Activation: ActivationConfig{
			CheckIntervalSeconds: 30,
			MaxPendingHours:      24,
		},
		Lifecycle: LifecycleConfig{
			ProbationReviewDays: 7,
			RetirementAfterDays: 30,
		},
		ActivityMonitoring: ActivityMonitoringConfig{
			CheckIntervalSeconds:   600,
			IdleThresholdMinutes:   30,
			WarningThresholdHours:  24,
			CriticalThresholdHours: 72,
			BucksMonitoring: BucksMonitoringConfig{
				ObservationPeriodDays: 7,
				MinGrowthThreshold:    10,
			},
			ReactivationPrompts: ReactivationPromptConfig{
				CooldownMinutes: 60,
			},
		},
		Factory: FactoryConfig{
			DefaultProfile: "default",
			DefaultSiteID:  "site_default",
			DefaultNodeID:  "node_default",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Resource: ResourceConfig{
			CPUThresholdHigh:    85,
			CPUThresholdLow:     70,
			MemoryLimitPerAgent: 256,
			MaxConcurrentAgents: "auto",
		},
		Backup: BackupConfig{
			Enabled:       false,
			IntervalHours: 24,
			RetentionDays: 30,
		},
	}
}

// Load reads path (YAML) over Warden's built-in defaults, then applies the
// WARDEN_*-prefixed environment overlay. A missing path is not an error:
// the caller gets defaults plus whatever the environment supplies, the
// same "config file is optional" posture the loop CLI itself takes.
func Load(path string) (Config, error) {
	// A missing .env is not an error: it only exists in local dev, never in
	// the deployed container, where real env vars are set directly.
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverlay(&cfg)

	if cfg.System.DataDir != "" {
		abs, err := filepath.Abs(cfg.System.DataDir)
		if err != nil {
			return Config{}, fmt.Errorf("resolve data dir: %w", err)
		}
		cfg.System.DataDir = abs
	}
	if err := os.MkdirAll(cfg.System.DataDir, 0o755); err != nil {
		return Config{}, fmt.Errorf("create data directory: %w", err)
	}

	return cfg, nil
}

// applyEnvOverlay mirrors the loop CLI's own env-var precedence: a small,
// explicit set of WARDEN_*-prefixed overrides, checked after file parsing
// so the environment always wins.
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("WARDEN_DATA_DIR"); v != "" {
		cfg.System.DataDir = v
	}
	if v := os.Getenv("WARDEN_DB_PATH"); v != "" {
		cfg.System.DBPath = v
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.System.LogLevel = v
	}
	if v := os.Getenv("WARDEN_LOOP_CLI_COMMAND"); v != "" {
		cfg.Loop.CLICommand = v
	}
	if v := os.Getenv("WARDEN_LOOP_SKILL_URL"); v != "" {
		cfg.Loop.SkillURL = v
	}
	if v := os.Getenv("WARDEN_DASHBOARD_ADDR"); v != "" {
		cfg.Dashboard.Addr = v
	}
	if v := os.Getenv("WARDEN_DASHBOARD_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Dashboard.Enabled = b
		}
	}
	if v := os.Getenv("LOOPFACTORY_TO_THREAD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.System.WorkerCap = n
		}
	}
	if v := os.Getenv("WARDEN_BACKUP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Backup.Enabled = b
		}
	}
}

// R2Credentials holds the Cloudflare R2 account/bucket credentials the
// backup subsystem needs. These are never read from the YAML config file;
// WARDEN_R2_* env vars are the only source, so a checked-in config.yaml
// never carries secrets.
type R2Credentials struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// LoadR2Credentials reads the WARDEN_R2_* environment variables. The
// second return value is false if any are unset, the signal callers use
// to skip wiring the backup subsystem entirely.
func LoadR2Credentials() (R2Credentials, bool) {
	creds := R2Credentials{
		AccountID:       os.Getenv("WARDEN_R2_ACCOUNT_ID"),
		AccessKeyID:     os.Getenv("WARDEN_R2_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("WARDEN_R2_SECRET_ACCESS_KEY"),
		Bucket:          os.Getenv("WARDEN_R2_BUCKET"),
	}
	complete := creds.AccountID != "" && creds.AccessKeyID != "" && creds.SecretAccessKey != "" && creds.Bucket != ""
	return creds, complete
}
