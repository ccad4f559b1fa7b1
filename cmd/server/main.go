// Command server is Warden's entry point. It loads site configuration,
// opens the store, wires every subsystem (resource monitor, scheduler,
// activation/activity monitors, HTTP facade, and the optional off-site
// backup job), starts them, and waits for a shutdown signal.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/loopfactory/warden/internal/config"
	"github.com/loopfactory/warden/internal/heartbeat"
	"github.com/loopfactory/warden/internal/monitor"
	"github.com/loopfactory/warden/internal/policy"
	"github.com/loopfactory/warden/internal/profile"
	"github.com/loopfactory/warden/internal/reliability"
	"github.com/loopfactory/warden/internal/resource"
	"github.com/loopfactory/warden/internal/runner"
	"github.com/loopfactory/warden/internal/scheduler"
	"github.com/loopfactory/warden/internal/server"
	"github.com/loopfactory/warden/internal/store"
	"github.com/loopfactory/warden/internal/workspace"
	"github.com/loopfactory/warden/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to site config YAML (layered over built-in defaults; WARDEN_* env vars take precedence)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.System.LogLevel, Pretty: true})
	log.Info().Msg("starting warden")

	// A restore staged by a prior run is applied before the store is ever
	// opened, so a corrupt or partial database is never served.
	restoreSvc := reliability.NewRestoreService(nil, cfg.System.DataDir, log)
	pending, err := restoreSvc.CheckPendingRestore()
	if err != nil {
		log.Error().Err(err).Msg("check pending restore failed")
	}
	if pending {
		log.Warn().Msg("pending restore detected, applying staged backup")
		if err := restoreSvc.ExecuteStagedRestore(); err != nil {
			log.Fatal().Err(err).Msg("execute staged restore failed")
		}
		log.Info().Msg("staged restore applied, proceeding with normal startup")
	}

	dbPath := cfg.System.DBPath
	if !os.IsPathSeparator(dbPath[0]) {
		dbPath = cfg.System.DataDir + string(os.PathSeparator) + dbPath
	}
	st, err := store.Open(store.Config{Path: dbPath})
	if err != nil {
		log.Fatal().Err(err).Msg("open store failed")
	}
	defer st.Close()

	resources := resource.New(resource.Config{
		CPUThresholdHigh:    cfg.Resource.CPUThresholdHigh,
		CPUThresholdLow:     cfg.Resource.CPUThresholdLow,
		MemoryLimitPerAgent: cfg.Resource.MemoryLimitPerAgent,
		MaxConcurrentAgents: cfg.Resource.MaxConcurrentAgents,
	}, log)

	resolver := profile.New(st)
	heartbeats := heartbeat.New()

	agentsDir := cfg.System.DataDir + string(os.PathSeparator) + "agents"
	newWorkspace := func(agentID string) *workspace.Workspace {
		return workspace.New(agentsDir, agentID)
	}
	newRunner := func(agentID string) heartbeat.AgentRunner {
		return runner.New(agentID, runner.Config{
			CLICommand:   cfg.Loop.CLICommand,
			SkillURL:     cfg.Loop.SkillURL,
			Env:          cfg.Loop.Env,
			SettingsPath: cfg.Loop.SettingsPath,
		}, newWorkspace(agentID), resolver, log)
	}

	sched := scheduler.New(st, resources, heartbeats, newRunner, newWorkspace, scheduler.Config{
		Policy: policy.Config{
			BaseIntervalMinutes: cfg.Scheduling.BaseIntervalMinutes,
			JitterMinutes:       cfg.Scheduling.JitterMinutes,
		},
		HeartbeatTimeout: cfg.Loop.ExecutionTimeout,
	}, log)

	activationMonitor := monitor.NewActivationMonitor(st, sched, newRunner, monitor.ActivationConfig{
		CheckInterval:   time.Duration(cfg.Activation.CheckIntervalSeconds) * time.Second,
		MaxPendingHours: cfg.Activation.MaxPendingHours,
	}, log)

	activityMonitor := monitor.NewActivityMonitor(st, newRunner, newWorkspace, monitor.ActivityConfig{
		CheckInterval:          time.Duration(cfg.ActivityMonitoring.CheckIntervalSeconds) * time.Second,
		IdleThresholdMinutes:   cfg.ActivityMonitoring.IdleThresholdMinutes,
		WarningThresholdHours:  cfg.ActivityMonitoring.WarningThresholdHours,
		CriticalThresholdHours: cfg.ActivityMonitoring.CriticalThresholdHours,
		BucksMonitoring: monitor.BucksMonitoringConfig{
			ObservationPeriodDays: cfg.ActivityMonitoring.BucksMonitoring.ObservationPeriodDays,
			MinGrowthThreshold:    cfg.ActivityMonitoring.BucksMonitoring.MinGrowthThreshold,
		},
		ReactivationPrompts: monitor.ReactivationPromptConfig{
			CooldownMinutes: cfg.ActivityMonitoring.ReactivationPrompts.CooldownMinutes,
		},
	}, log)

	concurrency := resource.NewConcurrencyController(resources)

	agentHandlers := server.NewAgentHandlers(st, sched, newRunner, newWorkspace, log)
	systemHandlers := server.NewSystemHandlers(st, sched, concurrency, log)
	readOnlyHandlers := server.NewReadOnlyHandlers(st, cfg.Factory, log)

	httpServer := server.New(server.Config{
		Addr:     cfg.Dashboard.Addr,
		Agents:   agentHandlers,
		System:   systemHandlers,
		ReadOnly: readOnlyHandlers,
		Log:      log,
	})

	cronSched := wireBackupJob(cfg, st.Path(), log)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sched.Start(rootCtx)
	go activationMonitor.Run(rootCtx)
	go activityMonitor.Run(rootCtx)
	if cronSched != nil {
		cronSched.Start()
	}

	log.Info().Str("addr", cfg.Dashboard.Addr).Msg("warden started")

	waitForShutdown(log)

	log.Info().Msg("shutting down")
	cancel()
	sched.Stop()
	activationMonitor.Stop()
	activityMonitor.Stop()
	if cronSched != nil {
		cronCtx := cronSched.Stop()
		<-cronCtx.Done()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}

// wireBackupJob wires the periodic off-site backup job when both the
// config and environment opt in: cfg.Backup.Enabled plus a complete set
// of WARDEN_R2_* credentials. Either being absent leaves backups off
// rather than failing startup, since backup is an ambient durability
// concern, not a feature the supervisor's core depends on.
func wireBackupJob(cfg config.Config, dbPath string, log zerolog.Logger) *cron.Cron {
	if !cfg.Backup.Enabled {
		log.Info().Msg("backup disabled in config, skipping")
		return nil
	}
	creds, ok := config.LoadR2Credentials()
	if !ok {
		log.Warn().Msg("backup enabled but WARDEN_R2_* credentials incomplete, skipping")
		return nil
	}

	r2Client, err := reliability.NewR2Client(creds.AccountID, creds.AccessKeyID, creds.SecretAccessKey, creds.Bucket, log)
	if err != nil {
		log.Error().Err(err).Msg("construct r2 client failed, backup disabled")
		return nil
	}

	dbName := strings.TrimSuffix(filepath.Base(dbPath), ".db")
	backupSvc := reliability.NewBackupService(filepath.Dir(dbPath), []string{dbName}, log)
	r2BackupSvc := reliability.NewR2BackupService(r2Client, backupSvc, cfg.System.DataDir, log)

	spec := scheduleSpec(cfg.Backup.IntervalHours)
	c := cron.New()
	_, err = c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := r2BackupSvc.Run(ctx, cfg.Backup.RetentionDays); err != nil {
			log.Error().Err(err).Msg("scheduled backup failed")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("schedule", spec).Msg("add backup cron job failed, backup disabled")
		return nil
	}
	return c
}

// scheduleSpec turns an hour count into a cron "@every" spec, defaulting
// to hourly when unset.
func scheduleSpec(intervalHours int) string {
	if intervalHours <= 0 {
		intervalHours = 1
	}
	return "@every " + time.Duration(intervalHours*int(time.Hour)).String()
}

func waitForShutdown(log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
}
