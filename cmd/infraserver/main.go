// Package main is the entry point for the infraserver binary.
// It wires all internal packages together and starts the HTTP control plane.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Ensure the directory tree and open the run registry (reap orphans)
//  4. Initialize the restic repository (idempotent)
//  5. Optionally connect to Docker (non-fatal if unavailable)
//  6. Build pipelines, orchestrator and router
//  7. Start the backup scheduler and host-metrics ticker if configured
//  8. Serve until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/api"
	"github.com/munaimtahir/infraserver/internal/archive"
	"github.com/munaimtahir/infraserver/internal/audit"
	"github.com/munaimtahir/infraserver/internal/backup"
	"github.com/munaimtahir/infraserver/internal/config"
	"github.com/munaimtahir/infraserver/internal/dockerx"
	"github.com/munaimtahir/infraserver/internal/execx"
	"github.com/munaimtahir/infraserver/internal/job"
	"github.com/munaimtahir/infraserver/internal/manifest"
	"github.com/munaimtahir/infraserver/internal/metrics"
	"github.com/munaimtahir/infraserver/internal/registry"
	"github.com/munaimtahir/infraserver/internal/replicate"
	"github.com/munaimtahir/infraserver/internal/restic"
	"github.com/munaimtahir/infraserver/internal/restore"
	"github.com/munaimtahir/infraserver/internal/scheduler"
	"github.com/munaimtahir/infraserver/internal/status"
	"github.com/munaimtahir/infraserver/internal/validate"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// schedulerActor is the audit actor for cron-triggered backups.
const schedulerActor = "scheduler"

type cliConfig struct {
	listen        string
	opsRoot       string
	workDir       string
	metaDir       string
	repoDir       string
	logLevel      string
	backupCron    string
	orphanHorizon time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "infraserver",
		Short: "infraserver — single-host backup and recovery agent",
		Long: `infraserver runs on the host to be protected. It exposes an
authenticated HTTP control plane that orchestrates restic snapshot backups
of containerized applications, integrity validation, retention pruning,
gated restores, restore-bundle export and off-site metadata replication.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listen, "listen", envOrDefault("INFRASERVER_LISTEN", "127.0.0.1:9753"), "HTTP listen address (host:port)")
	root.PersistentFlags().StringVar(&cfg.opsRoot, "ops-root", envOrDefault("INFRASERVER_OPS_ROOT", "/srv/ops"), "Root directory for config and logs")
	root.PersistentFlags().StringVar(&cfg.workDir, "work-dir", envOrDefault("INFRASERVER_WORK_DIR", "/srv/backups/work"), "Per-run backup work directory")
	root.PersistentFlags().StringVar(&cfg.metaDir, "meta-dir", envOrDefault("INFRASERVER_META_DIR", "/srv/backups/meta"), "Run manifests, registry and export bundles")
	root.PersistentFlags().StringVar(&cfg.repoDir, "repo-dir", envOrDefault("INFRASERVER_REPO_DIR", "/srv/backups/restic_repo"), "Restic repository directory")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("INFRASERVER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.backupCron, "backup-cron", envOrDefault("INFRASERVER_BACKUP_CRON", ""), "Cron expression for unattended full backups (empty = disabled)")
	root.PersistentFlags().DurationVar(&cfg.orphanHorizon, "orphan-horizon", 24*time.Hour, "Age after which running jobs from a previous process are marked failed")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("infraserver %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting infraserver",
		zap.String("version", version),
		zap.String("listen", cfg.listen),
		zap.String("ops_root", cfg.opsRoot),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Filesystem layout ---
	paths := config.NewPaths(cfg.opsRoot, cfg.workDir, cfg.metaDir, cfg.repoDir)
	if err := paths.EnsureTree(); err != nil {
		return err
	}

	// --- Durable job registry ---
	reg, err := registry.Open(paths.RegistryDB, logger)
	if err != nil {
		return fmt.Errorf("failed to open job registry: %w", err)
	}
	defer reg.Close()

	// Jobs left "running" by a crashed previous process can never finish.
	if n, err := reg.ReapOrphans(cfg.orphanHorizon, time.Now()); err != nil {
		logger.Warn("orphan reaping failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("reaped orphaned jobs", zap.Int("count", n))
	}

	// --- External tools ---
	runner := execx.New(logger)
	tools := archive.NewToolchain(runner)

	// --- Restic repository ---
	repo := restic.New(paths.RepoDir, paths.ResticPasswordFile, runner, logger)
	if err := repo.EnsureInit(ctx); err != nil {
		return fmt.Errorf("failed to initialize restic repository: %w", err)
	}

	// --- Docker client (optional) ---
	// Docker is best-effort: if the daemon is unreachable the agent starts
	// normally; container status degrades to not_found and database dumps
	// fail per-job with a tool error instead of blocking startup.
	var dockerClient *dockerx.Client
	if dc, err := dockerx.NewClient(); err != nil {
		logger.Warn("Docker client unavailable, container status degraded", zap.Error(err))
	} else {
		dockerClient = dc
		defer dockerClient.Close()
	}

	// --- Shared components ---
	m := metrics.New()
	store := manifest.NewStore(paths.RunsMetaDir)
	auditLog := audit.NewLog(paths.AuditLog)
	orch := job.NewOrchestrator(ctx, paths, reg, auditLog, m, logger)

	// --- Pipelines ---
	backupPipeline := backup.New(paths, runner, repo, tools, store, m, logger)
	validatePipeline := validate.New(repo, tools, store, logger)
	restorePipeline := restore.New(paths, runner, repo, tools, validatePipeline, logger)
	syncer := replicate.New(paths.RcloneConf, runner, store, logger)
	reporter := status.New(dockerClient, paths.AppsFile, logger)

	// --- Backup scheduler ---
	if cfg.backupCron != "" {
		sched, err := scheduler.New(logger)
		if err != nil {
			return err
		}
		if err := sched.ScheduleBackup(cfg.backupCron, func() error {
			req := backup.Request{}
			_, err := orch.Start(job.ActionBackup, req, schedulerActor,
				func(ctx context.Context, jobID, logPath string) (any, error) {
					return backupPipeline.Run(ctx, jobID, req, logPath)
				})
			return err
		}); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop() //nolint:errcheck
		logger.Info("backup schedule registered", zap.String("cron", cfg.backupCron))
	}

	// --- Host metrics ticker ---
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CollectHost(ctx, logger)
			}
		}
	}()

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Paths:        paths,
		Orchestrator: orch,
		Registry:     reg,
		Repo:         repo,
		Backup:       backupPipeline,
		Validate:     validatePipeline,
		Restore:      restorePipeline,
		Syncer:       syncer,
		Reporter:     reporter,
		Metrics:      m,
		Store:        store,
		Version:      version,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              cfg.listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown: stop accepting requests, then let in-flight jobs
	// finish writing their terminal records.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	orch.Wait()

	logger.Info("infraserver stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
