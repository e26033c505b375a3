package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/backup"
	"github.com/munaimtahir/infraserver/internal/config"
	"github.com/munaimtahir/infraserver/internal/job"
	"github.com/munaimtahir/infraserver/internal/manifest"
	"github.com/munaimtahir/infraserver/internal/metrics"
	"github.com/munaimtahir/infraserver/internal/registry"
	"github.com/munaimtahir/infraserver/internal/replicate"
	"github.com/munaimtahir/infraserver/internal/restic"
	"github.com/munaimtahir/infraserver/internal/restore"
	"github.com/munaimtahir/infraserver/internal/status"
	"github.com/munaimtahir/infraserver/internal/validate"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Paths        config.Paths
	Orchestrator *job.Orchestrator
	Registry     *registry.Registry
	Repo         *restic.Repo
	Backup       *backup.Pipeline
	Validate     *validate.Pipeline
	Restore      *restore.Pipeline
	Syncer       *replicate.Syncer
	Reporter     *status.Reporter
	Metrics      *metrics.Metrics
	Store        *manifest.Store
	Version      string
	Logger       *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. /health and
// /metrics are reachable without a token; everything else sits behind the
// ops-token check.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs for
	// tracing. RealIP matters when the agent sits behind a reverse proxy.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the agent.
	r.Use(middleware.Recoverer)

	h := &Handler{
		paths:    cfg.Paths,
		orch:     cfg.Orchestrator,
		registry: cfg.Registry,
		repo:     cfg.Repo,
		backup:   cfg.Backup,
		validate: cfg.Validate,
		restore:  cfg.Restore,
		syncer:   cfg.Syncer,
		reporter: cfg.Reporter,
		metrics:  cfg.Metrics,
		store:    cfg.Store,
		version:  cfg.Version,
		logger:   cfg.Logger.Named("api"),
	}

	// Public routes: liveness and Prometheus scraping.
	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	// Token-protected routes.
	r.Group(func(r chi.Router) {
		r.Use(TokenAuth(cfg.Paths, cfg.Logger))

		r.Get("/status/apps", h.StatusApps)
		r.Get("/runs", h.Runs)
		r.Get("/runs/{id}/manifest", h.RunManifest)
		r.Get("/runs/{id}/log", h.RunLog)
		r.Get("/jobs/{id}", h.GetJob)

		r.Get("/cloud/remotes", h.CloudRemotes)
		r.Post("/cloud/test", h.CloudTest)

		r.Post("/actions/backup", h.ActionBackup)
		r.Post("/actions/validate", h.ActionValidate)
		r.Post("/actions/prune", h.ActionPrune)
		r.Post("/actions/restore", h.ActionRestore)
		r.Post("/actions/export", h.ActionExport)
		r.Post("/actions/upload/latest", h.ActionUploadLatest)
		r.Post("/actions/upload/snapshot", h.ActionUploadSnapshot)
	})

	return r
}
