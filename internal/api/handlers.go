package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/backup"
	"github.com/munaimtahir/infraserver/internal/config"
	"github.com/munaimtahir/infraserver/internal/execx"
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

// Handler groups every HTTP handler with its collaborators.
type Handler struct {
	paths    config.Paths
	orch     *job.Orchestrator
	registry *registry.Registry
	repo     *restic.Repo
	backup   *backup.Pipeline
	validate *validate.Pipeline
	restore  *restore.Pipeline
	syncer   *replicate.Syncer
	reporter *status.Reporter
	metrics  *metrics.Metrics
	store    *manifest.Store
	version  string
	logger   *zap.Logger
}

// Health handles GET /health: liveness plus a host utilization sample.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{
		"status":    "ok",
		"version":   h.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"deps":      map[string]any{"restic_repo": h.repo.Path()},
		"host":      h.metrics.CollectHost(r.Context(), h.logger),
	})
}

// StatusApps handles GET /status/apps.
func (h *Handler) StatusApps(w http.ResponseWriter, r *http.Request) {
	report, err := h.reporter.Apps(r.Context())
	if err != nil {
		h.logger.Error("status report failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, report)
}

// Runs handles GET /runs: all manifests newest first plus the repository
// snapshot list.
func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	snapshots := h.repo.Snapshots(r.Context(), "")
	if snapshots == nil {
		snapshots = []restic.Snapshot{}
	}
	runs := h.store.List()
	if runs == nil {
		runs = []*manifest.Manifest{}
	}
	Ok(w, map[string]any{"runs": runs, "snapshots": snapshots})
}

// GetJob handles GET /jobs/{id}: the in-memory record, falling back to the
// durable registry for jobs from previous processes.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if j, ok := h.orch.Get(jobID); ok {
		Ok(w, j)
		return
	}

	run, err := h.registry.Get(jobID)
	if errors.Is(err, registry.ErrNotFound) {
		ErrNotFound(w, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("registry lookup failed", zap.String("job_id", jobID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, json.RawMessage(run.PayloadJSON))
}

// RunManifest handles GET /runs/{id}/manifest.
func (h *Handler) RunManifest(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	m, err := h.store.Load(runID)
	if errors.Is(err, manifest.ErrNotFound) {
		ErrNotFound(w, "manifest not found")
		return
	}
	if err != nil {
		h.logger.Error("manifest load failed", zap.String("run_id", runID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, m)
}

// RunLog handles GET /runs/{id}/log, serving the run log as plain text.
func (h *Handler) RunLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	raw, err := os.ReadFile(h.paths.RunLogPath(runID))
	if os.IsNotExist(err) {
		ErrNotFound(w, "run log not found")
		return
	}
	if err != nil {
		h.logger.Error("run log read failed", zap.String("run_id", runID), zap.Error(err))
		ErrInternal(w)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// CloudRemotes handles GET /cloud/remotes.
func (h *Handler) CloudRemotes(w http.ResponseWriter, r *http.Request) {
	remotes := h.syncer.Remotes(r.Context())
	if remotes == nil {
		remotes = []string{}
	}
	Ok(w, map[string]any{"remotes": remotes})
}

// cloudTestRequest is the POST /cloud/test body.
type cloudTestRequest struct {
	Remote string `json:"remote"`
}

// CloudTest handles POST /cloud/test: list the remote's root.
func (h *Handler) CloudTest(w http.ResponseWriter, r *http.Request) {
	var req cloudTestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Remote == "" {
		ErrBadRequest(w, "remote required")
		return
	}
	if !h.syncer.HasRemote(r.Context(), req.Remote) {
		ErrNotFound(w, "remote not configured")
		return
	}
	result, err := h.syncer.Test(r.Context(), req.Remote)
	if err != nil {
		h.logger.Error("remote test failed", zap.String("remote", req.Remote), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, result)
}

// ActionBackup handles POST /actions/backup. Unknown app keys are rejected
// here, before a job exists or a work directory is created.
func (h *Handler) ActionBackup(w http.ResponseWriter, r *http.Request) {
	var req backup.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := config.ResolveApps(h.paths.AppsFile, req.Apps); err != nil {
		if errors.Is(err, config.ErrUnknownApp) {
			ErrNotFound(w, err.Error())
			return
		}
		h.logger.Error("apps config unreadable", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.enqueue(w, job.ActionBackup, req, func(ctx context.Context, jobID, logPath string) (any, error) {
		return h.backup.Run(ctx, jobID, req, logPath)
	})
}

// ActionValidate handles POST /actions/validate. A run id naming a run
// without a manifest is rejected before enqueue.
func (h *Handler) ActionValidate(w http.ResponseWriter, r *http.Request) {
	var req validate.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RunID != "" && !h.store.Exists(req.RunID) {
		ErrNotFound(w, "run manifest not found")
		return
	}

	h.enqueue(w, job.ActionValidate, req, func(ctx context.Context, jobID, logPath string) (any, error) {
		return h.validate.Run(ctx, jobID, req, logPath)
	})
}

// ActionPrune handles POST /actions/prune: apply the retention policy to
// the repository.
func (h *Handler) ActionPrune(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, job.ActionPrune, map[string]any{}, func(ctx context.Context, jobID, logPath string) (any, error) {
		out, err := h.repo.Forget(ctx, restic.DefaultRetention, logPath)
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": execx.Tail(out, 2000)}, nil
	})
}

// ActionRestore handles POST /actions/restore. Mode and typed-confirmation
// violations are validation errors — they never become jobs. The safety
// refusals (same-server, non-empty database) are made inside the job so
// their outcome lands on the job record.
func (h *Handler) ActionRestore(w http.ResponseWriter, r *http.Request) {
	var req restore.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RunID == "" {
		ErrBadRequest(w, "run_id required")
		return
	}
	if req.Mode == "" {
		req.Mode = restore.ModeValidateOnly
	}
	if !restore.ValidMode(req.Mode) {
		ErrBadRequest(w, "unsupported mode: "+req.Mode)
		return
	}
	if restore.Destructive(req.Mode) && req.TypedConfirmation != restore.ConfirmationPhrase(req.RunID) {
		ErrBadRequest(w, "typed confirmation mismatch; expected '"+restore.ConfirmationPhrase(req.RunID)+"'")
		return
	}
	if _, err := config.ResolveApps(h.paths.AppsFile, req.Apps); err != nil {
		if errors.Is(err, config.ErrUnknownApp) {
			ErrNotFound(w, err.Error())
			return
		}
		h.logger.Error("apps config unreadable", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.enqueue(w, job.ActionRestore, req, func(ctx context.Context, jobID, logPath string) (any, error) {
		return h.restore.Run(ctx, jobID, req, logPath)
	})
}

// exportRequest is the POST /actions/export body.
type exportRequest struct {
	RunID string `json:"run_id"`
}

// ActionExport handles POST /actions/export.
func (h *Handler) ActionExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RunID == "" {
		ErrBadRequest(w, "run_id required")
		return
	}

	h.enqueue(w, job.ActionExportBundle, req, func(ctx context.Context, jobID, logPath string) (any, error) {
		return h.restore.ExportBundle(ctx, jobID, req.RunID, logPath)
	})
}

// ActionUploadLatest handles POST /actions/upload/latest.
func (h *Handler) ActionUploadLatest(w http.ResponseWriter, r *http.Request) {
	h.actionUpload(w, r, job.ActionUploadLatest, true)
}

// ActionUploadSnapshot handles POST /actions/upload/snapshot.
func (h *Handler) ActionUploadSnapshot(w http.ResponseWriter, r *http.Request) {
	h.actionUpload(w, r, job.ActionUploadSnapshot, false)
}

func (h *Handler) actionUpload(w http.ResponseWriter, r *http.Request, action string, latest bool) {
	var req replicate.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Latest = latest
	if req.Remote == "" {
		ErrBadRequest(w, "remote required")
		return
	}
	if !h.syncer.HasRemote(r.Context(), req.Remote) {
		ErrNotFound(w, "remote not configured")
		return
	}
	if !latest && req.RunID == "" {
		ErrBadRequest(w, "run_id required")
		return
	}

	h.enqueue(w, action, req, func(ctx context.Context, jobID, logPath string) (any, error) {
		return h.syncer.Upload(ctx, jobID, req, logPath)
	})
}

// enqueue starts the job and writes the queued record back to the caller.
func (h *Handler) enqueue(w http.ResponseWriter, action string, payload any, fn job.PipelineFunc) {
	j, err := h.orch.Start(action, payload, TokenActor, fn)
	if err != nil {
		if errors.Is(err, job.ErrUnknownAction) {
			ErrBadRequest(w, err.Error())
			return
		}
		h.logger.Error("job start failed", zap.String("action", action), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, j)
}
