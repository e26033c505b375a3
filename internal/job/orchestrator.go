package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/audit"
	"github.com/munaimtahir/infraserver/internal/config"
	"github.com/munaimtahir/infraserver/internal/metrics"
	"github.com/munaimtahir/infraserver/internal/registry"
)

// PipelineFunc is the unit of work a job executes. Handlers close it over
// their typed request so the orchestrator stays generic.
type PipelineFunc func(ctx context.Context, jobID, logPath string) (any, error)

// ErrUnknownAction is returned by Start for actions outside the allow-list.
var ErrUnknownAction = fmt.Errorf("action not allowed")

// Orchestrator owns the in-memory job map and runs one goroutine per job.
// The mutex guards only the map and job field updates — long operations
// (dumps, archives, snapshots) run outside any critical section.
type Orchestrator struct {
	mu   sync.Mutex
	jobs map[string]*Job

	paths    config.Paths
	registry *registry.Registry
	audit    *audit.Log
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// baseCtx is the context job goroutines run under. Jobs are
	// fire-and-forget: there is no per-job cancellation or timeout.
	baseCtx context.Context

	// wg tracks in-flight job goroutines so tests can wait for completion.
	wg sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. baseCtx bounds the lifetime of
// job goroutines (normally the process context).
func NewOrchestrator(
	baseCtx context.Context,
	paths config.Paths,
	reg *registry.Registry,
	auditLog *audit.Log,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		jobs:     map[string]*Job{},
		paths:    paths,
		registry: reg,
		audit:    auditLog,
		metrics:  m,
		logger:   logger.Named("orchestrator"),
		baseCtx:  baseCtx,
	}
}

// Start validates the action, mints a job id, records the queued job in
// memory and in the durable registry, emits the queued audit line, and
// dispatches a worker goroutine. The returned Job is a snapshot safe to
// serialize.
func (o *Orchestrator) Start(action string, payload any, actor string, fn PipelineFunc) (*Job, error) {
	if !ActionAllowed(action) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	now := nowISO()
	j := &Job{
		JobID:     NewID(timeNow()),
		Action:    action,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   payload,
	}
	j.LogPath = o.paths.RunLogPath(j.JobID)

	o.mu.Lock()
	o.jobs[j.JobID] = j
	snapshot := *j
	o.mu.Unlock()

	o.persist(&snapshot)
	o.auditWrite(action, StatusQueued, actor, map[string]any{"job_id": j.JobID, "payload": payload})

	o.logger.Info("job queued",
		zap.String("job_id", j.JobID),
		zap.String("action", action),
		zap.String("actor", actor),
	)

	o.wg.Add(1)
	go o.run(j.JobID, action, actor, fn)

	return &snapshot, nil
}

// run drives one job to a terminal state. The terminal status is persisted
// to the registry before the audit line is written, so a reader observing
// the audit line can always fetch the corresponding record.
func (o *Orchestrator) run(jobID, action, actor string, fn PipelineFunc) {
	defer o.wg.Done()

	o.metrics.JobsRunning.Inc()
	defer o.metrics.JobsRunning.Dec()

	logPath := o.transition(jobID, func(j *Job) {
		j.Status = StatusRunning
	}).LogPath

	result, err := fn(o.baseCtx, jobID, logPath)
	if err != nil {
		o.transition(jobID, func(j *Job) {
			j.Status = StatusFailed
			j.Error = err.Error()
		})
		if logErr := audit.AppendRunLog(logPath, "ERROR: "+err.Error()); logErr != nil {
			o.logger.Warn("run log append failed", zap.String("job_id", jobID), zap.Error(logErr))
		}
		o.auditWrite(action, StatusFailed, actor, map[string]any{"job_id": jobID, "error": err.Error()})
		o.logger.Error("job failed", zap.String("job_id", jobID), zap.String("action", action), zap.Error(err))
		return
	}

	o.transition(jobID, func(j *Job) {
		j.Status = StatusSuccess
		j.Result = result
	})
	o.auditWrite(action, StatusSuccess, actor, map[string]any{"job_id": jobID})
	o.logger.Info("job succeeded", zap.String("job_id", jobID), zap.String("action", action))
}

// transition applies mutate under the lock, stamps updated_at, and persists
// the resulting snapshot outside the critical section.
func (o *Orchestrator) transition(jobID string, mutate func(*Job)) Job {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	if !ok {
		// Jobs are never deleted from the map, so this only fires on a
		// programming error. Dropping the write beats panicking mid-job.
		o.mu.Unlock()
		o.logger.Error("transition for unknown job", zap.String("job_id", jobID))
		return Job{}
	}
	mutate(j)
	j.UpdatedAt = nowISO()
	snapshot := *j
	o.mu.Unlock()

	o.persist(&snapshot)
	return snapshot
}

// Get returns a snapshot of the in-memory job, if present.
func (o *Orchestrator) Get(jobID string) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return nil, false
	}
	snapshot := *j
	return &snapshot, true
}

// Wait blocks until every dispatched job goroutine has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// persist upserts the full job record into the durable registry. Registry
// failures are logged, not fatal — the in-memory record remains
// authoritative for the life of the process.
func (o *Orchestrator) persist(j *Job) {
	raw, err := json.Marshal(j)
	if err != nil {
		o.logger.Error("job marshal failed", zap.String("job_id", j.JobID), zap.Error(err))
		return
	}
	err = o.registry.Upsert(registry.Run{
		JobID:       j.JobID,
		Action:      j.Action,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		PayloadJSON: string(raw),
	})
	if err != nil {
		o.logger.Error("registry upsert failed", zap.String("job_id", j.JobID), zap.Error(err))
	}
}

func (o *Orchestrator) auditWrite(action, status, actor string, details map[string]any) {
	if err := o.audit.Write(action, status, actor, details); err != nil {
		o.logger.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
