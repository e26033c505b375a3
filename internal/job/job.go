// Package job implements the asynchronous job lifecycle: the closed action
// allow-list, the in-memory job map, and the orchestrator that drives each
// job through queued → running → success|failed with dual persistence
// (memory + durable registry) and audit emission.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job statuses. Transitions are total-ordered per job; there is no
// resumption of a crashed running job (startup reaping handles those).
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Actions form a closed allow-list; anything else is rejected before a job
// id is minted.
const (
	ActionBackup         = "backup"
	ActionValidate       = "validate"
	ActionPrune          = "prune"
	ActionRestore        = "restore"
	ActionExportBundle   = "export_bundle"
	ActionUploadLatest   = "upload_latest"
	ActionUploadSnapshot = "upload_snapshot"
	ActionRcloneTest     = "rclone_test"
)

var allowedActions = map[string]struct{}{
	ActionBackup:         {},
	ActionValidate:       {},
	ActionPrune:          {},
	ActionRestore:        {},
	ActionExportBundle:   {},
	ActionUploadLatest:   {},
	ActionUploadSnapshot: {},
	ActionRcloneTest:     {},
}

// ActionAllowed reports whether action is in the allow-list.
func ActionAllowed(action string) bool {
	_, ok := allowedActions[action]
	return ok
}

// Job is the record exposed over the API and mirrored into the registry.
// It is created by the handler, mutated only by the orchestrator goroutine
// running it, and never destroyed (the durable row outlives the process).
type Job struct {
	JobID     string `json:"job_id"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Payload   any    `json:"payload"`
	LogPath   string `json:"log_path"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewID mints a job id: a second-resolution local timestamp prefix (so the
// runs directory sorts in creation order) and an 8-hex random suffix to
// break ties within a second.
func NewID(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("%s-%x", now.Format("20060102150405"), u[:4])
}

// timeNow is swapped out in tests to pin job id prefixes.
var timeNow = time.Now

// nowISO is the timestamp format used throughout job records: UTC ISO-8601.
func nowISO() string {
	return timeNow().UTC().Format(time.RFC3339)
}
