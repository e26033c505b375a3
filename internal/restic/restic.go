// Package restic wraps the deduplicating snapshot store. Every repository
// operation the agent needs (init, backup with tags, tag-filtered snapshot
// queries, subset check, retention forget, restore) maps to one method, and
// all invocations flow through the process launcher with the repository
// password supplied via RESTIC_PASSWORD_FILE.
package restic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/execx"
)

// Snapshot is the subset of restic's snapshot JSON the agent consumes.
type Snapshot struct {
	ID       string   `json:"id"`
	ShortID  string   `json:"short_id"`
	Time     string   `json:"time"`
	Paths    []string `json:"paths"`
	Tags     []string `json:"tags"`
	Hostname string   `json:"hostname"`
}

// RetentionPolicy mirrors the forget --keep-* flags.
type RetentionPolicy struct {
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps the last 14 daily, 8 weekly and 12 monthly
// snapshots.
var DefaultRetention = RetentionPolicy{Daily: 14, Weekly: 8, Monthly: 12}

// Repo addresses one repository by filesystem path, unlocked by a password
// file. Safe for concurrent use; the repository serializes its own writers.
type Repo struct {
	path         string
	passwordFile string
	runner       *execx.Runner
	logger       *zap.Logger
}

// New creates a Repo handle. Nothing is touched until a method runs.
func New(path, passwordFile string, runner *execx.Runner, logger *zap.Logger) *Repo {
	return &Repo{
		path:         path,
		passwordFile: passwordFile,
		runner:       runner,
		logger:       logger.Named("restic"),
	}
}

// Path returns the repository root.
func (r *Repo) Path() string { return r.path }

func (r *Repo) env() map[string]string {
	return map[string]string{"RESTIC_PASSWORD_FILE": r.passwordFile}
}

// EnsureInit initializes the repository if its config object is absent.
// Idempotent and cheap when the repository already exists.
func (r *Repo) EnsureInit(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.path, "config")); err == nil {
		return nil
	}
	_, err := r.runner.Run(ctx, execx.Spec{
		Argv:  []string{"restic", "-r", r.path, "init"},
		Env:   r.env(),
		Check: true,
	})
	if err != nil {
		return fmt.Errorf("restic: init repository: %w", err)
	}
	r.logger.Info("repository initialized", zap.String("path", r.path))
	return nil
}

// Backup snapshots dir with the given tags. Tag argv order follows the
// caller's slice so emitted command lines are reproducible.
func (r *Repo) Backup(ctx context.Context, dir string, tags []string, logPath string) error {
	argv := []string{"restic", "-r", r.path, "backup", dir}
	for _, tag := range tags {
		argv = append(argv, "--tag", tag)
	}
	_, err := r.runner.Run(ctx, execx.Spec{Argv: argv, Env: r.env(), Check: true, LogPath: logPath})
	return err
}

// Snapshots lists every snapshot in the repository. Failures yield an empty
// list — the read path tolerates a locked or absent repository.
func (r *Repo) Snapshots(ctx context.Context, logPath string) []Snapshot {
	res, err := r.runner.Run(ctx, execx.Spec{
		Argv:    []string{"restic", "-r", r.path, "snapshots", "--json"},
		Env:     r.env(),
		LogPath: logPath,
	})
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	var snaps []Snapshot
	if json.Unmarshal([]byte(res.Stdout), &snaps) != nil {
		return nil
	}
	return snaps
}

// SnapshotForRun returns the id of the most recent snapshot tagged
// run:<jobID>, or "" when none exists.
func (r *Repo) SnapshotForRun(ctx context.Context, jobID, logPath string) (string, error) {
	res, err := r.runner.Run(ctx, execx.Spec{
		Argv:    []string{"restic", "-r", r.path, "snapshots", "--json", "--tag", "run:" + jobID},
		Env:     r.env(),
		Check:   true,
		LogPath: logPath,
	})
	if err != nil {
		return "", err
	}
	var snaps []Snapshot
	if out := res.Stdout; out != "" {
		if err := json.Unmarshal([]byte(out), &snaps); err != nil {
			return "", fmt.Errorf("restic: parse snapshots output: %w", err)
		}
	}
	if len(snaps) == 0 {
		return "", nil
	}
	return snaps[len(snaps)-1].ID, nil
}

// Check verifies repository integrity, reading the given data subset
// (e.g. "1/20"). Returns restic's stdout for inclusion in job results.
func (r *Repo) Check(ctx context.Context, subset, logPath string) (string, error) {
	res, err := r.runner.Run(ctx, execx.Spec{
		Argv:    []string{"restic", "-r", r.path, "check", "--read-data-subset=" + subset},
		Env:     r.env(),
		Check:   true,
		LogPath: logPath,
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Forget applies the retention policy and prunes unreferenced data.
func (r *Repo) Forget(ctx context.Context, policy RetentionPolicy, logPath string) (string, error) {
	res, err := r.runner.Run(ctx, execx.Spec{
		Argv: []string{
			"restic", "-r", r.path, "forget",
			"--keep-daily", strconv.Itoa(policy.Daily),
			"--keep-weekly", strconv.Itoa(policy.Weekly),
			"--keep-monthly", strconv.Itoa(policy.Monthly),
			"--prune",
		},
		Env:     r.env(),
		Check:   true,
		LogPath: logPath,
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// RestoreRunTag restores the latest snapshot carrying tag into targetDir.
// The restored tree embeds the original absolute paths.
func (r *Repo) RestoreRunTag(ctx context.Context, tag, targetDir, logPath string) error {
	_, err := r.runner.Run(ctx, execx.Spec{
		Argv:    []string{"restic", "-r", r.path, "restore", "latest", "--tag", tag, "--target", targetDir},
		Env:     r.env(),
		Check:   true,
		LogPath: logPath,
	})
	return err
}
