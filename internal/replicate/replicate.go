// Package replicate copies run metadata trees to off-site remotes via the
// configured sync tool. Only the metadata under META/runs is replicated —
// the snapshot repository itself is out of scope.
package replicate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/execx"
	"github.com/munaimtahir/infraserver/internal/manifest"
)

// DefaultRemotePath is the destination prefix used when the request omits
// one.
const DefaultRemotePath = "ops-backups"

// Request selects the remote and the run to upload. Latest picks the
// lexicographically greatest run id with a manifest.
type Request struct {
	Remote     string `json:"remote"`
	RemotePath string `json:"remote_path,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Latest     bool   `json:"latest,omitempty"`
}

// TestResult is the outcome of probing a remote's root listing.
type TestResult struct {
	OK     bool   `json:"ok"`
	Output string `json:"output"`
	Error  string `json:"error"`
}

// Syncer wraps the sync tool with a fixed config file.
type Syncer struct {
	confPath string
	runner   *execx.Runner
	store    *manifest.Store
	logger   *zap.Logger
}

// New creates a Syncer.
func New(confPath string, runner *execx.Runner, store *manifest.Store, logger *zap.Logger) *Syncer {
	return &Syncer{confPath: confPath, runner: runner, store: store, logger: logger.Named("replicate")}
}

// Remotes returns the configured remote names (without the trailing colon).
// A missing config file yields an empty list.
func (s *Syncer) Remotes(ctx context.Context) []string {
	if _, err := os.Stat(s.confPath); err != nil {
		return nil
	}
	res, err := s.runner.Run(ctx, execx.Spec{
		Argv: []string{"rclone", "listremotes", "--config", s.confPath},
	})
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	var remotes []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if name := strings.TrimSuffix(strings.TrimSpace(line), ":"); name != "" {
			remotes = append(remotes, name)
		}
	}
	return remotes
}

// HasRemote reports whether name is among the configured remotes.
func (s *Syncer) HasRemote(ctx context.Context, name string) bool {
	for _, r := range s.Remotes(ctx) {
		if r == name {
			return true
		}
	}
	return false
}

// Test lists the remote's root and reports whether that succeeded, with
// bounded output either way.
func (s *Syncer) Test(ctx context.Context, remote string) (*TestResult, error) {
	res, err := s.runner.Run(ctx, execx.Spec{
		Argv: []string{"rclone", "lsd", remote + ":", "--config", s.confPath},
	})
	if err != nil {
		return nil, err
	}
	return &TestResult{
		OK:     res.ExitCode == 0,
		Output: execx.Tail(res.Stdout, 500),
		Error:  execx.Tail(res.Stderr, 500),
	}, nil
}

// Upload copies one run's metadata directory to
// <remote>:<remote_path>/<run_id>. The remote is re-validated here because
// the sync tool's config can change between enqueue and run.
func (s *Syncer) Upload(ctx context.Context, jobID string, req Request, logPath string) (map[string]any, error) {
	if req.Remote == "" {
		return nil, fmt.Errorf("remote is required")
	}
	if !s.HasRemote(ctx, req.Remote) {
		return nil, fmt.Errorf("remote not configured: %s", req.Remote)
	}

	remotePath := req.RemotePath
	if remotePath == "" {
		remotePath = DefaultRemotePath
	}

	runID := req.RunID
	if req.Latest {
		latest, err := s.store.LatestRunID()
		if err != nil {
			return nil, fmt.Errorf("no runs available")
		}
		runID = latest
	}
	if runID == "" {
		return nil, fmt.Errorf("run_id required")
	}

	src := s.store.RunDir(runID)
	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("run metadata not found: %s", runID)
	}

	_, err := s.runner.Run(ctx, execx.Spec{
		Argv: []string{
			"rclone", "copy", src,
			fmt.Sprintf("%s:%s/%s", req.Remote, remotePath, runID),
			"--config", s.confPath,
		},
		Check:   true,
		LogPath: logPath,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("run metadata uploaded",
		zap.String("job_id", jobID),
		zap.String("run_id", runID),
		zap.String("remote", req.Remote),
	)
	return map[string]any{"uploaded": runID, "remote": req.Remote, "remote_path": remotePath}, nil
}
