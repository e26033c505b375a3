// Package validate rehashes a run's artifacts against its manifest,
// self-tests its archives, and runs the repository subset check. The
// product is a report: individual artifact problems become ok:false checks
// rather than failing the job, so one pass covers every artifact.
package validate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/archive"
	"github.com/munaimtahir/infraserver/internal/execx"
	"github.com/munaimtahir/infraserver/internal/manifest"
	"github.com/munaimtahir/infraserver/internal/restic"
)

// checkSubset is the fraction of pack data the repository check reads.
const checkSubset = "1/20"

// resultTail bounds the repository check output embedded in the result.
const resultTail = 1000

// Request optionally names a run to validate. Without a run id only the
// repository subset check runs.
type Request struct {
	RunID string `json:"run_id,omitempty"`
}

// Result is the validation report stored on the job.
type Result struct {
	RunID  string           `json:"run_id,omitempty"`
	OK     bool             `json:"ok"`
	Checks []manifest.Check `json:"checks,omitempty"`
	Restic string           `json:"restic"`
}

// Pipeline executes validate runs.
type Pipeline struct {
	repo   *restic.Repo
	tools  *archive.Toolchain
	store  *manifest.Store
	logger *zap.Logger
}

// New creates a validate Pipeline.
func New(repo *restic.Repo, tools *archive.Toolchain, store *manifest.Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{repo: repo, tools: tools, store: store, logger: logger.Named("validate")}
}

// Run validates the named run (or just the repository when no run id is
// given). All artifact checks are collected before the repository check;
// a hash mismatch or failed self-test never aborts the remaining checks.
func (p *Pipeline) Run(ctx context.Context, jobID string, req Request, logPath string) (*Result, error) {
	res := &Result{RunID: req.RunID, OK: true}

	if req.RunID != "" {
		m, err := p.store.Load(req.RunID)
		if err != nil {
			if errors.Is(err, manifest.ErrNotFound) {
				return nil, fmt.Errorf("run manifest not found: %s", req.RunID)
			}
			return nil, err
		}

		for _, art := range m.Artifacts {
			res.Checks = append(res.Checks, p.checkArtifact(ctx, art, logPath)...)
		}
		for _, c := range res.Checks {
			if !c.OK {
				res.OK = false
			}
		}
	}

	out, err := p.repo.Check(ctx, checkSubset, logPath)
	if err != nil {
		return nil, err
	}
	res.Restic = execx.Tail(out, resultTail)

	p.logger.Info("validate completed",
		zap.String("job_id", jobID),
		zap.String("run_id", req.RunID),
		zap.Bool("ok", res.OK),
	)
	return res, nil
}

// checkArtifact verifies presence and hash, then self-tests the archive
// format. Self-test failures are recorded as additional ok:false checks
// carrying the tool error text.
func (p *Pipeline) checkArtifact(ctx context.Context, art manifest.Artifact, logPath string) []manifest.Check {
	checks := []manifest.Check{p.hashCheck(art)}

	switch {
	case strings.HasSuffix(art.Path, ".gz"):
		if err := p.tools.TestGzip(ctx, art.Path, logPath); err != nil {
			checks = append(checks, manifest.Check{Path: art.Path, OK: false, Detail: err.Error()})
		}
	case strings.HasSuffix(art.Path, ".tar.zst"):
		if err := p.tools.TestZst(ctx, art.Path, logPath); err != nil {
			checks = append(checks, manifest.Check{Path: art.Path, OK: false, Detail: err.Error()})
		}
	}
	return checks
}

func (p *Pipeline) hashCheck(art manifest.Artifact) manifest.Check {
	if _, err := os.Stat(art.Path); err != nil {
		return manifest.Check{Path: art.Path, OK: false, Detail: "missing"}
	}
	sum, err := archive.SHA256File(art.Path)
	if err != nil {
		return manifest.Check{Path: art.Path, OK: false, Detail: err.Error()}
	}
	if sum != art.SHA256 {
		return manifest.Check{Path: art.Path, OK: false, Detail: "sha256 mismatch"}
	}
	return manifest.Check{Path: art.Path, OK: true}
}
