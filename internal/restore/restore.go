// Package restore materializes a run's work directory (locally or from a
// repository snapshot) and performs the gated restore operations: database
// replay, file and proxy extraction with absolute paths, and exportable
// restore bundles. Destructive modes sit behind an exact typed confirmation.
package restore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/archive"
	"github.com/munaimtahir/infraserver/internal/config"
	"github.com/munaimtahir/infraserver/internal/dockerx"
	"github.com/munaimtahir/infraserver/internal/execx"
	"github.com/munaimtahir/infraserver/internal/restic"
	"github.com/munaimtahir/infraserver/internal/validate"
)

// Restore modes. Everything except validate-only and export-bundle is
// destructive and requires the typed confirmation.
const (
	ModeValidateOnly = "validate-only"
	ModeDB           = "restore-db"
	ModeFiles        = "restore-files"
	ModeCaddy        = "restore-caddy"
	ModeFull         = "full"
	ModeExportBundle = "export-bundle"
)

// nonEmptySentinel stands in for an unparseable table count: treat the
// target as non-empty rather than risking an overwrite.
const nonEmptySentinel = 999999

// ValidMode reports whether mode is in the closed set.
func ValidMode(mode string) bool {
	switch mode {
	case ModeValidateOnly, ModeDB, ModeFiles, ModeCaddy, ModeFull, ModeExportBundle:
		return true
	}
	return false
}

// Destructive reports whether mode overwrites live state.
func Destructive(mode string) bool {
	switch mode {
	case ModeDB, ModeFiles, ModeCaddy, ModeFull:
		return true
	}
	return false
}

// ConfirmationPhrase is the literal string a destructive restore must carry.
// Comparison is exact: no trimming, no case folding.
func ConfirmationPhrase(runID string) string {
	return "RESTORE " + runID
}

// Request carries the restore parameters.
type Request struct {
	RunID             string   `json:"run_id"`
	Mode              string   `json:"mode"`
	Apps              []string `json:"apps,omitempty"`
	TypedConfirmation string   `json:"typed_confirmation"`
	AllowSameServer   bool     `json:"allow_same_server"`
}

// Pipeline executes restore and export-bundle runs.
type Pipeline struct {
	paths    config.Paths
	runner   *execx.Runner
	repo     *restic.Repo
	tools    *archive.Toolchain
	validate *validate.Pipeline
	logger   *zap.Logger
}

// New creates a restore Pipeline.
func New(
	paths config.Paths,
	runner *execx.Runner,
	repo *restic.Repo,
	tools *archive.Toolchain,
	vp *validate.Pipeline,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		paths:    paths,
		runner:   runner,
		repo:     repo,
		tools:    tools,
		validate: vp,
		logger:   logger.Named("restore"),
	}
}

// Run executes one restore job. The handler has already validated the mode
// and confirmation; the checks repeat here so the pipeline is safe no
// matter who enqueues it.
func (p *Pipeline) Run(ctx context.Context, jobID string, req Request, logPath string) (any, error) {
	if req.RunID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if !ValidMode(req.Mode) {
		return nil, fmt.Errorf("unsupported mode: %s", req.Mode)
	}
	if Destructive(req.Mode) && req.TypedConfirmation != ConfirmationPhrase(req.RunID) {
		return nil, fmt.Errorf("typed confirmation mismatch; expected %q", ConfirmationPhrase(req.RunID))
	}

	if req.Mode == ModeExportBundle {
		return p.ExportBundle(ctx, jobID, req.RunID, logPath)
	}

	if req.Mode == ModeValidateOnly {
		return p.validate.Run(ctx, jobID, validate.Request{RunID: req.RunID}, logPath)
	}

	runDir, cleanup, err := p.ensureSource(ctx, req.RunID, logPath)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	apps, err := config.ResolveApps(p.paths.AppsFile, req.Apps)
	if err != nil {
		return nil, err
	}

	if req.Mode == ModeDB || req.Mode == ModeFull {
		if err := p.restoreDB(ctx, runDir, apps, req.AllowSameServer, logPath); err != nil {
			return nil, err
		}
	}
	if req.Mode == ModeFiles || req.Mode == ModeFull {
		if err := p.restoreFiles(ctx, runDir, logPath); err != nil {
			return nil, err
		}
	}
	if req.Mode == ModeCaddy || req.Mode == ModeFull {
		if err := p.restoreCaddy(ctx, runDir, logPath); err != nil {
			return nil, err
		}
	}

	p.logger.Info("restore completed",
		zap.String("job_id", jobID),
		zap.String("run_id", req.RunID),
		zap.String("mode", req.Mode),
	)
	return map[string]any{"restored_mode": req.Mode, "run_id": req.RunID}, nil
}

// ensureSource returns the run directory to restore from: the local work
// directory when it survives on this host, otherwise the repository
// snapshot tagged run:<runID> restored into a temp directory. The restored
// tree embeds the original absolute work path, so the run directory is
// located under <temp>/<work-root>/<runID>. The cleanup func releases any
// temp tree and is safe to call on every exit path.
func (p *Pipeline) ensureSource(ctx context.Context, runID, logPath string) (string, func(), error) {
	local := p.paths.RunWorkDir(runID)
	if _, err := os.Stat(local); err == nil {
		return local, func() {}, nil
	}

	temp, err := os.MkdirTemp("", "restore-"+runID+"-")
	if err != nil {
		return "", nil, fmt.Errorf("restore: temp target: %w", err)
	}
	cleanup := func() { os.RemoveAll(temp) }

	if err := p.repo.RestoreRunTag(ctx, "run:"+runID, temp, logPath); err != nil {
		cleanup()
		return "", nil, err
	}

	restored := filepath.Join(temp, strings.TrimPrefix(local, string(filepath.Separator)))
	if _, err := os.Stat(restored); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("restore: restored run directory not found: %s", restored)
	}
	return restored, cleanup, nil
}

// restoreDB replays each selected app's gzipped dump into its database
// container. Refuses outright without allow_same_server, and refuses any
// target whose public schema already has tables.
func (p *Pipeline) restoreDB(ctx context.Context, runDir string, apps map[string]config.App, allowSameServer bool, logPath string) error {
	for _, key := range config.SortedKeys(apps) {
		app := apps[key]
		dump := filepath.Join(runDir, "db", key+".sql.gz")
		if _, err := os.Stat(dump); err != nil {
			continue
		}
		if !allowSameServer {
			return fmt.Errorf("same-server DB restore blocked; set allow_same_server=true")
		}

		tables, err := p.countTables(ctx, key, app, logPath)
		if err != nil {
			return err
		}
		if tables > 0 {
			return fmt.Errorf("db not empty for %s; refusing restore", key)
		}

		stages := [][]string{
			{"gunzip", "-c", dump},
			dockerx.PsqlRestoreArgv(app.DBContainer, app.DatabaseUser(), app.DatabaseName(key)),
		}
		if err := p.runner.RunPipeline(ctx, stages, "", logPath); err != nil {
			return fmt.Errorf("restore: replay dump for %s: %w", key, err)
		}
	}
	return nil
}

// countTables queries the target database's public schema table count.
// A parse failure counts as non-empty.
func (p *Pipeline) countTables(ctx context.Context, key string, app config.App, logPath string) (int, error) {
	res, err := p.runner.Run(ctx, execx.Spec{
		Argv:    dockerx.CountTablesArgv(app.DBContainer, app.DatabaseUser(), app.DatabaseName(key)),
		Check:   true,
		LogPath: logPath,
	})
	if err != nil {
		return 0, err
	}
	count, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if convErr != nil {
		return nonEmptySentinel, nil
	}
	return count, nil
}

// restoreFiles extracts every app file archive with absolute paths.
func (p *Pipeline) restoreFiles(ctx context.Context, runDir, logPath string) error {
	archives, err := filepath.Glob(filepath.Join(runDir, "files", "*_files.tar.zst"))
	if err != nil {
		return fmt.Errorf("restore: list file archives: %w", err)
	}
	for _, a := range archives {
		if err := p.tools.ExtractTarZstAbsolute(ctx, a, logPath); err != nil {
			return err
		}
	}
	return nil
}

// restoreCaddy extracts the proxy config archive, if the run captured one.
func (p *Pipeline) restoreCaddy(ctx context.Context, runDir, logPath string) error {
	a := filepath.Join(runDir, "caddy", "caddy_config.tar.zst")
	if _, err := os.Stat(a); err != nil {
		return nil
	}
	return p.tools.ExtractTarZstAbsolute(ctx, a, logPath)
}

// ExportBundle copies the run directory next to a RESTORE_GUIDE.md and
// archives the pair into META/restore_bundle_<runID>.tar.zst.
func (p *Pipeline) ExportBundle(ctx context.Context, jobID, runID, logPath string) (map[string]any, error) {
	runDir, cleanup, err := p.ensureSource(ctx, runID, logPath)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	parent, err := os.MkdirTemp("", "bundle-"+runID+"-")
	if err != nil {
		return nil, fmt.Errorf("restore: bundle staging dir: %w", err)
	}
	defer os.RemoveAll(parent)

	member := "restore_bundle_" + runID
	dest := filepath.Join(parent, member)
	if err := copyTree(runDir, dest); err != nil {
		return nil, err
	}
	if err := writeRestoreGuide(filepath.Join(dest, "RESTORE_GUIDE.md"), runID); err != nil {
		return nil, err
	}

	out := filepath.Join(p.paths.MetaDir, member+".tar.zst")
	if err := p.tools.CreateTarZstMember(ctx, out, parent, member, logPath); err != nil {
		return nil, err
	}

	p.logger.Info("bundle exported", zap.String("job_id", jobID), zap.String("bundle", out))
	return map[string]any{"bundle": out}, nil
}

// writeRestoreGuide emits the operator checklist shipped inside every
// bundle.
func writeRestoreGuide(path, runID string) error {
	content := fmt.Sprintf(`# RESTORE GUIDE

Run ID: %s

1. Install restic, docker, age, zstd.
2. Place encrypted env files and the age key on the destination host.
3. For DB restore use the restore action with the typed confirmation.
4. Extract file archives with absolute paths only on the intended host.
5. Restore the Caddyfile and reload Caddy after validation.
`, runID)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("restore: write guide: %w", err)
	}
	return nil
}

// copyTree recursively copies src into dst, preserving relative layout and
// file modes. Symlinks are copied as links.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
