// Package backup implements the backup pipeline: per-app database dumps,
// file archives, encrypted env bundles, and the reverse-proxy config
// capture, all collected under a per-run work directory that is snapshotted
// into the repository and described by a run manifest.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/archive"
	"github.com/munaimtahir/infraserver/internal/config"
	"github.com/munaimtahir/infraserver/internal/dockerx"
	"github.com/munaimtahir/infraserver/internal/execx"
	"github.com/munaimtahir/infraserver/internal/manifest"
	"github.com/munaimtahir/infraserver/internal/metrics"
	"github.com/munaimtahir/infraserver/internal/restic"
)

// Scopes select which artifact families a backup produces.
const (
	ScopeDB    = "db"
	ScopeFiles = "files"
	ScopeEnv   = "env"
	ScopeCaddy = "caddy"
)

// FullScopes is the complete scope set; a request carrying exactly this set
// is tagged scope:full, anything else scope:partial.
func FullScopes() []string {
	return []string{ScopeDB, ScopeFiles, ScopeEnv, ScopeCaddy}
}

// Request selects apps (nil = all configured) and scopes (nil = full set).
type Request struct {
	Apps   []string `json:"apps,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// Result is the payload stored on a successful backup job.
type Result struct {
	Manifest   string `json:"manifest"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	WorkDir    string `json:"work_dir"`
}

// Pipeline executes backup runs. One instance serves all jobs; per-run
// state lives under WORK/<job_id>.
type Pipeline struct {
	paths   config.Paths
	runner  *execx.Runner
	repo    *restic.Repo
	tools   *archive.Toolchain
	store   *manifest.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a backup Pipeline.
func New(
	paths config.Paths,
	runner *execx.Runner,
	repo *restic.Repo,
	tools *archive.Toolchain,
	store *manifest.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		paths:   paths,
		runner:  runner,
		repo:    repo,
		tools:   tools,
		store:   store,
		metrics: m,
		logger:  logger.Named("backup"),
	}
}

// Run executes one backup. Unknown app keys fail before any artifact is
// produced; every artifact is hashed from the bytes on disk immediately
// before the manifest is written.
func (p *Pipeline) Run(ctx context.Context, jobID string, req Request, logPath string) (*Result, error) {
	if err := p.repo.EnsureInit(ctx); err != nil {
		return nil, err
	}

	apps, err := config.ResolveApps(p.paths.AppsFile, req.Apps)
	if err != nil {
		return nil, err
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = FullScopes()
	}
	inScope := scopeSet(scopes)

	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("backup: resolve hostname: %w", err)
	}

	runRoot := p.paths.RunWorkDir(jobID)
	dirs := map[string]string{
		ScopeDB:    filepath.Join(runRoot, "db"),
		ScopeFiles: filepath.Join(runRoot, "files"),
		ScopeEnv:   filepath.Join(runRoot, "env"),
		ScopeCaddy: filepath.Join(runRoot, "caddy"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("backup: create work dir: %w", err)
		}
	}

	appKeys := config.SortedKeys(apps)
	m := &manifest.Manifest{
		JobID:      jobID,
		Type:       "backup",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Apps:       appKeys,
		Scopes:     scopes,
		Host:       host,
		Artifacts:  []manifest.Artifact{},
		Validation: manifest.Validation{OK: true, Checks: []manifest.Check{}},
	}

	recipient := ""
	if inScope[ScopeEnv] {
		recipient, err = p.tools.AgeRecipient(ctx, p.paths.AgeKeyFile)
		if err != nil {
			return nil, err
		}
	}

	for _, key := range appKeys {
		app := apps[key]

		if inScope[ScopeDB] && app.DBContainer != "" {
			art, err := p.dumpDatabase(ctx, key, app, dirs[ScopeDB], logPath)
			if err != nil {
				return nil, err
			}
			m.Artifacts = append(m.Artifacts, *art)
		}

		if inScope[ScopeFiles] {
			art, err := p.archiveFiles(ctx, key, app, dirs[ScopeFiles], logPath)
			if err != nil {
				return nil, err
			}
			if art != nil {
				m.Artifacts = append(m.Artifacts, *art)
			}
		}

		if inScope[ScopeEnv] {
			art, err := p.encryptEnv(ctx, key, app, recipient, dirs[ScopeEnv], logPath)
			if err != nil {
				return nil, err
			}
			if art != nil {
				m.Artifacts = append(m.Artifacts, *art)
			}
		}
	}

	if inScope[ScopeCaddy] {
		art, err := p.archiveCaddy(ctx, dirs[ScopeCaddy], logPath)
		if err != nil {
			return nil, err
		}
		if art != nil {
			m.Artifacts = append(m.Artifacts, *art)
		}
	}

	tags := snapshotTags(jobID, scopes, host, appKeys)
	if err := p.repo.Backup(ctx, runRoot, tags, logPath); err != nil {
		return nil, err
	}

	snapshotID, err := p.repo.SnapshotForRun(ctx, jobID, logPath)
	if err != nil {
		return nil, err
	}
	if snapshotID != "" {
		m.Restic.SnapshotID = &snapshotID
	}

	manifestPath, err := p.store.Write(m)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, key := range appKeys {
		p.metrics.RecordBackup(key, now)
	}

	p.logger.Info("backup completed",
		zap.String("job_id", jobID),
		zap.Int("artifacts", len(m.Artifacts)),
		zap.String("snapshot_id", snapshotID),
	)
	return &Result{Manifest: manifestPath, SnapshotID: snapshotID, WorkDir: runRoot}, nil
}

// dumpDatabase streams pg_dump from inside the app's database container
// through gzip into WORK/<id>/db/<app>.sql.gz and self-tests the result.
func (p *Pipeline) dumpDatabase(ctx context.Context, key string, app config.App, dir, logPath string) (*manifest.Artifact, error) {
	dst := filepath.Join(dir, key+".sql.gz")
	stages := [][]string{
		dockerx.DumpArgv(app.DBContainer, app.DatabaseUser(), app.DatabaseName(key)),
		{"gzip", "-c"},
	}
	if err := p.runner.RunPipeline(ctx, stages, dst, logPath); err != nil {
		return nil, fmt.Errorf("backup: dump %s: %w", key, err)
	}
	if err := p.tools.TestGzip(ctx, dst, logPath); err != nil {
		return nil, err
	}
	return p.artifact(manifest.TypeDB, key, dst)
}

// archiveFiles bundles the app's compose files and declared paths. Returns
// nil when the app has nothing on disk to archive.
func (p *Pipeline) archiveFiles(ctx context.Context, key string, app config.App, dir, logPath string) (*manifest.Artifact, error) {
	paths := app.BackupPaths()
	if len(paths) == 0 {
		return nil, nil
	}
	dst := filepath.Join(dir, key+"_files.tar.zst")
	if err := p.tools.CreateTarZst(ctx, dst, paths, logPath); err != nil {
		return nil, err
	}
	if err := p.tools.TestZst(ctx, dst, logPath); err != nil {
		return nil, err
	}
	if err := p.tools.ListTar(ctx, dst, logPath); err != nil {
		return nil, err
	}
	return p.artifact(manifest.TypeFiles, key, dst)
}

// encryptEnv stages the app's existing env files (name only, no directory
// structure) into a temp dir, archives, encrypts to the recipient, and
// removes the plaintext tarball. The plaintext is deleted even when
// encryption fails so it never persists on durable storage.
func (p *Pipeline) encryptEnv(ctx context.Context, key string, app config.App, recipient, dir, logPath string) (*manifest.Artifact, error) {
	var existing []string
	for _, path := range app.EnvFiles {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil, nil
	}

	staging, err := os.MkdirTemp("", "env-"+key+"-")
	if err != nil {
		return nil, fmt.Errorf("backup: env staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, src := range existing {
		if err := copyFile(src, filepath.Join(staging, filepath.Base(src))); err != nil {
			return nil, err
		}
	}

	tarPath := filepath.Join(dir, key+"_env.tar.zst")
	encPath := tarPath + ".age"
	if err := p.tools.CreateTarZstFromDir(ctx, tarPath, staging, logPath); err != nil {
		return nil, err
	}

	encErr := p.tools.AgeEncrypt(ctx, recipient, encPath, tarPath, logPath)
	if rmErr := os.Remove(tarPath); rmErr != nil && !os.IsNotExist(rmErr) {
		p.logger.Warn("plaintext env tarball removal failed",
			zap.String("path", tarPath), zap.Error(rmErr))
	}
	if encErr != nil {
		return nil, encErr
	}
	return p.artifact(manifest.TypeEnvEncrypted, key, encPath)
}

// archiveCaddy captures the reverse-proxy config paths that exist. Not
// per-app: one archive per run.
func (p *Pipeline) archiveCaddy(ctx context.Context, dir, logPath string) (*manifest.Artifact, error) {
	var existing []string
	for _, path := range p.paths.CaddyPaths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil, nil
	}
	sort.Strings(existing)

	dst := filepath.Join(dir, "caddy_config.tar.zst")
	if err := p.tools.CreateTarZst(ctx, dst, existing, logPath); err != nil {
		return nil, err
	}
	if err := p.tools.TestZst(ctx, dst, logPath); err != nil {
		return nil, err
	}
	return p.artifact(manifest.TypeCaddy, "", dst)
}

// artifact stats and hashes the produced file into a manifest record.
func (p *Pipeline) artifact(kind, app, path string) (*manifest.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup: stat artifact %s: %w", path, err)
	}
	sum, err := archive.SHA256File(path)
	if err != nil {
		return nil, err
	}
	return &manifest.Artifact{Type: kind, App: app, Path: path, Size: info.Size(), SHA256: sum}, nil
}

// snapshotTags builds the stable tag argv: run, scope, server, then one
// app tag per sorted key.
func snapshotTags(jobID string, scopes []string, host string, appKeys []string) []string {
	scopeTag := "scope:partial"
	if scopeSetEqual(scopes, FullScopes()) {
		scopeTag = "scope:full"
	}
	tags := []string{"run:" + jobID, scopeTag, "server:" + host}
	for _, key := range appKeys {
		tags = append(tags, "app:"+key)
	}
	return tags
}

func scopeSet(scopes []string) map[string]bool {
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	return set
}

// scopeSetEqual compares scope slices as sets, ignoring order and
// duplicates.
func scopeSetEqual(a, b []string) bool {
	sa, sb := scopeSet(a), scopeSet(b)
	if len(sa) != len(sb) {
		return false
	}
	for s := range sa {
		if !sb[s] {
			return false
		}
	}
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("backup: copy %s: %w", src, err)
	}
	return nil
}
