// Package config holds the on-disk layout of the agent and the application
// inventory loaded from apps.yml. The inventory is intentionally re-read on
// every access so that edits to the file take effect without a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownApp is returned when a request selects an app key that is not
// present in apps.yml. Wrapped errors carry the missing keys.
var ErrUnknownApp = errors.New("unknown app")

// composeFileNames are the compose file candidates probed inside an app's
// compose directory, in this order.
var composeFileNames = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// Paths describes every file and directory the agent touches. All values are
// absolute. Built once at startup via NewPaths and passed by value.
type Paths struct {
	OpsRoot   string
	ConfigDir string
	LogDir    string
	RunLogDir string
	AuditLog  string

	AppsFile           string
	TokenFile          string
	ResticPasswordFile string
	AgeKeyFile         string
	RcloneConf         string

	WorkDir     string
	MetaDir     string
	RunsMetaDir string
	RegistryDB  string
	RepoDir     string

	// CaddyPaths are the reverse-proxy config locations captured by the
	// caddy scope. Only the ones that exist are archived.
	CaddyPaths []string
}

// NewPaths builds the layout rooted at opsRoot with the backup tree split
// across workDir, metaDir and repoDir.
func NewPaths(opsRoot, workDir, metaDir, repoDir string) Paths {
	configDir := filepath.Join(opsRoot, "config")
	logDir := filepath.Join(opsRoot, "logs")
	return Paths{
		OpsRoot:   opsRoot,
		ConfigDir: configDir,
		LogDir:    logDir,
		RunLogDir: filepath.Join(logDir, "runs"),
		AuditLog:  filepath.Join(logDir, "audit.log"),

		AppsFile:           filepath.Join(configDir, "apps.yml"),
		TokenFile:          filepath.Join(configDir, "ops_token.txt"),
		ResticPasswordFile: filepath.Join(configDir, "restic_password.txt"),
		AgeKeyFile:         filepath.Join(configDir, "age.key"),
		RcloneConf:         filepath.Join(configDir, "rclone.conf"),

		WorkDir:     workDir,
		MetaDir:     metaDir,
		RunsMetaDir: filepath.Join(metaDir, "runs"),
		RegistryDB:  filepath.Join(metaDir, "backups.sqlite"),
		RepoDir:     repoDir,

		CaddyPaths: []string{
			filepath.Join(opsRoot, "proxy", "caddy", "Caddyfile"),
			"/etc/caddy/Caddyfile",
		},
	}
}

// EnsureTree creates the directories the agent writes to. Config files are
// never created here — their absence is surfaced when they are first read.
func (p Paths) EnsureTree() error {
	for _, dir := range []string{p.LogDir, p.RunLogDir, p.WorkDir, p.MetaDir, p.RunsMetaDir, p.RepoDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}

// RunWorkDir returns the per-run work directory WORK/<job_id>.
func (p Paths) RunWorkDir(jobID string) string {
	return filepath.Join(p.WorkDir, jobID)
}

// RunLogPath returns the per-run log file path.
func (p Paths) RunLogPath(jobID string) string {
	return filepath.Join(p.RunLogDir, jobID+".log")
}

// ReadToken returns the trimmed contents of the ops token file.
func (p Paths) ReadToken() (string, error) {
	raw, err := os.ReadFile(p.TokenFile)
	if err != nil {
		return "", fmt.Errorf("config: read token file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// App is one entry in apps.yml. Every field is optional; a scope that has
// nothing configured simply produces no artifact.
type App struct {
	DBContainer string   `yaml:"db_container"`
	DBUser      string   `yaml:"db_user"`
	DBName      string   `yaml:"db_name"`
	ComposeDir  string   `yaml:"compose_dir"`
	Containers  []string `yaml:"containers"`
	EnvFiles    []string `yaml:"env_files"`
	MediaPaths  []string `yaml:"media_paths"`
	StaticPaths []string `yaml:"static_paths"`
	ExtraPaths  []string `yaml:"extra_paths"`
}

// DatabaseUser returns the configured dump user, defaulting to postgres.
func (a App) DatabaseUser() string {
	if a.DBUser != "" {
		return a.DBUser
	}
	return "postgres"
}

// DatabaseName returns the configured database name, defaulting to the
// app key.
func (a App) DatabaseName(key string) string {
	if a.DBName != "" {
		return a.DBName
	}
	return key
}

// BackupPaths returns the existing filesystem paths the files scope should
// archive for this app: compose files found in ComposeDir plus any existing
// media/static/extra paths. The result is sorted and deduplicated by
// absolute path so the archive argv is stable.
func (a App) BackupPaths() []string {
	seen := map[string]struct{}{}
	var paths []string
	add := func(p string) {
		if _, err := os.Stat(p); err != nil {
			return
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}

	if a.ComposeDir != "" {
		for _, name := range composeFileNames {
			add(filepath.Join(a.ComposeDir, name))
		}
	}
	for _, group := range [][]string{a.MediaPaths, a.StaticPaths, a.ExtraPaths} {
		for _, p := range group {
			add(p)
		}
	}

	sort.Strings(paths)
	return paths
}

// appsDocument is the top-level shape of apps.yml.
type appsDocument struct {
	Apps map[string]App `yaml:"apps"`
}

// LoadApps parses apps.yml. A missing "apps" key yields an empty inventory.
func LoadApps(path string) (map[string]App, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read apps file: %w", err)
	}
	var doc appsDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse apps file: %w", err)
	}
	if doc.Apps == nil {
		doc.Apps = map[string]App{}
	}
	return doc.Apps, nil
}

// ResolveApps loads the inventory and restricts it to the selected keys.
// A nil or empty selection returns every configured app. Unknown keys fail
// with ErrUnknownApp before any work is done.
func ResolveApps(path string, selected []string) (map[string]App, error) {
	apps, err := LoadApps(path)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return apps, nil
	}

	var missing []string
	picked := make(map[string]App, len(selected))
	for _, key := range selected {
		app, ok := apps[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		picked[key] = app
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, strings.Join(missing, ","))
	}
	return picked, nil
}

// SortedKeys returns the app keys in lexical order. Map iteration order is
// random in Go; every pipeline walks apps through this so artifact and tag
// order is reproducible.
func SortedKeys(apps map[string]App) []string {
	keys := make([]string, 0, len(apps))
	for k := range apps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
