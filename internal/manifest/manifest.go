// Package manifest defines the run manifest — the JSON document enumerating
// one backup run's artifacts, their hashes, and the snapshot containing
// them — and the append-only store under META/runs.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrNotFound is returned when a run has no manifest on disk.
var ErrNotFound = errors.New("manifest: not found")

// Artifact types.
const (
	TypeDB           = "db"
	TypeFiles        = "files"
	TypeEnvEncrypted = "env_encrypted"
	TypeCaddy        = "caddy"
)

// Artifact is one produced file: its kind, owning app (absent for caddy),
// absolute path, size, and content hash at manifest write time.
type Artifact struct {
	Type   string `json:"type"`
	App    string `json:"app,omitempty"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Check is one validation result for an artifact path.
type Check struct {
	Path   string `json:"path"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Validation carries the manifest's embedded validation summary.
type Validation struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

// Restic ties the run to its snapshot. SnapshotID is null when the snapshot
// query returned nothing.
type Restic struct {
	SnapshotID *string `json:"snapshot_id"`
}

// Manifest is the canonical run manifest shape.
type Manifest struct {
	JobID      string     `json:"job_id"`
	Type       string     `json:"type"`
	Timestamp  string     `json:"timestamp"`
	Apps       []string   `json:"apps"`
	Scopes     []string   `json:"scopes"`
	Host       string     `json:"host"`
	Artifacts  []Artifact `json:"artifacts"`
	Validation Validation `json:"validation"`
	Restic     Restic     `json:"restic"`
}

// Store reads and writes manifests under a runs directory, one
// subdirectory per run: <runs>/<job_id>/{manifest.json, checksums.sha256}.
// Run directories are written once and never mutated.
type Store struct {
	runsDir string
}

// NewStore creates a Store rooted at runsDir.
func NewStore(runsDir string) *Store {
	return &Store{runsDir: runsDir}
}

// RunDir returns the metadata directory for a run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.runsDir, runID)
}

// Path returns the manifest file path for a run.
func (s *Store) Path(runID string) string {
	return filepath.Join(s.runsDir, runID, "manifest.json")
}

// Exists reports whether a manifest is present for the run.
func (s *Store) Exists(runID string) bool {
	_, err := os.Stat(s.Path(runID))
	return err == nil
}

// Write persists the manifest as pretty JSON plus a parallel
// checksums.sha256 file with one "<sha256>  <abs_path>" line per artifact.
// Returns the manifest path.
func (s *Store) Write(m *Manifest) (string, error) {
	dir := s.RunDir(m.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("manifest: create run dir: %w", err)
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("manifest: marshal: %w", err)
	}
	path := s.Path(m.JobID)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("manifest: write: %w", err)
	}

	var sums []byte
	for _, a := range m.Artifacts {
		sums = append(sums, fmt.Sprintf("%s  %s\n", a.SHA256, a.Path)...)
	}
	if err := os.WriteFile(filepath.Join(dir, "checksums.sha256"), sums, 0o644); err != nil {
		return "", fmt.Errorf("manifest: write checksums: %w", err)
	}
	return path, nil
}

// Load reads the manifest for runID, or ErrNotFound.
func (s *Store) Load(runID string) (*Manifest, error) {
	raw, err := os.ReadFile(s.Path(runID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", runID, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", runID, err)
	}
	return &m, nil
}

// List returns every readable manifest, newest run first. Run ids embed a
// timestamp prefix, so reverse-lexical order is reverse-chronological.
// Unreadable entries are skipped.
func (s *Store) List() []*Manifest {
	ids := s.runIDs()
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	manifests := make([]*Manifest, 0, len(ids))
	for _, id := range ids {
		m, err := s.Load(id)
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests
}

// LatestRunID returns the lexicographically greatest run id with a
// manifest, or ErrNotFound when no runs exist.
func (s *Store) LatestRunID() (string, error) {
	ids := s.runIDs()
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	sort.Strings(ids)
	return ids[len(ids)-1], nil
}

func (s *Store) runIDs() []string {
	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if s.Exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids
}
