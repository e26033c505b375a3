package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testManifest(jobID string) *Manifest {
	snap := "abc123"
	return &Manifest{
		JobID:     jobID,
		Type:      "backup",
		Timestamp: "2026-01-01T00:00:00Z",
		Apps:      []string{"blog"},
		Scopes:    []string{"db", "files", "env", "caddy"},
		Host:      "node1",
		Artifacts: []Artifact{
			{Type: TypeDB, App: "blog", Path: "/work/" + jobID + "/db/blog.sql.gz", Size: 10, SHA256: strings.Repeat("a", 64)},
		},
		Validation: Validation{OK: true, Checks: []Check{}},
		Restic:     Restic{SnapshotID: &snap},
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	m := testManifest("20260101120000-aaaa1111")

	path, err := store.Write(m)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if path != store.Path(m.JobID) {
		t.Errorf("path = %q, want %q", path, store.Path(m.JobID))
	}

	got, err := store.Load(m.JobID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.JobID != m.JobID || got.Host != "node1" {
		t.Errorf("Load = %+v", got)
	}
	if got.Restic.SnapshotID == nil || *got.Restic.SnapshotID != "abc123" {
		t.Errorf("SnapshotID = %v", got.Restic.SnapshotID)
	}
}

func TestWriteChecksumsFormat(t *testing.T) {
	store := NewStore(t.TempDir())
	m := testManifest("20260101120000-aaaa1111")
	if _, err := store.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(store.RunDir(m.JobID), "checksums.sha256"))
	if err != nil {
		t.Fatalf("read checksums: %v", err)
	}
	want := m.Artifacts[0].SHA256 + "  " + m.Artifacts[0].Path + "\n"
	if string(raw) != want {
		t.Errorf("checksums = %q, want %q", raw, want)
	}
}

func TestLoadMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, id := range []string{"20260101120000-a", "20260301120000-c", "20260201120000-b"} {
		if _, err := store.Write(testManifest(id)); err != nil {
			t.Fatalf("Write %s: %v", id, err)
		}
	}

	got := store.List()
	if len(got) != 3 {
		t.Fatalf("len(List) = %d, want 3", len(got))
	}
	want := []string{"20260301120000-c", "20260201120000-b", "20260101120000-a"}
	for i, m := range got {
		if m.JobID != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, m.JobID, want[i])
		}
	}
}

func TestLatestRunID(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.LatestRunID(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store err = %v, want ErrNotFound", err)
	}

	for _, id := range []string{"20260101120000-a", "20260201120000-b"} {
		if _, err := store.Write(testManifest(id)); err != nil {
			t.Fatalf("Write %s: %v", id, err)
		}
	}

	// A run directory without a manifest must not win.
	if err := os.MkdirAll(store.RunDir("20260901120000-z"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	latest, err := store.LatestRunID()
	if err != nil {
		t.Fatalf("LatestRunID: %v", err)
	}
	if latest != "20260201120000-b" {
		t.Errorf("latest = %q, want 20260201120000-b", latest)
	}
}

func TestExists(t *testing.T) {
	store := NewStore(t.TempDir())
	if store.Exists("x") {
		t.Error("Exists(x) = true on empty store")
	}
	if _, err := store.Write(testManifest("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !store.Exists("x") {
		t.Error("Exists(x) = false after write")
	}
}
