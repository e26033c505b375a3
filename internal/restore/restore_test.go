package restore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/archive"
	"github.com/munaimtahir/infraserver/internal/config"
	"github.com/munaimtahir/infraserver/internal/execx"
	"github.com/munaimtahir/infraserver/internal/manifest"
	"github.com/munaimtahir/infraserver/internal/restic"
	"github.com/munaimtahir/infraserver/internal/validate"
)

func TestValidMode(t *testing.T) {
	for _, mode := range []string{ModeValidateOnly, ModeDB, ModeFiles, ModeCaddy, ModeFull, ModeExportBundle} {
		if !ValidMode(mode) {
			t.Errorf("ValidMode(%q) = false", mode)
		}
	}
	for _, mode := range []string{"", "FULL", "restore-db ", "everything"} {
		if ValidMode(mode) {
			t.Errorf("ValidMode(%q) = true", mode)
		}
	}
}

func TestDestructive(t *testing.T) {
	for _, mode := range []string{ModeDB, ModeFiles, ModeCaddy, ModeFull} {
		if !Destructive(mode) {
			t.Errorf("Destructive(%q) = false", mode)
		}
	}
	for _, mode := range []string{ModeValidateOnly, ModeExportBundle} {
		if Destructive(mode) {
			t.Errorf("Destructive(%q) = true", mode)
		}
	}
}

// newTestPipeline builds a pipeline over a temp tree with a local run
// directory for runID containing a blog database dump.
func newTestPipeline(t *testing.T, runID string) (*Pipeline, config.Paths) {
	t.Helper()
	tmp := t.TempDir()
	paths := config.NewPaths(
		filepath.Join(tmp, "ops"),
		filepath.Join(tmp, "work"),
		filepath.Join(tmp, "meta"),
		filepath.Join(tmp, "repo"),
	)
	if err := paths.EnsureTree(); err != nil {
		t.Fatalf("EnsureTree: %v", err)
	}
	mustWrite(t, paths.AppsFile, "apps:\n  blog:\n    db_container: blog-db\n")
	mustWrite(t, filepath.Join(paths.RunWorkDir(runID), "db", "blog.sql.gz"), "fake gzip dump")

	runner := execx.New(zap.NewNop())
	repo := restic.New(paths.RepoDir, paths.ResticPasswordFile, runner, zap.NewNop())
	tools := archive.NewToolchain(runner)
	store := manifest.NewStore(paths.RunsMetaDir)
	vp := validate.New(repo, tools, store, zap.NewNop())
	return New(paths, runner, repo, tools, vp, zap.NewNop()), paths
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// installFakeDocker answers the table-count probe with tableCount and
// swallows piped restores. gunzip decompresses by passthrough.
func installFakeDocker(t *testing.T, tableCount string) {
	t.Helper()
	binDir := t.TempDir()
	docker := `#!/bin/sh
for a in "$@"; do
  if [ "$a" = "-tAc" ]; then
    echo "` + tableCount + `"
    exit 0
  fi
done
cat > /dev/null
exit 0
`
	gunzip := `#!/bin/sh
if [ "$1" = "-c" ]; then cat "$2"; fi
exit 0
`
	if err := os.WriteFile(filepath.Join(binDir, "docker"), []byte(docker), 0o755); err != nil {
		t.Fatalf("write fake docker: %v", err)
	}
	if err := os.WriteFile(filepath.Join(binDir, "gunzip"), []byte(gunzip), 0o755); err != nil {
		t.Fatalf("write fake gunzip: %v", err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestRunRejectsBadConfirmation(t *testing.T) {
	runID := "20260101120000-aaaa1111"
	p, _ := newTestPipeline(t, runID)

	cases := []struct {
		name         string
		confirmation string
	}{
		{"empty", ""},
		{"lowercase", "restore " + runID},
		{"trailing space", "RESTORE " + runID + " "},
		{"double space", "RESTORE  " + runID},
		{"wrong id", "RESTORE 20990101000000-ffffffff"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Run(context.Background(), "j1", Request{
				RunID:             runID,
				Mode:              ModeFull,
				TypedConfirmation: tc.confirmation,
			}, "")
			if err == nil || !strings.Contains(err.Error(), "typed confirmation mismatch") {
				t.Fatalf("err = %v, want confirmation mismatch", err)
			}
		})
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	p, _ := newTestPipeline(t, "r1")
	_, err := p.Run(context.Background(), "j1", Request{RunID: "r1", Mode: "yolo"}, "")
	if err == nil || !strings.Contains(err.Error(), "unsupported mode") {
		t.Fatalf("err = %v, want unsupported mode", err)
	}
}

func TestRestoreDBRefusesSameServer(t *testing.T) {
	runID := "20260101120000-aaaa1111"
	p, _ := newTestPipeline(t, runID)

	_, err := p.Run(context.Background(), "j1", Request{
		RunID:             runID,
		Mode:              ModeDB,
		TypedConfirmation: ConfirmationPhrase(runID),
	}, "")
	if err == nil || !strings.Contains(err.Error(), "same-server") {
		t.Fatalf("err = %v, want same-server refusal", err)
	}
}

func TestRestoreDBRefusesNonEmptyDatabase(t *testing.T) {
	runID := "20260101120000-aaaa1111"
	p, _ := newTestPipeline(t, runID)
	installFakeDocker(t, "3")

	_, err := p.Run(context.Background(), "j1", Request{
		RunID:             runID,
		Mode:              ModeDB,
		TypedConfirmation: ConfirmationPhrase(runID),
		AllowSameServer:   true,
	}, "")
	if err == nil || !strings.Contains(err.Error(), "db not empty") {
		t.Fatalf("err = %v, want non-empty refusal", err)
	}
}

func TestRestoreDBUnparseableCountRefuses(t *testing.T) {
	runID := "20260101120000-aaaa1111"
	p, _ := newTestPipeline(t, runID)
	installFakeDocker(t, "ERROR: connection refused")

	_, err := p.Run(context.Background(), "j1", Request{
		RunID:             runID,
		Mode:              ModeDB,
		TypedConfirmation: ConfirmationPhrase(runID),
		AllowSameServer:   true,
	}, "")
	if err == nil || !strings.Contains(err.Error(), "db not empty") {
		t.Fatalf("err = %v, want non-empty refusal on unparseable count", err)
	}
}

func TestRestoreDBEmptyTargetSucceeds(t *testing.T) {
	runID := "20260101120000-aaaa1111"
	p, _ := newTestPipeline(t, runID)
	installFakeDocker(t, "0")

	res, err := p.Run(context.Background(), "j1", Request{
		RunID:             runID,
		Mode:              ModeDB,
		TypedConfirmation: ConfirmationPhrase(runID),
		AllowSameServer:   true,
	}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result, ok := res.(map[string]any)
	if !ok || result["restored_mode"] != ModeDB {
		t.Errorf("result = %v", res)
	}
}

func TestConfirmationPhrase(t *testing.T) {
	if got := ConfirmationPhrase("r1"); got != "RESTORE r1" {
		t.Errorf("ConfirmationPhrase = %q", got)
	}
}

func TestExportBundle(t *testing.T) {
	runID := "20260101120000-aaaa1111"
	p, paths := newTestPipeline(t, runID)

	// The bundle archiver is tar; provide a stand-in that records its argv
	// into the destination file.
	binDir := t.TempDir()
	tar := `#!/bin/sh
dst=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-cf" ]; then dst="$a"; fi
  prev="$a"
done
echo "tar $*" > "$dst"
exit 0
`
	if err := os.WriteFile(filepath.Join(binDir, "tar"), []byte(tar), 0o755); err != nil {
		t.Fatalf("write fake tar: %v", err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	res, err := p.ExportBundle(context.Background(), "j1", runID, "")
	if err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}

	bundle, _ := res["bundle"].(string)
	want := filepath.Join(paths.MetaDir, "restore_bundle_"+runID+".tar.zst")
	if bundle != want {
		t.Errorf("bundle = %q, want %q", bundle, want)
	}
	raw, err := os.ReadFile(bundle)
	if err != nil {
		t.Fatalf("bundle not written: %v", err)
	}
	// The member name keeps the bundle self-describing when extracted.
	if !strings.Contains(string(raw), "restore_bundle_"+runID) {
		t.Errorf("archiver argv = %q, member name missing", raw)
	}
}
