package replicate

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/execx"
	"github.com/munaimtahir/infraserver/internal/manifest"
)

// installFakeRclone answers listremotes with two remotes and records every
// invocation into argsFile.
func installFakeRclone(t *testing.T, argsFile string) {
	t.Helper()
	binDir := t.TempDir()
	script := `#!/bin/sh
echo "rclone $*" >> "` + argsFile + `"
case "$1" in
listremotes)
  echo "gdrive:"
  echo "s3backup:"
  ;;
lsd)
  echo "          -1 2026-01-01 00:00:00        -1 backups"
  ;;
esac
exit 0
`
	if err := os.WriteFile(filepath.Join(binDir, "rclone"), []byte(script), 0o755); err != nil {
		t.Fatalf("write fake rclone: %v", err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newTestSyncer(t *testing.T) (*Syncer, *manifest.Store, string) {
	t.Helper()
	tmp := t.TempDir()
	confPath := filepath.Join(tmp, "rclone.conf")
	if err := os.WriteFile(confPath, []byte("[gdrive]\ntype = drive\n"), 0o600); err != nil {
		t.Fatalf("write conf: %v", err)
	}
	store := manifest.NewStore(filepath.Join(tmp, "runs"))
	return New(confPath, execx.New(zap.NewNop()), store, zap.NewNop()), store, tmp
}

func writeRun(t *testing.T, store *manifest.Store, runID string) {
	t.Helper()
	m := &manifest.Manifest{
		JobID: runID, Type: "backup", Timestamp: "2026-01-01T00:00:00Z",
		Apps: []string{"blog"}, Scopes: []string{"db"}, Host: "node1",
		Artifacts: []manifest.Artifact{},
	}
	if _, err := store.Write(m); err != nil {
		t.Fatalf("store.Write: %v", err)
	}
}

func TestRemotes(t *testing.T) {
	s, _, tmp := newTestSyncer(t)
	installFakeRclone(t, filepath.Join(tmp, "args"))

	got := s.Remotes(context.Background())
	want := []string{"gdrive", "s3backup"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Remotes = %v, want %v", got, want)
	}

	if !s.HasRemote(context.Background(), "gdrive") {
		t.Error("HasRemote(gdrive) = false")
	}
	if s.HasRemote(context.Background(), "dropbox") {
		t.Error("HasRemote(dropbox) = true")
	}
}

func TestRemotesMissingConfig(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent.conf"), execx.New(zap.NewNop()), nil, zap.NewNop())
	if got := s.Remotes(context.Background()); got != nil {
		t.Errorf("Remotes without config = %v, want nil", got)
	}
}

func TestTestRemote(t *testing.T) {
	s, _, tmp := newTestSyncer(t)
	installFakeRclone(t, filepath.Join(tmp, "args"))

	res, err := s.Test(context.Background(), "gdrive")
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if !res.OK {
		t.Errorf("OK = false, err = %q", res.Error)
	}
	if !strings.Contains(res.Output, "backups") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestUploadLatestPicksGreatestRunID(t *testing.T) {
	s, store, tmp := newTestSyncer(t)
	argsFile := filepath.Join(tmp, "args")
	installFakeRclone(t, argsFile)

	writeRun(t, store, "20260101120000-aaaa1111")
	writeRun(t, store, "20260301120000-cccc3333")
	writeRun(t, store, "20260201120000-bbbb2222")

	res, err := s.Upload(context.Background(), "j1", Request{Remote: "gdrive", Latest: true}, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res["uploaded"] != "20260301120000-cccc3333" {
		t.Errorf("uploaded = %v", res["uploaded"])
	}

	args, _ := os.ReadFile(argsFile)
	wantSrc := store.RunDir("20260301120000-cccc3333")
	wantDst := "gdrive:ops-backups/20260301120000-cccc3333"
	if !strings.Contains(string(args), "copy "+wantSrc+" "+wantDst) {
		t.Errorf("copy argv missing %q -> %q:\n%s", wantSrc, wantDst, args)
	}
}

func TestUploadSpecificRunWithCustomPath(t *testing.T) {
	s, store, tmp := newTestSyncer(t)
	argsFile := filepath.Join(tmp, "args")
	installFakeRclone(t, argsFile)
	writeRun(t, store, "20260101120000-aaaa1111")

	res, err := s.Upload(context.Background(), "j1", Request{
		Remote:     "gdrive",
		RemotePath: "custom/prefix",
		RunID:      "20260101120000-aaaa1111",
	}, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res["remote_path"] != "custom/prefix" {
		t.Errorf("remote_path = %v", res["remote_path"])
	}

	args, _ := os.ReadFile(argsFile)
	if !strings.Contains(string(args), "gdrive:custom/prefix/20260101120000-aaaa1111") {
		t.Errorf("copy argv missing custom path:\n%s", args)
	}
}

func TestUploadRejectsUnknownRemote(t *testing.T) {
	s, store, tmp := newTestSyncer(t)
	installFakeRclone(t, filepath.Join(tmp, "args"))
	writeRun(t, store, "r1")

	_, err := s.Upload(context.Background(), "j1", Request{Remote: "dropbox", RunID: "r1"}, "")
	if err == nil || !strings.Contains(err.Error(), "remote not configured") {
		t.Fatalf("err = %v, want unknown remote", err)
	}
}

func TestUploadLatestWithoutRuns(t *testing.T) {
	s, _, tmp := newTestSyncer(t)
	installFakeRclone(t, filepath.Join(tmp, "args"))

	_, err := s.Upload(context.Background(), "j1", Request{Remote: "gdrive", Latest: true}, "")
	if err == nil || !strings.Contains(err.Error(), "no runs available") {
		t.Fatalf("err = %v, want no runs available", err)
	}
}

func TestUploadMissingRunMetadata(t *testing.T) {
	s, _, tmp := newTestSyncer(t)
	installFakeRclone(t, filepath.Join(tmp, "args"))

	_, err := s.Upload(context.Background(), "j1", Request{Remote: "gdrive", RunID: "ghost"}, "")
	if err == nil || !strings.Contains(err.Error(), "run metadata not found") {
		t.Fatalf("err = %v, want metadata not found", err)
	}
}
