package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNewPathsLayout(t *testing.T) {
	p := NewPaths("/srv/ops", "/srv/backups/work", "/srv/backups/meta", "/srv/backups/restic_repo")

	if p.AppsFile != "/srv/ops/config/apps.yml" {
		t.Errorf("AppsFile = %q", p.AppsFile)
	}
	if p.AuditLog != "/srv/ops/logs/audit.log" {
		t.Errorf("AuditLog = %q", p.AuditLog)
	}
	if got := p.RunWorkDir("20260101120000-abcd1234"); got != "/srv/backups/work/20260101120000-abcd1234" {
		t.Errorf("RunWorkDir = %q", got)
	}
	if got := p.RunLogPath("x"); got != "/srv/ops/logs/runs/x.log" {
		t.Errorf("RunLogPath = %q", got)
	}
	if p.RegistryDB != "/srv/backups/meta/backups.sqlite" {
		t.Errorf("RegistryDB = %q", p.RegistryDB)
	}
}

func TestReadTokenTrims(t *testing.T) {
	tmp := t.TempDir()
	p := NewPaths(tmp, filepath.Join(tmp, "work"), filepath.Join(tmp, "meta"), filepath.Join(tmp, "repo"))
	writeFile(t, p.TokenFile, "  secret-token\n")

	token, err := p.ReadToken()
	if err != nil {
		t.Fatalf("ReadToken: %v", err)
	}
	if token != "secret-token" {
		t.Errorf("token = %q, want %q", token, "secret-token")
	}
}

func TestAppDefaults(t *testing.T) {
	app := App{}
	if got := app.DatabaseUser(); got != "postgres" {
		t.Errorf("DatabaseUser = %q, want postgres", got)
	}
	if got := app.DatabaseName("blog"); got != "blog" {
		t.Errorf("DatabaseName = %q, want blog", got)
	}

	app = App{DBUser: "admin", DBName: "blogdb"}
	if got := app.DatabaseUser(); got != "admin" {
		t.Errorf("DatabaseUser = %q, want admin", got)
	}
	if got := app.DatabaseName("blog"); got != "blogdb" {
		t.Errorf("DatabaseName = %q, want blogdb", got)
	}
}

func TestBackupPathsExistingOnly(t *testing.T) {
	tmp := t.TempDir()
	composeDir := filepath.Join(tmp, "compose")
	writeFile(t, filepath.Join(composeDir, "docker-compose.yml"), "services: {}\n")
	media := filepath.Join(tmp, "media")
	writeFile(t, filepath.Join(media, "a.jpg"), "x")

	app := App{
		ComposeDir:  composeDir,
		MediaPaths:  []string{media, filepath.Join(tmp, "missing")},
		StaticPaths: []string{media}, // duplicate, must be dropped
	}

	got := app.BackupPaths()
	want := []string{filepath.Join(composeDir, "docker-compose.yml"), media}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BackupPaths = %v, want %v", got, want)
	}
}

func TestLoadAppsParsesInventory(t *testing.T) {
	tmp := t.TempDir()
	appsFile := filepath.Join(tmp, "apps.yml")
	writeFile(t, appsFile, `
apps:
  blog:
    db_container: blog-db
    db_user: blog
    env_files:
      - /opt/blog/.env
  wiki:
    containers: [wiki-web, wiki-db]
`)

	apps, err := LoadApps(appsFile)
	if err != nil {
		t.Fatalf("LoadApps: %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("len(apps) = %d, want 2", len(apps))
	}
	if apps["blog"].DBContainer != "blog-db" {
		t.Errorf("blog.DBContainer = %q", apps["blog"].DBContainer)
	}
	if len(apps["wiki"].Containers) != 2 {
		t.Errorf("wiki.Containers = %v", apps["wiki"].Containers)
	}
}

func TestResolveApps(t *testing.T) {
	tmp := t.TempDir()
	appsFile := filepath.Join(tmp, "apps.yml")
	writeFile(t, appsFile, "apps:\n  blog: {}\n  wiki: {}\n")

	all, err := ResolveApps(appsFile, nil)
	if err != nil {
		t.Fatalf("ResolveApps(nil): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}

	one, err := ResolveApps(appsFile, []string{"blog"})
	if err != nil {
		t.Fatalf("ResolveApps(blog): %v", err)
	}
	if len(one) != 1 {
		t.Errorf("len(one) = %d, want 1", len(one))
	}

	_, err = ResolveApps(appsFile, []string{"blog", "ghost"})
	if !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("ResolveApps(ghost) err = %v, want ErrUnknownApp", err)
	}
}

func TestSortedKeys(t *testing.T) {
	apps := map[string]App{"wiki": {}, "blog": {}, "api": {}}
	got := SortedKeys(apps)
	want := []string{"api", "blog", "wiki"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SortedKeys = %v, want %v", got, want)
	}
}
