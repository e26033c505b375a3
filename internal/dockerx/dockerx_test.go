package dockerx

import (
	"reflect"
	"testing"
)

func TestDumpArgv(t *testing.T) {
	got := DumpArgv("blog-db", "postgres", "blog")
	want := []string{"docker", "exec", "blog-db", "pg_dump", "-U", "postgres", "blog"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DumpArgv = %v, want %v", got, want)
	}
}

func TestPsqlRestoreArgv(t *testing.T) {
	got := PsqlRestoreArgv("blog-db", "postgres", "blog")
	want := []string{"docker", "exec", "-i", "blog-db", "psql", "-U", "postgres", "-d", "blog"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PsqlRestoreArgv = %v, want %v", got, want)
	}
}

func TestCountTablesArgvIsSingleArgvElement(t *testing.T) {
	got := CountTablesArgv("blog-db", "postgres", "blog")
	if got[len(got)-2] != "-tAc" {
		t.Errorf("argv = %v", got)
	}
	// The SQL must stay one argv element; it never passes through a shell.
	sql := got[len(got)-1]
	if sql != "SELECT count(*) FROM information_schema.tables WHERE table_schema='public';" {
		t.Errorf("sql = %q", sql)
	}
}

// Hostile config values must stay inert: each one is a discrete argv
// element, so shell metacharacters have no meaning.
func TestArgvBuildersDoNotInterpretMetacharacters(t *testing.T) {
	got := DumpArgv("db; rm -rf /", "$(whoami)", "blog|tee")
	if got[2] != "db; rm -rf /" || got[5] != "$(whoami)" || got[6] != "blog|tee" {
		t.Errorf("argv mangled hostile input: %v", got)
	}
}
