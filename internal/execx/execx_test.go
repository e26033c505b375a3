package execx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newRunner() *Runner {
	return New(zap.NewNop())
}

func TestRunCapturesOutput(t *testing.T) {
	res, err := newRunner().Run(context.Background(), Spec{Argv: []string{"echo", "hello"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello\n")
	}
}

func TestRunEnvOverlayShadowsInherited(t *testing.T) {
	t.Setenv("EXECX_TEST_VAR", "inherited")
	res, err := newRunner().Run(context.Background(), Spec{
		Argv: []string{"sh", "-c", "printf %s \"$EXECX_TEST_VAR\""},
		Env:  map[string]string{"EXECX_TEST_VAR": "overlaid"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "overlaid" {
		t.Errorf("Stdout = %q, want overlaid", res.Stdout)
	}
}

func TestRunCheckedFailureIsToolError(t *testing.T) {
	_, err := newRunner().Run(context.Background(), Spec{Argv: []string{"false"}, Check: true})
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err = %v, want *ToolError", err)
	}
	if toolErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", toolErr.ExitCode)
	}
	if toolErr.Argv[0] != "false" {
		t.Errorf("Argv = %v", toolErr.Argv)
	}
}

func TestRunUncheckedFailureReturnsResult(t *testing.T) {
	res, err := newRunner().Run(context.Background(), Spec{Argv: []string{"false"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := newRunner().Run(context.Background(), Spec{Argv: []string{"definitely-not-a-real-tool-xyz"}})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		t.Fatalf("missing binary must not be a ToolError, got %v", err)
	}
}

func TestRunWritesLogRecord(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.log")
	_, err := newRunner().Run(context.Background(), Spec{
		Argv:    []string{"echo", "logged"},
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), "$ echo logged") {
		t.Errorf("log missing command line: %q", raw)
	}
	if !strings.Contains(string(raw), "logged\n") {
		t.Errorf("log missing stdout: %q", raw)
	}
}

func TestRunPipelineToFile(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out.txt")
	stages := [][]string{
		{"echo", "through the pipe"},
		{"cat"},
	}
	if err := newRunner().RunPipeline(context.Background(), stages, dst, ""); err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}

	raw, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(raw) != "through the pipe\n" {
		t.Errorf("dst = %q", raw)
	}
}

func TestRunPipelineStageFailure(t *testing.T) {
	stages := [][]string{
		{"echo", "x"},
		{"sh", "-c", "cat >/dev/null; exit 3"},
	}
	err := newRunner().RunPipeline(context.Background(), stages, "", "")
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err = %v, want *ToolError", err)
	}
	if toolErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", toolErr.ExitCode)
	}
}

func TestRunPipelineBlamesFailingConsumerNotSignaledProducer(t *testing.T) {
	// The producer writes until the consumer's exit closes the pipe and
	// SIGPIPE kills it; the error must name the consumer and its exit code.
	stages := [][]string{
		{"sh", "-c", "while :; do echo data || exit 0; done"},
		{"sh", "-c", "exit 7"},
	}
	err := newRunner().RunPipeline(context.Background(), stages, "", "")
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err = %v, want *ToolError", err)
	}
	if toolErr.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", toolErr.ExitCode)
	}
	if len(toolErr.Argv) != 3 || toolErr.Argv[2] != "exit 7" {
		t.Errorf("failure attributed to wrong stage: %v", toolErr.Argv)
	}
}

func TestRunPipelineStartFailureReapsStartedStages(t *testing.T) {
	// Stage 2 never starts; the call must still return promptly instead of
	// waiting on a producer blocked writing to the unread pipe.
	stages := [][]string{
		{"sh", "-c", "while :; do echo data || exit 0; done"},
		{"definitely-not-a-real-tool-xyz"},
	}
	err := newRunner().RunPipeline(context.Background(), stages, "", "")
	if err == nil || !strings.Contains(err.Error(), "start definitely-not-a-real-tool-xyz") {
		t.Fatalf("err = %v, want start failure for missing stage", err)
	}
}

func TestTail(t *testing.T) {
	if got := Tail("abcdef", 3); got != "def" {
		t.Errorf("Tail = %q, want def", got)
	}
	if got := Tail("ab", 10); got != "ab" {
		t.Errorf("Tail = %q, want ab", got)
	}
}
