// Package execx launches the external tools the agent orchestrates (restic,
// docker, tar, zstd, gzip, age, rclone). Every invocation goes through the
// Runner so stdout/stderr capture, per-job logging, and failure wrapping are
// uniform across pipelines. No other package may call exec.Command directly.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ToolError is returned when a spawned process exits non-zero and the caller
// asked for that to be fatal. It preserves the argv, the exit code, and the
// captured stderr so job records and run logs can show exactly what failed.
type ToolError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("command failed (%d): %s\n%s", e.ExitCode, strings.Join(e.Argv, " "), e.Stderr)
}

// Spec describes a single invocation.
type Spec struct {
	// Argv is the full command line. Argv[0] is resolved via PATH.
	Argv []string
	// Env is overlaid on the ambient process environment.
	Env map[string]string
	// Check makes a non-zero exit return a *ToolError.
	Check bool
	// LogPath, when set, receives a three-line record per invocation:
	// the argv prefixed with "$ ", then stdout, then stderr.
	LogPath string
}

// Result holds the outcome of an invocation. When Check is false the caller
// inspects ExitCode itself.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes external tools. Safe for concurrent use — each call builds
// an independent exec.Cmd with its own pipes.
type Runner struct {
	logger *zap.Logger
}

// New creates a Runner.
func New(logger *zap.Logger) *Runner {
	return &Runner{logger: logger.Named("execx")}
}

// Run executes spec.Argv, waits for it, and returns the captured output.
// The subprocess inherits the ambient environment with spec.Env overlaid on
// top, so PATH and HOME keep working without enumerating them.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, errors.New("execx: empty argv")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = overlayEnv(cmd.Environ(), spec.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The process never ran (binary missing, ctx cancelled before
			// start). Surface that directly rather than as a tool exit.
			r.logRecord(spec.LogPath, strings.Join(spec.Argv, " "), "", runErr.Error())
			return res, fmt.Errorf("execx: start %s: %w", spec.Argv[0], runErr)
		}
	}

	r.logRecord(spec.LogPath, strings.Join(spec.Argv, " "), res.Stdout, res.Stderr)

	if spec.Check && res.ExitCode != 0 {
		return res, &ToolError{Argv: spec.Argv, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// RunPipeline chains stages so each stage's stdout feeds the next stage's
// stdin, with the final stage's stdout redirected to dst (or captured into
// the log when dst is empty). This replaces shell pipelines like
// "docker exec … pg_dump | gzip -c > file" with explicit process plumbing —
// container names and users arrive from config and must never pass through
// a shell parser.
//
// Every stage is checked: the first non-zero exit fails the pipeline with a
// *ToolError for that stage.
func (r *Runner) RunPipeline(ctx context.Context, stages [][]string, dst string, logPath string) error {
	if len(stages) == 0 {
		return errors.New("execx: empty pipeline")
	}

	cmds := make([]*exec.Cmd, len(stages))
	stderrs := make([]bytes.Buffer, len(stages))
	for i, argv := range stages {
		if len(argv) == 0 {
			return errors.New("execx: empty pipeline stage")
		}
		cmds[i] = exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmds[i].Stderr = &stderrs[i]
	}

	for i := 0; i < len(cmds)-1; i++ {
		pipe, err := cmds[i].StdoutPipe()
		if err != nil {
			return fmt.Errorf("execx: pipe %s: %w", stages[i][0], err)
		}
		cmds[i+1].Stdin = pipe
	}

	var tail bytes.Buffer
	last := cmds[len(cmds)-1]
	if dst != "" {
		out, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("execx: create %s: %w", dst, err)
		}
		defer out.Close()
		last.Stdout = out
	} else {
		last.Stdout = &tail
	}

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			// Reap the stages already running; a producer blocked on the
			// never-read pipe must be killed before Wait can collect it.
			for _, started := range cmds[:i] {
				_ = started.Process.Kill()
				_ = started.Wait()
			}
			return fmt.Errorf("execx: start %s: %w", stages[i][0], err)
		}
	}

	// A failing consumer closes the pipe and kills its producer with
	// SIGPIPE, so a stage with a real non-zero exit outranks one that died
	// from a signal when attributing the failure.
	var firstErr, firstExit error
	for i, cmd := range cmds {
		if err := cmd.Wait(); err != nil {
			toolErr := &ToolError{
				Argv:     stages[i],
				ExitCode: cmd.ProcessState.ExitCode(),
				Stderr:   stderrs[i].String(),
			}
			if firstErr == nil {
				firstErr = toolErr
			}
			if firstExit == nil && cmd.ProcessState.Exited() {
				firstExit = toolErr
			}
		}
	}
	if firstExit != nil {
		firstErr = firstExit
	}

	r.logRecord(logPath, pipelineLine(stages, dst), tail.String(), collectStderr(stderrs))
	return firstErr
}

// Tail returns the last n bytes of s, used to bound tool output embedded in
// job results.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// logRecord appends the per-invocation record to the run log. Log failures
// are reported to the process logger but never fail the invocation.
func (r *Runner) logRecord(logPath, command, stdout, stderr string) {
	if logPath == "" {
		return
	}
	var b strings.Builder
	b.WriteString("$ " + command + "\n")
	if stdout != "" {
		b.WriteString(stdout + "\n")
	}
	if stderr != "" {
		b.WriteString(stderr + "\n")
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger.Warn("run log open failed", zap.String("path", logPath), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		r.logger.Warn("run log write failed", zap.String("path", logPath), zap.Error(err))
	}
}

func pipelineLine(stages [][]string, dst string) string {
	parts := make([]string, len(stages))
	for i, argv := range stages {
		parts[i] = strings.Join(argv, " ")
	}
	line := strings.Join(parts, " | ")
	if dst != "" {
		line += " > " + dst
	}
	return line
}

func collectStderr(bufs []bytes.Buffer) string {
	var b strings.Builder
	for i := range bufs {
		if s := strings.TrimSpace(bufs[i].String()); s != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(s)
		}
	}
	return b.String()
}

// overlayEnv appends overlay entries to base. Later entries win in exec.Cmd,
// so overlays shadow inherited variables of the same name.
func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	env := append([]string{}, base...)
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}
