package checks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/coderloop/internal/pipeline"
)

// DefaultTimeout applies to a check whose config leaves Timeout unset.
const DefaultTimeout = 2 * time.Minute

// Result holds the structured output of a check run.
type Result struct {
	CheckName  string      `json:"check_name"`
	Passed     bool        `json:"passed"`
	ExitCode   int         `json:"exit_code"`
	DurationMs int         `json:"duration_ms"`
	Summary    string      `json:"summary"`
	Findings   interface{} `json:"findings,omitempty"`
	Stdout     string      `json:"stdout,omitempty"`
	Stderr     string      `json:"stderr,omitempty"`
}

// Output returns stdout followed by stderr, unmodified apart from a newline
// between them when stdout does not end in one.
func (r *Result) Output() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if strings.HasSuffix(r.Stdout, "\n") {
		return r.Stdout + r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// CheckConfig mirrors config.Check with the fields the runner needs.
// Command has already been expanded for the artifact under test.
type CheckConfig struct {
	Name    string
	Command string
	Parser  string
	Timeout time.Duration
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	// Kill the whole process group so test runners spawned by sh die with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Runner executes checks and parses their output.
type Runner struct {
	cmd     CommandRunner
	parsers map[string]Parser
	logger  *zap.Logger
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner) *Runner {
	r := &Runner{
		cmd:     cmd,
		parsers: make(map[string]Parser),
		logger:  zap.NewNop(),
	}
	r.parsers["mypy"] = &MypyParser{}
	r.parsers["unittest"] = &UnittestParser{}
	r.parsers["generic"] = &GenericParser{}
	return r
}

// SetLogger sets the logger used for per-check debug output.
func (r *Runner) SetLogger(l *zap.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Run executes a single check in the given directory. A check that cannot be
// launched, is not found by the shell, or exceeds its timeout yields an
// *pipeline.InfrastructureError rather than a failed Result.
func (r *Runner) Run(ctx context.Context, dir string, cfg CheckConfig) (*Result, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(runCtx, dir, cfg.Command)
	durationMs := int(time.Since(start).Milliseconds())

	op := fmt.Sprintf("check %q", cfg.Name)
	if ctxErr := runCtx.Err(); ctxErr != nil {
		timedOut := errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil
		if timedOut {
			ctxErr = fmt.Errorf("no result after %s", timeout)
		}
		return nil, &pipeline.InfrastructureError{Op: op, Timeout: timedOut, Err: ctxErr}
	}
	if err != nil {
		return nil, &pipeline.InfrastructureError{Op: op, Err: err}
	}
	// sh reports 127 for a missing binary and 126 for one it cannot execute.
	if exitCode == 126 || exitCode == 127 {
		return nil, &pipeline.InfrastructureError{
			Op:  op,
			Err: fmt.Errorf("command not runnable (exit %d): %s", exitCode, strings.TrimSpace(stderr)),
		}
	}

	parser, ok := r.parsers[cfg.Parser]
	if !ok {
		parser = r.parsers["generic"]
	}
	parsed := parser.Parse(stdout, stderr, exitCode)

	result := &Result{
		CheckName:  cfg.Name,
		Passed:     exitCode == 0 && parsed.Passed,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Summary:    parsed.Summary,
		Findings:   parsed.Findings,
		Stdout:     stdout,
		Stderr:     stderr,
	}
	r.logger.Debug("check finished",
		zap.String("check", cfg.Name),
		zap.String("dir", dir),
		zap.Bool("passed", result.Passed),
		zap.Int("exit_code", exitCode),
		zap.Int("duration_ms", durationMs),
		zap.String("summary", result.Summary),
	)
	return result, nil
}
