package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/coderloop/internal/pipeline"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	Dir     string
	Command string
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Block    bool // wait for ctx to be done
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command})
	if m.callIdx >= len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	if r.Block {
		<-ctx.Done()
		return r.Stdout, r.Stderr, -1, nil
	}
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func TestRunner_Run_HappyPath(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "Success: no issues found in 1 source file", ExitCode: 0},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "mypy",
		Command: "mypy candidate.py",
		Parser:  "mypy",
		Timeout: 30 * time.Second,
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected passed=true, got false")
	}
	if result.CheckName != "mypy" {
		t.Errorf("expected check_name=mypy, got %q", result.CheckName)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.calls))
	}
	if mock.calls[0].Dir != "/tmp/test" {
		t.Errorf("expected dir=/tmp/test, got %q", mock.calls[0].Dir)
	}
	if mock.calls[0].Command != "mypy candidate.py" {
		t.Errorf("expected command=mypy candidate.py, got %q", mock.calls[0].Command)
	}
}

func TestRunner_Run_FailedCheck(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "candidate.py:3: error: boom\n", ExitCode: 1},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "mypy",
		Command: "mypy candidate.py",
		Parser:  "mypy",
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Errorf("expected passed=false, got true")
	}
	if result.ExitCode != 1 {
		t.Errorf("expected exit_code=1, got %d", result.ExitCode)
	}
	if result.Output() != "candidate.py:3: error: boom\n" {
		t.Errorf("output not verbatim: %q", result.Output())
	}
}

func TestRunner_Run_UnknownParserFallsToGeneric(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "output", ExitCode: 0},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "custom",
		Command: "custom-check",
		Parser:  "unknown-parser",
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Summary != "passed (exit code 0)" {
		t.Errorf("expected generic summary, got %q", result.Summary)
	}
}

func TestRunner_Run_CommandErrorIsInfrastructure(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Err: fmt.Errorf("fork/exec: resource temporarily unavailable")},
		},
	}
	runner := NewRunner(mock)

	_, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{Name: "mypy", Command: "mypy x.py"})

	var infra *pipeline.InfrastructureError
	if !errors.As(err, &infra) {
		t.Fatalf("expected InfrastructureError, got %v", err)
	}
	if infra.Timeout {
		t.Error("launch failure should not be reported as timeout")
	}
}

func TestRunner_Run_MissingToolIsInfrastructure(t *testing.T) {
	for _, code := range []int{126, 127} {
		mock := &mockCmd{
			results: []mockResult{
				{Stderr: "sh: 1: mypy: not found", ExitCode: code},
			},
		}
		runner := NewRunner(mock)

		_, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{Name: "mypy", Command: "mypy x.py"})

		var infra *pipeline.InfrastructureError
		if !errors.As(err, &infra) {
			t.Fatalf("exit %d: expected InfrastructureError, got %v", code, err)
		}
		if !strings.Contains(infra.Error(), "not found") {
			t.Errorf("error should carry stderr: %v", infra)
		}
	}
}

func TestRunner_Run_TimeoutIsInfrastructure(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Block: true},
		},
	}
	runner := NewRunner(mock)

	_, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "unittest",
		Command: "python -m unittest x.py",
		Timeout: 10 * time.Millisecond,
	})

	var infra *pipeline.InfrastructureError
	if !errors.As(err, &infra) {
		t.Fatalf("expected InfrastructureError, got %v", err)
	}
	if !infra.Timeout {
		t.Error("expected Timeout=true")
	}
}

func TestRunner_Run_ParentCancelIsNotTimeout(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Block: true},
		},
	}
	runner := NewRunner(mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx, "/tmp/test", CheckConfig{Name: "mypy", Command: "mypy x.py"})

	var infra *pipeline.InfrastructureError
	if !errors.As(err, &infra) {
		t.Fatalf("expected InfrastructureError, got %v", err)
	}
	if infra.Timeout {
		t.Error("cancellation should not be reported as timeout")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
}

func TestRunner_Run_DefaultTimeout(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{ExitCode: 0},
		},
	}
	runner := NewRunner(mock)

	// Timeout = 0 should use the default.
	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "lint",
		Command: "true",
		Parser:  "generic",
		Timeout: 0,
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected passed=true")
	}
}

func TestResultOutput(t *testing.T) {
	tests := []struct {
		stdout, stderr, want string
	}{
		{"out\n", "err\n", "out\nerr\n"},
		{"out", "err", "out\nerr"},
		{"", "err", "err"},
		{"out", "", "out"},
	}
	for _, tt := range tests {
		r := &Result{Stdout: tt.stdout, Stderr: tt.stderr}
		if got := r.Output(); got != tt.want {
			t.Errorf("Output(%q, %q) = %q, want %q", tt.stdout, tt.stderr, got, tt.want)
		}
	}
}

func TestExecRunner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := &ExecRunner{}
	stdout, stderr, code, err := e.Run(context.Background(), dir, "ls marker.txt; echo oops >&2; exit 3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if strings.TrimSpace(stdout) != "marker.txt" {
		t.Errorf("stdout = %q", stdout)
	}
	if strings.TrimSpace(stderr) != "oops" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestExecRunner_KilledOnTimeout(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	runner := NewRunner(&ExecRunner{})
	start := time.Now()
	_, err := runner.Run(context.Background(), t.TempDir(), CheckConfig{
		Name:    "sleep",
		Command: "sleep 10",
		Timeout: 100 * time.Millisecond,
	})
	var infra *pipeline.InfrastructureError
	if !errors.As(err, &infra) || !infra.Timeout {
		t.Fatalf("expected timeout InfrastructureError, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timed-out command was not killed promptly")
	}
}
