package checks

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/coderloop/internal/pipeline"
)

// Verifier judges one artifact on disk. A returned error is always an
// infrastructure problem; a failing artifact is a Verdict with Passed=false.
type Verifier interface {
	Kind() pipeline.VerifierKind
	Verify(ctx context.Context, path string) (*pipeline.Verdict, error)
}

// CommandVerifier runs an ordered gate of external checks in the artifact's
// directory. Default gates stop at the first failing check.
type CommandVerifier struct {
	kind      pipeline.VerifierKind
	runner    *Runner
	checks    []GateCheckConfig
	keepGoing bool
}

// NewCommandVerifier builds a verifier of the given kind over checks.
func NewCommandVerifier(kind pipeline.VerifierKind, runner *Runner, checks []GateCheckConfig) *CommandVerifier {
	return &CommandVerifier{kind: kind, runner: runner, checks: checks}
}

// SetContinueOnFailure makes the verifier run every check even after one
// fails; the diagnostic then holds the output of each failing check.
func (v *CommandVerifier) SetContinueOnFailure(b bool) {
	v.keepGoing = b
}

func (v *CommandVerifier) Kind() pipeline.VerifierKind { return v.kind }

func (v *CommandVerifier) Verify(ctx context.Context, path string) (*pipeline.Verdict, error) {
	start := time.Now()
	gate, results, err := v.runner.RunGate(ctx, filepath.Dir(path), GateOpts{
		Stage:    string(v.kind),
		Path:     path,
		Checks:   v.checks,
		Continue: v.keepGoing,
	})
	if err != nil {
		return nil, err
	}

	verdict := &pipeline.Verdict{
		Passed:   gate.Passed,
		Duration: time.Since(start),
	}
	var summaries, outputs []string
	for _, res := range results {
		if gate.Passed {
			summaries = append(summaries, res.Summary)
			continue
		}
		if res.Passed {
			continue
		}
		if verdict.Check == "" {
			verdict.Check = res.CheckName
			verdict.ExitCode = res.ExitCode
		}
		summaries = append(summaries, res.CheckName+": "+res.Summary)
		outputs = append(outputs, res.Output())
	}
	verdict.Summary = strings.Join(summaries, "; ")
	if !gate.Passed {
		verdict.Diagnostic = &pipeline.Diagnostic{
			Verifier: v.kind,
			Text:     strings.Join(outputs, "\n"),
		}
	}
	return verdict, nil
}
