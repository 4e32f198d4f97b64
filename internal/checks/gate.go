package checks

import (
	"context"
	"fmt"
	"time"
)

// GateCheckResult holds the result of a single check within a gate run.
type GateCheckResult struct {
	Check   string `json:"check"`
	Passed  bool   `json:"passed"`
	Summary string `json:"summary,omitempty"`
}

// GateResult is the structured output of a full gate run.
type GateResult struct {
	Gate    string            `json:"gate"`
	Attempt int               `json:"attempt"`
	Passed  bool              `json:"passed"`
	Checks  []GateCheckResult `json:"checks"`
}

// GateOpts configures a gate run.
type GateOpts struct {
	Stage    string
	Attempt  int
	Path     string // artifact under test; placeholders in commands expand against it
	Checks   []GateCheckConfig
	Continue bool // run all checks even if some fail
}

// GateCheckConfig holds the config for a single check within a gate.
// Command may contain the {file}, {dir}, {name} and {stem} placeholders.
type GateCheckConfig struct {
	Name    string
	Command string
	Parser  string
	Timeout time.Duration
}

// RunGate executes all checks for a stage in dir and returns a structured
// result. Each check result is also returned individually for ledger logging.
// An infrastructure error from any check aborts the gate.
func (r *Runner) RunGate(ctx context.Context, dir string, opts GateOpts) (*GateResult, []*Result, error) {
	gate := &GateResult{
		Gate:    opts.Stage,
		Attempt: opts.Attempt,
		Passed:  true,
	}

	var allResults []*Result

	for _, chk := range opts.Checks {
		cfg := CheckConfig{
			Name:    chk.Name,
			Command: Expand(chk.Command, opts.Path),
			Parser:  chk.Parser,
			Timeout: chk.Timeout,
		}

		result, err := r.Run(ctx, dir, cfg)
		if err != nil {
			return nil, allResults, fmt.Errorf("run check %q: %w", chk.Name, err)
		}
		allResults = append(allResults, result)

		gate.Checks = append(gate.Checks, GateCheckResult{
			Check:   chk.Name,
			Passed:  result.Passed,
			Summary: result.Summary,
		})

		if !result.Passed {
			gate.Passed = false
			if !opts.Continue {
				break
			}
		}
	}

	return gate, allResults, nil
}
