package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/coderloop/internal/orchestrator"
	"github.com/lucasnoah/coderloop/internal/pipeline"
)

// SolveFunc runs one problem through the pipeline.
type SolveFunc func(ctx context.Context, p Problem) (*orchestrator.Result, error)

// Outcome is the per-problem record of a benchmark.
type Outcome struct {
	TaskID   string
	RunID    string
	Passed   bool
	Kind     pipeline.FailureKind // empty on success
	Err      error
	Duration time.Duration
}

// Report aggregates a benchmark.
type Report struct {
	Samples  []Sample
	Outcomes []Outcome
	Passed   int
	Failed   int
	Errored  int
	Duration time.Duration
}

// Harness replays problems with bounded parallelism.
type Harness struct {
	solve    SolveFunc
	parallel int
	logger   *zap.Logger
	progress io.Writer
	mu       sync.Mutex
}

// NewHarness creates a harness running at most parallel problems at once.
func NewHarness(solve SolveFunc, parallel int, logger *zap.Logger) *Harness {
	if parallel < 1 {
		parallel = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{solve: solve, parallel: parallel, logger: logger}
}

// SetProgress sets a writer for one line per finished problem.
func (h *Harness) SetProgress(w io.Writer) {
	h.progress = w
}

// Run solves every problem. A problem that fails for any reason gets an
// empty completion; only cancellation of ctx stops the benchmark early.
// Samples keep corpus order.
func (h *Harness) Run(ctx context.Context, problems []Problem) (*Report, error) {
	start := time.Now()
	outcomes := make([]Outcome, len(problems))
	samples := make([]Sample, len(problems))

	var done int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.parallel)

	for i, p := range problems {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, completion := h.solveOne(gctx, p)
			outcomes[i] = out
			samples[i] = Sample{TaskID: p.TaskID, Completion: completion}

			h.mu.Lock()
			done++
			h.report(done, len(problems), out)
			h.mu.Unlock()

			if errors.Is(out.Err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("benchmark interrupted: %w", err)
	}

	rep := &Report{Samples: samples, Outcomes: outcomes, Duration: time.Since(start)}
	for _, o := range outcomes {
		switch {
		case o.Passed:
			rep.Passed++
		case o.Err != nil:
			rep.Errored++
		default:
			rep.Failed++
		}
	}
	h.logger.Info("benchmark finished",
		zap.Int("problems", len(problems)),
		zap.Int("passed", rep.Passed),
		zap.Int("failed", rep.Failed),
		zap.Int("errored", rep.Errored),
		zap.Duration("duration", rep.Duration),
	)
	return rep, nil
}

func (h *Harness) solveOne(ctx context.Context, p Problem) (Outcome, string) {
	start := time.Now()
	out := Outcome{TaskID: p.TaskID}
	res, err := h.solve(ctx, p)
	out.Duration = time.Since(start)
	out.Err = err
	if res != nil {
		out.RunID = res.RunID
		if res.Failure != nil {
			out.Kind = res.Failure.Kind
		}
	}
	if err != nil {
		h.logger.Warn("problem errored",
			zap.String("task_id", p.TaskID),
			zap.String("run_id", out.RunID),
			zap.Error(err),
		)
		return out, ""
	}
	if res == nil || !res.Succeeded() {
		return out, ""
	}
	out.Passed = true
	return out, res.Code
}

func (h *Harness) report(done, total int, o Outcome) {
	if h.progress == nil {
		return
	}
	status := "passed"
	switch {
	case o.Err != nil:
		status = "error: " + o.Err.Error()
	case !o.Passed:
		status = "failed"
		if o.Kind != "" {
			status += " (" + string(o.Kind) + ")"
		}
	}
	fmt.Fprintf(h.progress, "[%d/%d] %s: %s in %s\n", done, total, o.TaskID, status, o.Duration.Round(time.Millisecond))
}
