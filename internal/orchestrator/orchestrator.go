package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/coderloop/internal/agent"
	"github.com/lucasnoah/coderloop/internal/checks"
	"github.com/lucasnoah/coderloop/internal/db"
	"github.com/lucasnoah/coderloop/internal/extract"
	"github.com/lucasnoah/coderloop/internal/llm"
	"github.com/lucasnoah/coderloop/internal/metrics"
	"github.com/lucasnoah/coderloop/internal/pipeline"
	"github.com/lucasnoah/coderloop/internal/stage"
)

// Ledger records run lifecycle and stage transitions. *db.DB satisfies it.
type Ledger interface {
	stage.Ledger
	CreateRun(id, label, backend, model string, budget int) error
	FinishRun(id, status, failureStage, failureKind string, attemptsUsed int) error
}

// Components are the collaborators a run needs. Ledger, Metrics, Logger and
// Progress are optional.
type Components struct {
	Store      *pipeline.Store
	Engine     *stage.Engine
	Programmer *agent.Programmer
	Designer   *agent.TestDesigner
	Static     checks.Verifier
	Dynamic    checks.Verifier
	Stubber    extract.StubExtractor
	Ledger     Ledger
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Progress   io.Writer
}

// Orchestrator composes the stages of a run: static verification of the code,
// test generation from its stub, static verification of code and tests
// together, then dynamic verification.
type Orchestrator struct {
	Components
	stubMode string
	stubExt  string
}

// New creates an Orchestrator.
func New(c Components) *Orchestrator {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return &Orchestrator{Components: c, stubMode: "treesitter", stubExt: ".pyi"}
}

// SetStubArtifact names the stub mode for metrics and the extension used when
// persisting the stub.
func (o *Orchestrator) SetStubArtifact(mode, ext string) {
	if mode != "" {
		o.stubMode = mode
	}
	if ext != "" {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		o.stubExt = ext
	}
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.Progress != nil {
		fmt.Fprintf(o.Progress, format+"\n", args...)
	}
}

// RunOpts describes one run.
type RunOpts struct {
	ID          string // generated when empty
	Problem     string
	Label       string
	Backend     string
	Model       string
	Budget      int // repairs allowed per stage instance
	Interactive bool
	Separator   string
}

// Result is the terminal state of a run.
type Result struct {
	RunID    string            `json:"run_id"`
	Status   string            `json:"status"`
	Code     string            `json:"code,omitempty"`
	Tests    string            `json:"tests,omitempty"`
	Success  *pipeline.Success `json:"success,omitempty"`
	Failure  *pipeline.Failure `json:"failure,omitempty"`
	Stages   []*stage.Result   `json:"stages"`
	Duration time.Duration     `json:"duration"`
}

// Succeeded reports whether every stage passed.
func (r *Result) Succeeded() bool { return r.Status == pipeline.StatusSucceeded }

// Run drives a problem through every stage. Budget exhaustion is a normal
// outcome: the Result carries the Failure and the error is nil. Any other
// failure returns both the Result and a typed error.
func (o *Orchestrator) Run(ctx context.Context, opts RunOpts) (*Result, error) {
	if strings.TrimSpace(opts.Problem) == "" {
		return nil, fmt.Errorf("problem statement is empty")
	}
	if opts.Budget < 0 {
		return nil, fmt.Errorf("invalid budget %d: must be non-negative", opts.Budget)
	}
	sep := opts.Separator
	if sep == "" {
		sep = pipeline.DefaultSeparator
	}

	start := time.Now()
	run, err := o.Store.Create(pipeline.CreateOpts{
		ID:          opts.ID,
		Problem:     opts.Problem,
		Label:       opts.Label,
		Backend:     opts.Backend,
		Model:       opts.Model,
		Budget:      opts.Budget,
		Interactive: opts.Interactive,
		Separator:   sep,
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	runID := run.ID
	log := o.Logger.With(zap.String("run_id", runID))
	res := &Result{RunID: runID, Status: pipeline.StatusInProgress}

	if o.Ledger != nil {
		if err := o.Ledger.CreateRun(runID, opts.Label, opts.Backend, opts.Model, opts.Budget); err != nil {
			log.Warn("ledger write failed", zap.Error(err))
		}
	}
	if err := o.Store.Update(runID, func(r *pipeline.PipelineRun) {
		r.Status = pipeline.StatusInProgress
	}); err != nil {
		return nil, &pipeline.InfrastructureError{Op: "update run record", Err: err}
	}
	log.Info("run started", zap.String("backend", opts.Backend), zap.String("model", opts.Model), zap.Int("budget", opts.Budget))

	// Stage 1: static verification of the code alone.
	o.logf("Type checking code...")
	codeRes, err := o.Engine.Run(ctx, runID, stage.Definition{
		Name:     pipeline.StageStatic,
		Kind:     pipeline.KindCode,
		Verifier: o.Static,
		Budget:   opts.Budget,
		Generate: func(ctx context.Context) (*stage.Proposal, error) {
			ex, err := o.Programmer.Generate(ctx, opts.Problem)
			return proposal(ex, err)
		},
		Repair: func(ctx context.Context, failing *pipeline.Candidate, diag *pipeline.Diagnostic) (*stage.Proposal, error) {
			ex, err := o.Programmer.Repair(ctx, agent.RepairInput{
				Problem:    opts.Problem,
				Code:       failing.Text,
				Diagnostic: diag.Text,
				Mode:       agent.ModeStatic,
			})
			return proposal(ex, err)
		},
	})
	if done, out, err := o.settle(runID, start, res, codeRes, err); done {
		return out, err
	}
	code := codeRes.Candidate.Text

	// Stub of the passing code, then tests written against it.
	stub, err := o.Stubber.Stub(ctx, codeRes.Candidate.Path)
	if err != nil {
		o.Metrics.RecordStubFailure(o.stubMode)
		var infra *pipeline.InfrastructureError
		if !errors.As(err, &infra) {
			err = &pipeline.PreconditionError{Stage: pipeline.StageStatic, Err: fmt.Errorf("derive stub: %w", err)}
		}
		return o.abort(runID, start, res, pipeline.StageStatic, codeRes.AttemptsUsed, err)
	}
	if _, err := o.Store.SaveTestsArtifact(runID, "stub"+o.stubExt, stub); err != nil {
		return o.abort(runID, start, res, pipeline.StageTests, 0, &pipeline.InfrastructureError{Op: "save stub", Err: err})
	}

	o.logf("Writing tests...")
	ex, err := o.Designer.Design(ctx, opts.Problem, stub)
	if err != nil {
		return o.abort(runID, start, res, pipeline.StageTests, 0, &pipeline.GenerationError{Stage: pipeline.StageTests, Err: err})
	}
	tests := ex.Text
	if err := o.saveTests(runID, ex); err != nil {
		return o.abort(runID, start, res, pipeline.StageTests, 0, err)
	}
	o.event(log, runID, pipeline.StageTests, db.EventGenerate, fmt.Sprintf("%d bytes", len(tests)))

	// Stage 2: static verification of code and tests together. A repair may
	// rewrite either half. A response without the separator is paired with
	// goodTests, the generated tests, since no rewrite has passed a check yet.
	goodTests := tests
	o.logf("Type checking code and tests...")
	combinedRes, err := o.Engine.Run(ctx, runID, stage.Definition{
		Name:     pipeline.StageStaticCombined,
		Kind:     pipeline.KindCodeAndTests,
		Verifier: o.Static,
		Budget:   opts.Budget,
		Initial:  &stage.Proposal{Text: pipeline.Combine(code, tests, sep)},
		Repair: func(ctx context.Context, failing *pipeline.Candidate, diag *pipeline.Diagnostic) (*stage.Proposal, error) {
			ex, err := o.Programmer.Repair(ctx, agent.RepairInput{
				Problem:    opts.Problem,
				Code:       failing.Text,
				Diagnostic: diag.Text,
				Mode:       agent.ModeStatic,
				Separator:  sep,
			})
			p, err := proposal(ex, err)
			if err != nil {
				return nil, err
			}
			combined, newCode, _, fellBack := pipeline.Reassemble(p.Text, goodTests, sep)
			if newCode == "" {
				return nil, &pipeline.GenerationError{Stage: pipeline.StageStaticCombined, Err: fmt.Errorf("repair returned tests without code: %w", llm.ErrEmptyResponse)}
			}
			if fellBack {
				o.Metrics.RecordSplitFallback()
				log.Info("separator not found once in repair, keeping the generated tests", zap.Int("attempt", failing.Attempt+1))
			}
			p.Text = combined
			return p, nil
		},
	})
	if done, out, err := o.settle(runID, start, res, combinedRes, err); done {
		return out, err
	}
	if c, t, ok := pipeline.Split(combinedRes.Candidate.Text, sep); ok {
		code, tests = strings.TrimSpace(c), strings.TrimSpace(t)
	}

	// Stage 3: run the tests. The tests are fixed; only the code is repaired.
	o.logf("Running tests...")
	dynRes, err := o.Engine.Run(ctx, runID, stage.Definition{
		Name:     pipeline.StageDynamic,
		Kind:     pipeline.KindCodeAndTests,
		Verifier: o.Dynamic,
		Budget:   opts.Budget,
		Initial:  &stage.Proposal{Text: pipeline.Combine(code, tests, sep)},
		Repair: func(ctx context.Context, failing *pipeline.Candidate, diag *pipeline.Diagnostic) (*stage.Proposal, error) {
			ex, err := o.Programmer.Repair(ctx, agent.RepairInput{
				Problem:    opts.Problem,
				Code:       code,
				Tests:      tests,
				Diagnostic: diag.Text,
				Mode:       agent.ModeDynamic,
			})
			p, err := proposal(ex, err)
			if err != nil {
				return nil, err
			}
			_, newCode, _, _ := pipeline.Reassemble(p.Text, tests, sep)
			if newCode == "" {
				return nil, &pipeline.GenerationError{Stage: pipeline.StageDynamic, Err: fmt.Errorf("repair returned tests without code: %w", llm.ErrEmptyResponse)}
			}
			code = newCode
			p.Text = pipeline.Combine(code, tests, sep)
			return p, nil
		},
	})
	if done, out, err := o.settle(runID, start, res, dynRes, err); done {
		return out, err
	}

	return o.succeed(runID, start, res, code, tests, dynRes.Candidate.Text)
}

// proposal converts an agent exchange into a stage proposal.
func proposal(ex *agent.Exchange, err error) (*stage.Proposal, error) {
	if err != nil {
		return nil, err
	}
	return &stage.Proposal{Text: ex.Text, Prompt: ex.Prompt, Response: ex.Response}, nil
}

func (o *Orchestrator) saveTests(runID string, ex *agent.Exchange) error {
	for name, content := range map[string]string{
		"prompt.md":                   ex.Prompt,
		"response.md":                 ex.Response,
		"tests" + o.Store.SourceExt(): ex.Text + "\n",
	} {
		if _, err := o.Store.SaveTestsArtifact(runID, name, content); err != nil {
			return &pipeline.InfrastructureError{Op: "save tests", Err: err}
		}
	}
	return nil
}

// settle appends a stage result and ends the run when the stage did not pass.
// done is false when the run should continue.
func (o *Orchestrator) settle(runID string, start time.Time, res *Result, sr *stage.Result, err error) (done bool, out *Result, outErr error) {
	if sr != nil {
		res.Stages = append(res.Stages, sr)
	}
	if err != nil {
		stageName, used := "", 0
		if sr != nil {
			stageName, used = sr.Stage, sr.AttemptsUsed
		}
		out, outErr = o.abort(runID, start, res, stageName, used, err)
		return true, out, outErr
	}
	if !sr.Done() {
		o.logf("Failed %s after %d repairs.", sr.Stage, sr.AttemptsUsed)
		out, outErr = o.finishFailure(runID, start, res, &pipeline.Failure{
			Stage:        sr.Stage,
			AttemptsUsed: sr.AttemptsUsed,
			Kind:         pipeline.FailureBudgetExhausted,
			Message:      sr.Verdict.Summary,
		})
		return true, out, outErr
	}
	return false, nil, nil
}

// abort ends the run on a typed error and returns it alongside the result.
func (o *Orchestrator) abort(runID string, start time.Time, res *Result, stageName string, used int, cause error) (*Result, error) {
	out, err := o.finishFailure(runID, start, res, &pipeline.Failure{
		Stage:        stageName,
		AttemptsUsed: used,
		Kind:         pipeline.ClassifyFailure(cause),
		Message:      cause.Error(),
	})
	if err != nil {
		return out, errors.Join(cause, err)
	}
	return out, cause
}

func (o *Orchestrator) finishFailure(runID string, start time.Time, res *Result, f *pipeline.Failure) (*Result, error) {
	res.Status = pipeline.StatusFailed
	res.Failure = f
	res.Duration = time.Since(start)

	o.Metrics.RecordRun(string(f.Kind), res.Duration)
	if o.Ledger != nil {
		if err := o.Ledger.FinishRun(runID, pipeline.StatusFailed, f.Stage, string(f.Kind), f.AttemptsUsed); err != nil {
			o.Logger.Warn("ledger write failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	o.Logger.Info("run failed",
		zap.String("run_id", runID),
		zap.String("stage", f.Stage),
		zap.String("kind", string(f.Kind)),
		zap.Int("attempts_used", f.AttemptsUsed),
		zap.Duration("duration", res.Duration),
	)
	if err := o.Store.Update(runID, func(r *pipeline.PipelineRun) {
		r.Status = pipeline.StatusFailed
		r.Failure = f
	}); err != nil {
		return res, &pipeline.InfrastructureError{Op: "update run record", Err: err}
	}
	return res, nil
}

func (o *Orchestrator) succeed(runID string, start time.Time, res *Result, code, tests, final string) (*Result, error) {
	ext := o.Store.SourceExt()
	success := &pipeline.Success{}
	for _, a := range []struct {
		name    string
		content string
		path    *string
	}{
		{"code" + ext, code, &success.CodePath},
		{"tests" + ext, tests, &success.TestsPath},
		{"solution" + ext, final, &success.FinalPath},
	} {
		content := a.content
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		p, err := o.Store.SaveFinal(runID, a.name, content)
		if err != nil {
			return o.abort(runID, start, res, pipeline.StageDynamic, 0, &pipeline.InfrastructureError{Op: "save final", Err: err})
		}
		*a.path = p
	}

	res.Status = pipeline.StatusSucceeded
	res.Code = code
	res.Tests = tests
	res.Success = success
	res.Duration = time.Since(start)

	repairs := 0
	for _, s := range res.Stages {
		repairs += s.AttemptsUsed
	}
	if err := o.Store.Update(runID, func(r *pipeline.PipelineRun) {
		r.Status = pipeline.StatusSucceeded
		r.Success = success
	}); err != nil {
		return res, &pipeline.InfrastructureError{Op: "update run record", Err: err}
	}
	o.Metrics.RecordRun(pipeline.StatusSucceeded, res.Duration)
	if o.Ledger != nil {
		if err := o.Ledger.FinishRun(runID, pipeline.StatusSucceeded, "", "", repairs); err != nil {
			o.Logger.Warn("ledger write failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	o.Logger.Info("run succeeded", zap.String("run_id", runID), zap.Int("repairs", repairs), zap.Duration("duration", res.Duration))

	o.logf("The tests passed after %d repairs.", res.Stages[len(res.Stages)-1].AttemptsUsed)
	o.logf("The final code is:\n\n%s", code)
	return res, nil
}

func (o *Orchestrator) event(log *zap.Logger, runID, stageName, event, detail string) {
	if o.Ledger == nil {
		return
	}
	if err := o.Ledger.LogStageEvent(runID, stageName, 0, event, detail); err != nil {
		log.Warn("ledger write failed", zap.String("event", event), zap.Error(err))
	}
}
