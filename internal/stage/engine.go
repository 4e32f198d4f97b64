package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/lucasnoah/coderloop/internal/checks"
	"github.com/lucasnoah/coderloop/internal/db"
	"github.com/lucasnoah/coderloop/internal/metrics"
	"github.com/lucasnoah/coderloop/internal/pipeline"
)

// State is a node of the per-stage state machine.
type State string

const (
	StateGenerate    State = "GENERATE"
	StateVerify      State = "VERIFY"
	StateRepair      State = "REPAIR"
	StateStageDone   State = "STAGE_DONE"
	StateStageFailed State = "STAGE_FAILED"
)

// Proposal is candidate text together with the exchange that produced it.
// Prompt and Response are persisted when non-empty.
type Proposal struct {
	Text     string
	Prompt   string
	Response string
}

// GenerateFunc produces the first candidate of a stage.
type GenerateFunc func(ctx context.Context) (*Proposal, error)

// RepairFunc produces a new candidate from the failing one and its diagnostic.
type RepairFunc func(ctx context.Context, failing *pipeline.Candidate, diag *pipeline.Diagnostic) (*Proposal, error)

// Checkpoint is consulted after every GENERATE and REPAIR and before VERIFY.
// Returning false aborts the run.
type Checkpoint func(ctx context.Context, c *pipeline.Candidate) (bool, error)

// Ledger receives every transition and verifier invocation. *db.DB satisfies it.
type Ledger interface {
	LogStageEvent(runID, stage string, attempt int, event, detail string) error
	LogVerifierRun(runID, stage string, attempt int, verifier, checkName string, passed bool, exitCode int, durationMs int64, summary string) error
}

// Definition describes one stage instance.
type Definition struct {
	Name     string
	Kind     pipeline.Kind
	Verifier checks.Verifier
	// Budget is the maximum number of repairs; the verifier runs at most
	// Budget+1 times.
	Budget int
	// Initial is accepted as attempt 0 when set; otherwise Generate is called.
	Initial  *Proposal
	Generate GenerateFunc
	Repair   RepairFunc
}

// Result is the outcome of a stage that reached STAGE_DONE or STAGE_FAILED.
type Result struct {
	Stage        string              `json:"stage"`
	State        State               `json:"state"`
	Candidate    *pipeline.Candidate `json:"candidate"`
	Verdict      *pipeline.Verdict   `json:"verdict"`
	AttemptsUsed int                 `json:"attempts_used"`
	Transitions  []State             `json:"transitions"`
	Duration     time.Duration       `json:"duration"`
}

// Done reports whether the stage passed.
func (r *Result) Done() bool { return r.State == StateStageDone }

// Engine runs the GENERATE → VERIFY → REPAIR loop of a single stage.
type Engine struct {
	store      *pipeline.Store
	ledger     Ledger
	metrics    *metrics.Metrics
	logger     *zap.Logger
	progress   io.Writer // live progress output; nil = silent
	showDiag   bool
	checkpoint Checkpoint
}

// NewEngine creates a stage engine. ledger and m may be nil.
func NewEngine(store *pipeline.Store, ledger Ledger, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, ledger: ledger, metrics: m, logger: logger}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Engine) SetProgress(w io.Writer) {
	e.progress = w
}

// SetShowDiagnostics prints failing verifier output, indented, to the progress writer.
func (e *Engine) SetShowDiagnostics(show bool) {
	e.showDiag = show
}

// SetCheckpoint installs an interactive checkpoint.
func (e *Engine) SetCheckpoint(cp Checkpoint) {
	e.checkpoint = cp
}

// logf prints a progress line if a progress writer is configured.
func (e *Engine) logf(format string, args ...interface{}) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// Run drives one stage to STAGE_DONE or STAGE_FAILED. A failed stage is not
// an error. Errors are *pipeline.GenerationError, *pipeline.InfrastructureError
// or pipeline.ErrAborted; the returned Result then reflects the progress made.
func (e *Engine) Run(ctx context.Context, runID string, def Definition) (*Result, error) {
	if def.Verifier == nil {
		return nil, fmt.Errorf("stage %s: no verifier", def.Name)
	}
	if def.Budget < 0 {
		return nil, fmt.Errorf("stage %s: negative budget %d", def.Name, def.Budget)
	}
	if def.Repair == nil && def.Budget > 0 {
		return nil, fmt.Errorf("stage %s: budget %d without a repair step", def.Name, def.Budget)
	}

	start := time.Now()
	log := e.logger.With(zap.String("run_id", runID), zap.String("stage", def.Name))
	res := &Result{Stage: def.Name}
	enter := func(s State) {
		res.Transitions = append(res.Transitions, s)
		log.Debug("stage transition", zap.String("state", string(s)), zap.Int("attempt", res.AttemptsUsed))
	}

	if err := e.store.Update(runID, func(r *pipeline.PipelineRun) {
		r.Stages = append(r.Stages, pipeline.StageRecord{
			Stage:    def.Name,
			Verifier: def.Verifier.Kind(),
			Budget:   def.Budget,
			Attempts: []pipeline.AttemptRecord{},
		})
	}); err != nil {
		return nil, &pipeline.InfrastructureError{Op: "update run record", Err: err}
	}

	enter(StateGenerate)
	prop := def.Initial
	if prop == nil {
		if def.Generate == nil {
			return nil, fmt.Errorf("stage %s: neither initial candidate nor generator", def.Name)
		}
		e.logf("%s: generating candidate", def.Name)
		var err error
		prop, err = def.Generate(ctx)
		if err != nil {
			return e.fail(res, start, log, generationError(def.Name, err))
		}
	}
	cand, err := e.accept(runID, def, 0, prop)
	if err != nil {
		return e.fail(res, start, log, err)
	}
	res.Candidate = cand
	e.event(log, runID, def.Name, 0, db.EventGenerate, fmt.Sprintf("%d bytes", len(cand.Text)))

	attempt := 0
	for {
		if err := e.confirm(ctx, log, runID, cand); err != nil {
			return e.fail(res, start, log, err)
		}

		enter(StateVerify)
		verdict, err := e.verify(ctx, log, runID, def, cand)
		if err != nil {
			return e.fail(res, start, log, err)
		}
		res.Verdict = verdict

		if verdict.Passed {
			enter(StateStageDone)
			return e.finish(res, start, log, runID, def.Name, StateStageDone)
		}
		if attempt >= def.Budget {
			enter(StateStageFailed)
			return e.finish(res, start, log, runID, def.Name, StateStageFailed)
		}

		enter(StateRepair)
		e.logf("%s: repairing attempt %d (%d of %d repairs)", def.Name, attempt, attempt+1, def.Budget)
		prop, err := def.Repair(ctx, cand, verdict.Diagnostic)
		if err != nil {
			return e.fail(res, start, log, generationError(def.Name, err))
		}
		attempt++
		res.AttemptsUsed = attempt
		e.metrics.RecordRepair(def.Name)

		cand, err = e.accept(runID, def, attempt, prop)
		if err != nil {
			return e.fail(res, start, log, err)
		}
		res.Candidate = cand
		e.event(log, runID, def.Name, attempt, db.EventRepair, fmt.Sprintf("%d bytes", len(cand.Text)))
	}
}

// accept persists a proposal as the candidate for attempt.
func (e *Engine) accept(runID string, def Definition, attempt int, prop *Proposal) (*pipeline.Candidate, error) {
	cand := &pipeline.Candidate{
		RunID:   runID,
		Stage:   def.Name,
		Kind:    def.Kind,
		Attempt: attempt,
		Text:    prop.Text,
	}
	if err := e.store.SaveCandidate(cand); err != nil {
		return nil, &pipeline.InfrastructureError{Op: "save candidate", Err: err}
	}
	if prop.Prompt != "" || prop.Response != "" {
		if err := e.store.SaveExchange(runID, def.Name, attempt, prop.Prompt, prop.Response); err != nil {
			return nil, &pipeline.InfrastructureError{Op: "save exchange", Err: err}
		}
	}
	return cand, nil
}

func (e *Engine) confirm(ctx context.Context, log *zap.Logger, runID string, cand *pipeline.Candidate) error {
	if e.checkpoint == nil {
		return nil
	}
	ok, err := e.checkpoint(ctx, cand)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if !ok {
		e.logf("%s: aborted at attempt %d", cand.Stage, cand.Attempt)
		e.event(log, runID, cand.Stage, cand.Attempt, db.EventAborted, "declined at checkpoint")
		return pipeline.ErrAborted
	}
	return nil
}

// verify runs the verifier and persists the verdict and diagnostic before
// returning, so control flow never acts on unrecorded output.
func (e *Engine) verify(ctx context.Context, log *zap.Logger, runID string, def Definition, cand *pipeline.Candidate) (*pipeline.Verdict, error) {
	kind := string(def.Verifier.Kind())
	verdict, err := def.Verifier.Verify(ctx, cand.Path)
	if err != nil {
		e.metrics.RecordVerifier(kind, "error", 0)
		e.logf("%s: verify attempt %d: %s (%v)", def.Name, cand.Attempt, color.YellowString("ERROR"), err)
		var infra *pipeline.InfrastructureError
		if !errors.As(err, &infra) {
			err = &pipeline.InfrastructureError{Op: "verify " + def.Name, Err: err}
		}
		return nil, err
	}

	result := "pass"
	if !verdict.Passed {
		result = "fail"
	}
	e.metrics.RecordVerifier(kind, result, verdict.Duration)

	if verdict.Diagnostic != nil {
		verdict.Diagnostic.Stage = def.Name
		verdict.Diagnostic.Attempt = cand.Attempt
		if err := e.store.SaveDiagnostic(runID, verdict.Diagnostic); err != nil {
			return nil, &pipeline.InfrastructureError{Op: "save diagnostic", Err: err}
		}
	}
	if err := e.store.SaveVerdict(runID, def.Name, cand.Attempt, verdict); err != nil {
		return nil, &pipeline.InfrastructureError{Op: "save verdict", Err: err}
	}

	rec := pipeline.AttemptRecord{
		Attempt:       cand.Attempt,
		Kind:          cand.Kind,
		CandidatePath: cand.Path,
		Passed:        verdict.Passed,
		Summary:       verdict.Summary,
		DurationMs:    verdict.Duration.Milliseconds(),
	}
	if verdict.Diagnostic != nil {
		rec.DiagnosticPath = verdict.Diagnostic.Path
	}
	if err := e.store.Update(runID, func(r *pipeline.PipelineRun) {
		if s := r.Stage(def.Name); s != nil {
			s.Attempts = append(s.Attempts, rec)
		}
	}); err != nil {
		return nil, &pipeline.InfrastructureError{Op: "update run record", Err: err}
	}

	if e.ledger != nil {
		if err := e.ledger.LogVerifierRun(runID, def.Name, cand.Attempt, kind, verdict.Check,
			verdict.Passed, verdict.ExitCode, verdict.Duration.Milliseconds(), verdict.Summary); err != nil {
			log.Warn("ledger write failed", zap.Error(err))
		}
	}
	e.event(log, runID, def.Name, cand.Attempt, db.EventVerify, result+": "+verdict.Summary)

	status := color.GreenString("PASS")
	if !verdict.Passed {
		status = color.RedString("FAIL")
	}
	e.logf("%s: verify attempt %d: %s (%s, %dms)", def.Name, cand.Attempt, status, verdict.Summary, verdict.Duration.Milliseconds())
	if e.showDiag && verdict.Diagnostic != nil && e.progress != nil {
		fmt.Fprintln(e.progress, indent(verdict.Diagnostic.Text, "      "))
	}
	log.Info("verified candidate",
		zap.Int("attempt", cand.Attempt),
		zap.Bool("passed", verdict.Passed),
		zap.String("summary", verdict.Summary),
		zap.Duration("duration", verdict.Duration),
	)
	return verdict, nil
}

// finish records a terminal stage state.
func (e *Engine) finish(res *Result, start time.Time, log *zap.Logger, runID, stage string, state State) (*Result, error) {
	res.State = state
	res.Duration = time.Since(start)

	outcome, event := "done", db.EventStageDone
	if state == StateStageFailed {
		outcome, event = "failed", db.EventStageFailed
	}
	if err := e.store.Update(runID, func(r *pipeline.PipelineRun) {
		if s := r.Stage(stage); s != nil {
			s.Outcome = outcome
			s.AttemptsUsed = res.AttemptsUsed
		}
	}); err != nil {
		return res, &pipeline.InfrastructureError{Op: "update run record", Err: err}
	}
	e.metrics.RecordStage(stage, outcome)
	e.event(log, runID, stage, res.AttemptsUsed, event, fmt.Sprintf("repairs=%d", res.AttemptsUsed))

	if state == StateStageDone {
		e.logf("%s: passed after %d repairs", stage, res.AttemptsUsed)
	} else {
		e.logf("%s: failed after %d repairs, budget exhausted", stage, res.AttemptsUsed)
	}
	log.Info("stage finished", zap.String("outcome", outcome), zap.Int("attempts_used", res.AttemptsUsed), zap.Duration("duration", res.Duration))
	return res, nil
}

// fail ends the stage with an error that is not a verifier verdict.
func (e *Engine) fail(res *Result, start time.Time, log *zap.Logger, err error) (*Result, error) {
	res.Duration = time.Since(start)
	e.metrics.RecordStage(res.Stage, string(pipeline.ClassifyFailure(err)))
	log.Warn("stage aborted", zap.Int("attempts_used", res.AttemptsUsed), zap.Error(err))
	return res, err
}

func (e *Engine) event(log *zap.Logger, runID, stage string, attempt int, event, detail string) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.LogStageEvent(runID, stage, attempt, event, detail); err != nil {
		log.Warn("ledger write failed", zap.String("event", event), zap.Error(err))
	}
}

func generationError(stage string, err error) error {
	var genErr *pipeline.GenerationError
	if errors.As(err, &genErr) {
		return err
	}
	return &pipeline.GenerationError{Stage: stage, Err: err}
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
