package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/coderloop/internal/db"
	"github.com/lucasnoah/coderloop/internal/pipeline"
)

// --- fakes ---

// fakeVerifier passes from attempt passAt on (never when passAt < 0) and
// records the file contents it was asked to verify.
type fakeVerifier struct {
	kind   pipeline.VerifierKind
	passAt int
	err    error
	seen   []string
}

func (v *fakeVerifier) Kind() pipeline.VerifierKind { return v.kind }

func (v *fakeVerifier) Verify(ctx context.Context, path string) (*pipeline.Verdict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v.seen = append(v.seen, string(data))
	if v.err != nil {
		return nil, v.err
	}
	attempt := len(v.seen) - 1
	if v.passAt >= 0 && attempt >= v.passAt {
		return &pipeline.Verdict{Passed: true, Summary: "ok", Duration: time.Millisecond}, nil
	}
	return &pipeline.Verdict{
		Passed:     false,
		Summary:    "1 error",
		ExitCode:   1,
		Check:      "fake",
		Duration:   time.Millisecond,
		Diagnostic: &pipeline.Diagnostic{Verifier: v.kind, Text: fmt.Sprintf("error in attempt %d", attempt)},
	}, nil
}

type ledgerEntry struct {
	stage   string
	attempt int
	event   string
}

type fakeLedger struct {
	events   []ledgerEntry
	verifies int
}

func (l *fakeLedger) LogStageEvent(runID, stage string, attempt int, event, detail string) error {
	l.events = append(l.events, ledgerEntry{stage, attempt, event})
	return nil
}

func (l *fakeLedger) LogVerifierRun(runID, stage string, attempt int, verifier, checkName string, passed bool, exitCode int, durationMs int64, summary string) error {
	l.verifies++
	return nil
}

// repairer numbers its candidates and records the diagnostics it was given.
type repairer struct {
	calls int
	diags []string
	from  []string
	err   error
}

func (r *repairer) repair(ctx context.Context, failing *pipeline.Candidate, diag *pipeline.Diagnostic) (*Proposal, error) {
	r.calls++
	r.diags = append(r.diags, diag.Text)
	r.from = append(r.from, failing.Text)
	if r.err != nil {
		return nil, r.err
	}
	return &Proposal{Text: fmt.Sprintf("x = %d", r.calls), Prompt: "fix it", Response: "ok"}, nil
}

func generateOK(ctx context.Context) (*Proposal, error) {
	return &Proposal{Text: "x = 0", Prompt: "write it", Response: "```python\nx = 0\n```"}, nil
}

func setup(t *testing.T) (*Engine, *pipeline.Store, *fakeLedger) {
	t.Helper()
	store := pipeline.NewStore(t.TempDir())
	if _, err := store.Create(pipeline.CreateOpts{ID: "run1", Problem: "p", Budget: 3}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	ledger := &fakeLedger{}
	return NewEngine(store, ledger, nil, nil), store, ledger
}

func transitions(ss []State) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// --- tests ---

func TestRun_PassFirstTry(t *testing.T) {
	e, store, _ := setup(t)
	v := &fakeVerifier{kind: pipeline.VerifierStatic, passAt: 0}
	rep := &repairer{}

	res, err := e.Run(context.Background(), "run1", Definition{
		Name: "static", Kind: pipeline.KindCode, Verifier: v, Budget: 3,
		Generate: generateOK, Repair: rep.repair,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Done() || res.AttemptsUsed != 0 {
		t.Errorf("expected done with 0 repairs, got %+v", res)
	}
	if got := transitions(res.Transitions); got != "GENERATE,VERIFY,STAGE_DONE" {
		t.Errorf("transitions = %s", got)
	}
	if rep.calls != 0 {
		t.Errorf("repair should not run, got %d calls", rep.calls)
	}

	run, _ := store.Get("run1")
	rec := run.Stage("static")
	if rec == nil || rec.Outcome != "done" || len(rec.Attempts) != 1 || !rec.Attempts[0].Passed {
		t.Errorf("unexpected stage record: %+v", rec)
	}
	if _, err := store.ReadArtifact("run1", "stages/static/attempt-0/prompt.md"); err != nil {
		t.Errorf("exchange not persisted: %v", err)
	}
}

func TestRun_BudgetBounds(t *testing.T) {
	for _, budget := range []int{0, 1, 3, 5} {
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			e, store, _ := setup(t)
			v := &fakeVerifier{kind: pipeline.VerifierStatic, passAt: -1}
			rep := &repairer{}

			res, err := e.Run(context.Background(), "run1", Definition{
				Name: "static", Kind: pipeline.KindCode, Verifier: v, Budget: budget,
				Generate: generateOK, Repair: rep.repair,
			})
			if err != nil {
				t.Fatalf("budget exhaustion is not an error: %v", err)
			}
			if res.State != StateStageFailed {
				t.Fatalf("expected STAGE_FAILED, got %s", res.State)
			}
			if len(v.seen) != budget+1 {
				t.Errorf("verifier ran %d times, want %d", len(v.seen), budget+1)
			}
			if rep.calls != budget {
				t.Errorf("repair ran %d times, want %d", rep.calls, budget)
			}
			if res.AttemptsUsed != budget {
				t.Errorf("attempts_used = %d, want %d", res.AttemptsUsed, budget)
			}

			run, _ := store.Get("run1")
			rec := run.Stage("static")
			if rec.Outcome != "failed" || rec.AttemptsUsed != budget || len(rec.Attempts) != budget+1 {
				t.Errorf("unexpected stage record: %+v", rec)
			}
			for i, a := range rec.Attempts {
				if a.Attempt != i || a.Passed || a.DiagnosticPath == "" {
					t.Errorf("attempt record %d = %+v", i, a)
				}
			}
		})
	}
}

func TestRun_PassAfterRepairs(t *testing.T) {
	e, store, _ := setup(t)
	v := &fakeVerifier{kind: pipeline.VerifierDynamic, passAt: 2}
	rep := &repairer{}

	res, err := e.Run(context.Background(), "run1", Definition{
		Name: "dynamic", Kind: pipeline.KindCodeAndTests, Verifier: v, Budget: 4,
		Generate: generateOK, Repair: rep.repair,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Done() || res.AttemptsUsed != 2 {
		t.Fatalf("expected done after 2 repairs, got %+v", res)
	}
	want := "GENERATE,VERIFY,REPAIR,VERIFY,REPAIR,VERIFY,STAGE_DONE"
	if got := transitions(res.Transitions); got != want {
		t.Errorf("transitions = %s, want %s", got, want)
	}
	if res.Candidate.Attempt != 2 || res.Candidate.Text != "x = 2" {
		t.Errorf("final candidate = %+v", res.Candidate)
	}

	// Each repair sees the previous candidate and its own diagnostic.
	if strings.Join(rep.diags, "|") != "error in attempt 0|error in attempt 1" {
		t.Errorf("diagnostics passed to repair: %q", rep.diags)
	}
	if strings.Join(rep.from, "|") != "x = 0|x = 1" {
		t.Errorf("candidates passed to repair: %q", rep.from)
	}
	// The verifier saw exactly the persisted candidates.
	if strings.Join(v.seen, "|") != "x = 0\n|x = 1\n|x = 2\n" {
		t.Errorf("verifier saw %q", v.seen)
	}

	diag, err := store.ReadArtifact("run1", "stages/dynamic/attempt-1/diagnostic.txt")
	if err != nil || diag != "error in attempt 1" {
		t.Errorf("diagnostic artifact = %q, %v", diag, err)
	}
	if _, err := store.ReadArtifact("run1", "stages/dynamic/attempt-2/changes.diff"); err != nil {
		t.Errorf("expected diff for attempt 2: %v", err)
	}
	if _, err := store.ReadArtifact("run1", "stages/dynamic/attempt-2/verdict.json"); err != nil {
		t.Errorf("expected verdict for attempt 2: %v", err)
	}
}

func TestRun_InitialCandidateSkipsGenerator(t *testing.T) {
	e, _, _ := setup(t)
	v := &fakeVerifier{kind: pipeline.VerifierStatic, passAt: 0}

	res, err := e.Run(context.Background(), "run1", Definition{
		Name: "static-combined", Kind: pipeline.KindCodeAndTests, Verifier: v,
		Initial: &Proposal{Text: "code\n## Tests\ntests"},
		Generate: func(ctx context.Context) (*Proposal, error) {
			t.Fatal("generator must not run when an initial candidate is given")
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Candidate.Kind != pipeline.KindCodeAndTests || v.seen[0] != "code\n## Tests\ntests\n" {
		t.Errorf("unexpected candidate %+v / %q", res.Candidate, v.seen)
	}
}

func TestRun_GenerateErrorIsGenerationFailure(t *testing.T) {
	e, _, _ := setup(t)
	v := &fakeVerifier{kind: pipeline.VerifierStatic, passAt: 0}
	boom := errors.New("empty response")

	res, err := e.Run(context.Background(), "run1", Definition{
		Name: "static", Verifier: v, Budget: 2,
		Generate: func(ctx context.Context) (*Proposal, error) { return nil, boom },
		Repair:   (&repairer{}).repair,
	})
	var genErr *pipeline.GenerationError
	if !errors.As(err, &genErr) || genErr.Stage != "static" || !errors.Is(err, boom) {
		t.Fatalf("expected GenerationError wrapping boom, got %v", err)
	}
	if len(v.seen) != 0 {
		t.Error("verifier must not run after a generation failure")
	}
	if res == nil || res.AttemptsUsed != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRun_RepairErrorIsGenerationFailure(t *testing.T) {
	e, _, _ := setup(t)
	v := &fakeVerifier{kind: pipeline.VerifierStatic, passAt: -1}
	rep := &repairer{err: errors.New("no code in response")}

	res, err := e.Run(context.Background(), "run1", Definition{
		Name: "static", Verifier: v, Budget: 3, Generate: generateOK, Repair: rep.repair,
	})
	var genErr *pipeline.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if rep.calls != 1 || len(v.seen) != 1 {
		t.Errorf("repair must not be retried: repairs=%d verifies=%d", rep.calls, len(v.seen))
	}
	if res.AttemptsUsed != 0 {
		t.Errorf("a failed repair consumes no attempt, got %d", res.AttemptsUsed)
	}
}

func TestRun_VerifierErrorIsInfrastructure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"typed", &pipeline.InfrastructureError{Op: "check \"mypy\"", Timeout: true, Err: errors.New("no result after 2m")}},
		{"plain", errors.New("exec: mypy: not found")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store, _ := setup(t)
			v := &fakeVerifier{kind: pipeline.VerifierStatic, err: tt.err}
			rep := &repairer{}

			_, err := e.Run(context.Background(), "run1", Definition{
				Name: "static", Verifier: v, Budget: 3, Generate: generateOK, Repair: rep.repair,
			})
			var infra *pipeline.InfrastructureError
			if !errors.As(err, &infra) {
				t.Fatalf("expected InfrastructureError, got %v", err)
			}
			if rep.calls != 0 {
				t.Error("infrastructure errors must not trigger repair")
			}
			run, _ := store.Get("run1")
			if len(run.Stage("static").Attempts) != 0 {
				t.Error("no verdict should be recorded for an infrastructure error")
			}
		})
	}
}

func TestRun_CheckpointDeclined(t *testing.T) {
	e, _, ledger := setup(t)
	v := &fakeVerifier{kind: pipeline.VerifierStatic, passAt: -1}
	rep := &repairer{}

	calls := 0
	e.SetCheckpoint(func(ctx context.Context, c *pipeline.Candidate) (bool, error) {
		calls++
		return c.Attempt < 1, nil
	})

	res, err := e.Run(context.Background(), "run1", Definition{
		Name: "static", Verifier: v, Budget: 3, Generate: generateOK, Repair: rep.repair,
	})
	if !errors.Is(err, pipeline.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if pipeline.ClassifyFailure(err) != pipeline.FailureAborted {
		t.Errorf("classified as %s", pipeline.ClassifyFailure(err))
	}
	if calls != 2 || len(v.seen) != 1 {
		t.Errorf("checkpoint calls=%d verifies=%d", calls, len(v.seen))
	}
	if res.AttemptsUsed != 1 {
		t.Errorf("attempts_used = %d", res.AttemptsUsed)
	}
	last := ledger.events[len(ledger.events)-1]
	if last.event != db.EventAborted || last.attempt != 1 {
		t.Errorf("last ledger event = %+v", last)
	}
}

func TestRun_CheckpointBeforeEveryVerify(t *testing.T) {
	e, _, _ := setup(t)
	v := &fakeVerifier{kind: pipeline.VerifierStatic, passAt: -1}

	var attempts []int
	e.SetCheckpoint(func(ctx context.Context, c *pipeline.Candidate) (bool, error) {
		attempts = append(attempts, c.Attempt)
		if len(v.seen) != c.Attempt {
			t.Errorf("checkpoint for attempt %d ran after %d verifies", c.Attempt, len(v.seen))
		}
		return true, nil
	})

	if _, err := e.Run(context.Background(), "run1", Definition{
		Name: "static", Verifier: v, Budget: 2, Generate: generateOK, Repair: (&repairer{}).repair,
	}); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(attempts) != "[0 1 2]" {
		t.Errorf("checkpoint attempts = %v", attempts)
	}
}

func TestRun_LedgerEvents(t *testing.T) {
	e, _, ledger := setup(t)
	v := &fakeVerifier{kind: pipeline.VerifierStatic, passAt: 1}

	if _, err := e.Run(context.Background(), "run1", Definition{
		Name: "static", Verifier: v, Budget: 3, Generate: generateOK, Repair: (&repairer{}).repair,
	}); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, ev := range ledger.events {
		got = append(got, fmt.Sprintf("%s@%d", ev.event, ev.attempt))
	}
	want := "generate@0 verify@0 repair@1 verify@1 stage_done@1"
	if strings.Join(got, " ") != want {
		t.Errorf("events = %s, want %s", strings.Join(got, " "), want)
	}
	if ledger.verifies != 2 {
		t.Errorf("verifier runs logged = %d", ledger.verifies)
	}
}

func TestRun_Progress(t *testing.T) {
	e, _, _ := setup(t)
	var buf bytes.Buffer
	e.SetProgress(&buf)
	e.SetShowDiagnostics(true)
	v := &fakeVerifier{kind: pipeline.VerifierStatic, passAt: 1}

	if _, err := e.Run(context.Background(), "run1", Definition{
		Name: "static", Verifier: v, Budget: 3, Generate: generateOK, Repair: (&repairer{}).repair,
	}); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{
		"  → static: generating candidate",
		"  → static: verify attempt 0: ",
		"FAIL",
		"      error in attempt 0",
		"  → static: repairing attempt 0 (1 of 3 repairs)",
		"PASS",
		"  → static: passed after 1 repairs",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("progress missing %q:\n%s", want, out)
		}
	}
}

func TestRun_InvalidDefinition(t *testing.T) {
	e, _, _ := setup(t)
	v := &fakeVerifier{kind: pipeline.VerifierStatic}

	cases := map[string]Definition{
		"no verifier":     {Name: "s", Generate: generateOK},
		"negative budget": {Name: "s", Verifier: v, Budget: -1, Generate: generateOK},
		"no repair":       {Name: "s", Verifier: v, Budget: 1, Generate: generateOK},
	}
	for name, def := range cases {
		if _, err := e.Run(context.Background(), "run1", def); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRun_UnknownRun(t *testing.T) {
	e, _, _ := setup(t)
	_, err := e.Run(context.Background(), "missing", Definition{
		Name: "static", Verifier: &fakeVerifier{}, Generate: generateOK,
	})
	var infra *pipeline.InfrastructureError
	if !errors.As(err, &infra) {
		t.Fatalf("expected InfrastructureError, got %v", err)
	}
}

func TestRun_CandidateFilesAreImmutable(t *testing.T) {
	e, store, _ := setup(t)
	// Pre-create attempt-1 so the repair's write collides.
	dir := store.AttemptDir("run1", "static", 1)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "candidate"+store.SourceExt()), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := e.Run(context.Background(), "run1", Definition{
		Name: "static", Verifier: &fakeVerifier{kind: pipeline.VerifierStatic, passAt: -1}, Budget: 2,
		Generate: generateOK, Repair: (&repairer{}).repair,
	})
	var infra *pipeline.InfrastructureError
	if !errors.As(err, &infra) || !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected InfrastructureError wrapping ErrExist, got %v", err)
	}
}
