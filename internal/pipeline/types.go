package pipeline

import "time"

// Kind identifies what a candidate contains.
type Kind string

const (
	KindCode         Kind = "code"
	KindCodeAndTests Kind = "code+tests"
)

// VerifierKind identifies which external verifier judged a candidate.
type VerifierKind string

const (
	VerifierStatic  VerifierKind = "static"
	VerifierDynamic VerifierKind = "dynamic"
)

// Stage names used by the orchestrator. The combined static pass is a
// separate stage instance with its own budget.
const (
	StageStatic         = "static"
	StageStaticCombined = "static-combined"
	StageDynamic        = "dynamic"
	StageTests          = "tests"
)

// Run statuses persisted in run.json.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// FailureKind classifies a terminal run failure.
type FailureKind string

const (
	FailureBudgetExhausted       FailureKind = "budget_exhausted"
	FailureGeneration            FailureKind = "generation_failure"
	FailureInfrastructure        FailureKind = "infrastructure_error"
	FailurePreconditionViolation FailureKind = "precondition_violation"
	FailureAborted               FailureKind = "aborted"
)

// Candidate is one immutable version of generated source text.
type Candidate struct {
	RunID   string `json:"run_id"`
	Stage   string `json:"stage"`
	Kind    Kind   `json:"kind"`
	Attempt int    `json:"attempt"`
	Text    string `json:"-"`
	Path    string `json:"path"`
}

// Diagnostic is the raw verifier output for exactly one candidate.
type Diagnostic struct {
	Stage    string       `json:"stage"`
	Attempt  int          `json:"attempt"`
	Verifier VerifierKind `json:"verifier"`
	Text     string       `json:"-"`
	Path     string       `json:"path,omitempty"`
}

// Verdict is the result of one verifier invocation against one candidate.
// Diagnostic is nil iff Passed.
type Verdict struct {
	Passed     bool          `json:"passed"`
	Diagnostic *Diagnostic   `json:"diagnostic,omitempty"`
	Summary    string        `json:"summary"`
	ExitCode   int           `json:"exit_code"`
	Check      string        `json:"check,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// AttemptRecord is the persisted trace of one verify step within a stage.
type AttemptRecord struct {
	Attempt        int    `json:"attempt"`
	Kind           Kind   `json:"kind"`
	CandidatePath  string `json:"candidate_path"`
	Passed         bool   `json:"passed"`
	Summary        string `json:"summary,omitempty"`
	DiagnosticPath string `json:"diagnostic_path,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
}

// StageRecord is the persisted trace of one stage instance.
type StageRecord struct {
	Stage        string          `json:"stage"`
	Verifier     VerifierKind    `json:"verifier"`
	Budget       int             `json:"budget"`
	Attempts     []AttemptRecord `json:"attempts"`
	Outcome      string          `json:"outcome,omitempty"` // "done", "failed"
	AttemptsUsed int             `json:"attempts_used"`
}

// Success is the terminal state of a run that passed every stage.
type Success struct {
	CodePath  string `json:"code_path"`
	TestsPath string `json:"tests_path"`
	FinalPath string `json:"final_path"`
}

// Failure is the terminal state of a run that stopped early.
type Failure struct {
	Stage        string      `json:"stage"`
	AttemptsUsed int         `json:"attempts_used"`
	Kind         FailureKind `json:"kind"`
	Message      string      `json:"message,omitempty"`
}

// PipelineRun is the persisted record of a single synthesis run.
type PipelineRun struct {
	ID          string        `json:"id"`
	Problem     string        `json:"problem"`
	Label       string        `json:"label,omitempty"`
	Backend     string        `json:"backend"`
	Model       string        `json:"model"`
	Budget      int           `json:"budget"`
	Interactive bool          `json:"interactive"`
	Separator   string        `json:"separator"`
	Stages      []StageRecord `json:"stages"`
	Status      string        `json:"status"`
	Success     *Success      `json:"success,omitempty"`
	Failure     *Failure      `json:"failure,omitempty"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
}

// Stage returns the record for the named stage, or nil.
func (r *PipelineRun) Stage(name string) *StageRecord {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}
