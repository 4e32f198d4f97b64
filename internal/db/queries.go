package db

import (
	"database/sql"
	"fmt"
)

// Stage event names.
const (
	EventGenerate    = "generate"
	EventVerify      = "verify"
	EventRepair      = "repair"
	EventStageDone   = "stage_done"
	EventStageFailed = "stage_failed"
	EventAborted     = "aborted"
)

// Run represents a row in the runs table.
type Run struct {
	ID           string
	Label        string
	Backend      string
	Model        string
	Budget       int
	Status       string
	FailureStage string
	FailureKind  string
	AttemptsUsed int
	CreatedAt    string
	FinishedAt   string
}

// StageEvent represents a row in the stage_events table.
type StageEvent struct {
	ID        int
	RunID     string
	Stage     string
	Attempt   int
	Event     string
	Detail    string
	Timestamp string
}

// VerifierRun represents a row in the verifier_runs table.
type VerifierRun struct {
	ID         int
	RunID      string
	Stage      string
	Attempt    int
	Verifier   string
	CheckName  string
	Passed     bool
	ExitCode   int
	DurationMs int64
	Summary    string
	Timestamp  string
}

// CreateRun inserts a run in the in_progress state.
func (d *DB) CreateRun(id, label, backend, model string, budget int) error {
	_, err := d.conn.Exec(
		`INSERT INTO runs (id, label, backend, model, budget, status) VALUES (?, ?, ?, ?, ?, 'in_progress')`,
		id, label, backend, model, budget,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the terminal state of a run. failureStage and failureKind
// are empty for a successful run.
func (d *DB) FinishRun(id, status, failureStage, failureKind string, attemptsUsed int) error {
	res, err := d.conn.Exec(
		`UPDATE runs SET status = ?, failure_stage = NULLIF(?, ''), failure_kind = NULLIF(?, ''),
		        attempts_used = ?, finished_at = datetime('now')
		 WHERE id = ?`,
		status, failureStage, failureKind, attemptsUsed, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: run %s not found", id)
	}
	return nil
}

const runColumns = `id, label, backend, model, budget, status, failure_stage, failure_kind, attempts_used, created_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var label, failureStage, failureKind, finishedAt sql.NullString
	var attemptsUsed sql.NullInt64
	if err := row.Scan(&r.ID, &label, &r.Backend, &r.Model, &r.Budget, &r.Status,
		&failureStage, &failureKind, &attemptsUsed, &r.CreatedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.Label = label.String
	r.FailureStage = failureStage.String
	r.FailureKind = failureKind.String
	r.FinishedAt = finishedAt.String
	if attemptsUsed.Valid {
		r.AttemptsUsed = int(attemptsUsed.Int64)
	}
	return &r, nil
}

// GetRun returns a run by id, or nil if it does not exist.
func (d *DB) GetRun(id string) (*Run, error) {
	r, err := scanRun(d.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs created at or after since (any when empty), oldest first.
func (d *DB) ListRuns(since string) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at, id`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// LogStageEvent appends a stage transition.
func (d *DB) LogStageEvent(runID, stage string, attempt int, event, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO stage_events (run_id, stage, attempt, event, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, stage, attempt, event, detail,
	)
	if err != nil {
		return fmt.Errorf("log stage event: %w", err)
	}
	return nil
}

// GetStageEvents returns every stage event of a run in insertion order.
func (d *DB) GetStageEvents(runID string) ([]StageEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, stage, attempt, event, detail, timestamp
		 FROM stage_events WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get stage events: %w", err)
	}
	defer rows.Close()

	var events []StageEvent
	for rows.Next() {
		var e StageEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.Attempt, &e.Event, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogVerifierRun records one verifier invocation.
func (d *DB) LogVerifierRun(runID, stage string, attempt int, verifier, checkName string, passed bool, exitCode int, durationMs int64, summary string) error {
	_, err := d.conn.Exec(
		`INSERT INTO verifier_runs (run_id, stage, attempt, verifier, check_name, passed, exit_code, duration_ms, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, stage, attempt, verifier, checkName, passed, exitCode, durationMs, summary,
	)
	if err != nil {
		return fmt.Errorf("log verifier run: %w", err)
	}
	return nil
}

// GetVerifierRuns returns the verifier invocations of a run in insertion order.
func (d *DB) GetVerifierRuns(runID string) ([]VerifierRun, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, stage, attempt, verifier, check_name, passed, exit_code, duration_ms, summary, timestamp
		 FROM verifier_runs WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get verifier runs: %w", err)
	}
	defer rows.Close()

	var runs []VerifierRun
	for rows.Next() {
		var r VerifierRun
		var checkName, summary sql.NullString
		var exitCode, durationMs sql.NullInt64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Stage, &r.Attempt, &r.Verifier, &checkName, &r.Passed, &exitCode, &durationMs, &summary, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan verifier run: %w", err)
		}
		r.CheckName = checkName.String
		r.Summary = summary.String
		if exitCode.Valid {
			r.ExitCode = int(exitCode.Int64)
		}
		if durationMs.Valid {
			r.DurationMs = durationMs.Int64
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestFailedVerifierRun returns the most recent failing verifier run for a
// run and stage, or nil.
func (d *DB) LatestFailedVerifierRun(runID, stage string) (*VerifierRun, error) {
	row := d.conn.QueryRow(
		`SELECT id, run_id, stage, attempt, verifier, check_name, passed, exit_code, duration_ms, summary, timestamp
		 FROM verifier_runs WHERE run_id = ? AND stage = ? AND passed = 0 ORDER BY id DESC LIMIT 1`,
		runID, stage,
	)
	var r VerifierRun
	var checkName, summary sql.NullString
	var exitCode, durationMs sql.NullInt64
	err := row.Scan(&r.ID, &r.RunID, &r.Stage, &r.Attempt, &r.Verifier, &checkName, &r.Passed, &exitCode, &durationMs, &summary, &r.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest failed verifier run: %w", err)
	}
	r.CheckName = checkName.String
	r.Summary = summary.String
	r.ExitCode = int(exitCode.Int64)
	r.DurationMs = durationMs.Int64
	return &r, nil
}
