package web

import (
	"database/sql"
	"fmt"

	"github.com/lucasnoah/coderloop/internal/db"
)

// recentActivity returns the most recent stage events across all runs.
func (s *Server) recentActivity(limit int) ([]db.StageEvent, error) {
	rows, err := s.db.Conn().Query(
		`SELECT id, run_id, stage, attempt, event, detail, timestamp
		 FROM stage_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var events []db.StageEvent
	for rows.Next() {
		var e db.StageEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.Attempt, &e.Event, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// verifierRunsForAttempt returns the verifier checks run against one candidate.
func (s *Server) verifierRunsForAttempt(runID, stage string, attempt int) ([]db.VerifierRun, error) {
	all, err := s.db.GetVerifierRuns(runID)
	if err != nil {
		return nil, err
	}
	var out []db.VerifierRun
	for _, v := range all {
		if v.Stage == stage && v.Attempt == attempt {
			out = append(out, v)
		}
	}
	return out, nil
}

// eventsAfter returns a run's stage events with an id greater than afterID.
func (s *Server) eventsAfter(runID string, afterID int) ([]db.StageEvent, error) {
	all, err := s.db.GetStageEvents(runID)
	if err != nil {
		return nil, err
	}
	var out []db.StageEvent
	for _, e := range all {
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	return out, nil
}
