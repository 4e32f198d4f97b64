package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/coderloop/internal/analytics"
	"github.com/lucasnoah/coderloop/internal/db"
	"github.com/lucasnoah/coderloop/internal/pipeline"
)

// ---- view models ----

type DashboardData struct {
	Runs           []RunRow
	Outcomes       []analytics.RunOutcome
	Stages         []analytics.StageOutcome
	RecentActivity []ActivityRow
	Status         string
}

type RunRow struct {
	ID         string
	ShortID    string
	Label      string
	Problem    string
	Status     string
	Outcome    string
	Backend    string
	Model      string
	CreatedAgo string
}

type ActivityRow struct {
	RunID   string
	ShortID string
	Event   string
	Stage   string
	Attempt int
	TimeAgo string
}

type RunDetailData struct {
	Run        *pipeline.PipelineRun
	Outcome    string
	Timeline   []analytics.RunEvent
	IsActive   bool
	FinalCode  string
	FinalTests string
	UpdatedAgo string
}

type AttemptDetailData struct {
	RunID      string
	Stage      string
	Attempt    int
	Record     *pipeline.AttemptRecord
	Candidate  string
	Diagnostic string
	Diff       string
	Prompt     string
	Verifiers  []db.VerifierRun
}

// ---- helpers ----

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]|\x1b\][^\x07]*\x07|\x1b[()][012B]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

func relTime(ts string) string {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	var t time.Time
	for _, f := range formats {
		if parsed, err := time.Parse(f, ts); err == nil {
			t = parsed
			break
		}
	}
	if t.IsZero() {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

func runOutcome(r *pipeline.PipelineRun) string {
	switch {
	case r.Success != nil:
		return "passed every stage"
	case r.Failure != nil:
		return fmt.Sprintf("%s in %s after %d repairs", r.Failure.Kind, r.Failure.Stage, r.Failure.AttemptsUsed)
	}
	return ""
}

func isActive(r *pipeline.PipelineRun) bool {
	return r.Status == pipeline.StatusPending || r.Status == pipeline.StatusInProgress
}

func (s *Server) execTemplate(w http.ResponseWriter, tmpl *template.Template, data interface{}) {
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		s.logger.Error("render page failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ---- Dashboard ----

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	runs, err := s.store.List(status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := DashboardData{Status: status}
	// Newest first.
	for i := len(runs) - 1; i >= 0; i-- {
		run := &runs[i]
		data.Runs = append(data.Runs, RunRow{
			ID:         run.ID,
			ShortID:    shortID(run.ID),
			Label:      run.Label,
			Problem:    firstLine(run.Problem),
			Status:     run.Status,
			Outcome:    runOutcome(run),
			Backend:    run.Backend,
			Model:      run.Model,
			CreatedAgo: relTime(run.CreatedAt),
		})
	}

	if s.db != nil {
		if data.Outcomes, err = analytics.QueryRunOutcomes(s.db, ""); err != nil {
			s.logger.Warn("query run outcomes failed", zap.Error(err))
		}
		if data.Stages, err = analytics.QueryStageOutcomes(s.db, ""); err != nil {
			s.logger.Warn("query stage outcomes failed", zap.Error(err))
		}
		events, err := s.recentActivity(20)
		if err != nil {
			s.logger.Warn("query recent activity failed", zap.Error(err))
		}
		for _, e := range events {
			data.RecentActivity = append(data.RecentActivity, ActivityRow{
				RunID:   e.RunID,
				ShortID: shortID(e.RunID),
				Event:   e.Event,
				Stage:   e.Stage,
				Attempt: e.Attempt,
				TimeAgo: relTime(e.Timestamp),
			})
		}
	}

	s.execTemplate(w, s.dashboardTmpl, data)
}

// ---- Run detail ----

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.store.Get(runID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	data := RunDetailData{
		Run:        run,
		Outcome:    runOutcome(run),
		IsActive:   isActive(run),
		UpdatedAgo: relTime(run.UpdatedAt),
	}
	if run.Success != nil {
		ext := s.store.SourceExt()
		data.FinalCode, _ = s.store.ReadArtifact(runID, filepath.Join("final", "code"+ext))
		data.FinalTests, _ = s.store.ReadArtifact(runID, filepath.Join("final", "tests"+ext))
	}
	if s.db != nil {
		if data.Timeline, err = analytics.QueryRunDetail(s.db, runID); err != nil {
			s.logger.Warn("query run timeline failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	s.execTemplate(w, s.runTmpl, data)
}

// ---- Attempt detail ----

func (s *Server) handleAttemptDetail(w http.ResponseWriter, r *http.Request, runID, stage, attemptStr string) {
	attempt, err := strconv.Atoi(attemptStr)
	if err != nil || attempt < 0 {
		http.Error(w, "invalid attempt number", http.StatusBadRequest)
		return
	}
	run, err := s.store.Get(runID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	candidate, err := s.store.ReadCandidate(runID, stage, attempt)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	data := AttemptDetailData{
		RunID:     runID,
		Stage:     stage,
		Attempt:   attempt,
		Candidate: candidate,
	}
	if rec := run.Stage(stage); rec != nil {
		for i := range rec.Attempts {
			if rec.Attempts[i].Attempt == attempt {
				data.Record = &rec.Attempts[i]
			}
		}
	}
	dir := attemptRel(stage, attempt)
	diag, _ := s.store.ReadArtifact(runID, filepath.Join(dir, "diagnostic.txt"))
	data.Diagnostic = stripANSI(diag)
	data.Diff, _ = s.store.ReadArtifact(runID, filepath.Join(dir, "changes.diff"))
	data.Prompt, _ = s.store.ReadArtifact(runID, filepath.Join(dir, "prompt.md"))
	if s.db != nil {
		if data.Verifiers, err = s.verifierRunsForAttempt(runID, stage, attempt); err != nil {
			s.logger.Warn("query verifier runs failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	s.execTemplate(w, s.attemptTmpl, data)
}

// attemptFiles are the per-attempt artifacts served as plain text.
var attemptFiles = map[string]bool{
	"diagnostic.txt": true,
	"changes.diff":   true,
	"prompt.md":      true,
	"response.md":    true,
	"verdict.json":   true,
}

func (s *Server) handleAttemptFile(w http.ResponseWriter, r *http.Request, runID, stage, attemptStr, name string) {
	attempt, err := strconv.Atoi(attemptStr)
	if err != nil || attempt < 0 {
		http.Error(w, "invalid attempt number", http.StatusBadRequest)
		return
	}
	candidate := filepath.Base(s.store.CandidatePath(runID, stage, attempt))
	if !attemptFiles[name] && name != candidate {
		http.NotFound(w, r)
		return
	}
	content, err := s.store.ReadArtifact(runID, filepath.Join(attemptRel(stage, attempt), name))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, stripANSI(content))
}

func attemptRel(stage string, attempt int) string {
	return filepath.Join("stages", stage, fmt.Sprintf("attempt-%d", attempt))
}

// ---- JSON ----

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.List(r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []pipeline.PipelineRun{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(runs); err != nil {
		s.logger.Warn("encode runs failed", zap.Error(err))
	}
}
