package web

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/coderloop/internal/db"
	"github.com/lucasnoah/coderloop/internal/pipeline"
)

func testLedger(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// seedRun creates a failed run with one static attempt on disk.
func seedRun(t *testing.T, store *pipeline.Store) *pipeline.PipelineRun {
	t.Helper()
	run, err := store.Create(pipeline.CreateOpts{
		ID:      "3f2a9c1e-run",
		Problem: "Write add(a, b) returning the sum.\nUse type hints.",
		Label:   "HumanEval/0",
		Backend: "groq",
		Model:   "llama3-70b-8192",
		Budget:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	c := &pipeline.Candidate{RunID: run.ID, Stage: pipeline.StageStatic, Kind: pipeline.KindCode, Attempt: 0, Text: "def add(a, b):\n    return a - b\n"}
	if err := store.SaveCandidate(c); err != nil {
		t.Fatal(err)
	}
	diag := &pipeline.Diagnostic{Stage: pipeline.StageStatic, Attempt: 0, Verifier: pipeline.VerifierStatic, Text: "candidate.py:1: error: Function is missing a type annotation"}
	if err := store.SaveDiagnostic(run.ID, diag); err != nil {
		t.Fatal(err)
	}
	err = store.Update(run.ID, func(r *pipeline.PipelineRun) {
		r.Status = pipeline.StatusFailed
		r.Stages = []pipeline.StageRecord{{
			Stage:    pipeline.StageStatic,
			Verifier: pipeline.VerifierStatic,
			Budget:   1,
			Attempts: []pipeline.AttemptRecord{{
				Attempt: 0, Kind: pipeline.KindCode, CandidatePath: c.Path, Passed: false,
				Summary: "1 error", DiagnosticPath: diag.Path, DurationMs: 120,
			}},
			Outcome:      "failed",
			AttemptsUsed: 1,
		}}
		r.Failure = &pipeline.Failure{Stage: pipeline.StageStatic, AttemptsUsed: 1, Kind: pipeline.FailureBudgetExhausted}
	})
	if err != nil {
		t.Fatal(err)
	}
	run, _ = store.Get(run.ID)
	return run
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDashboard_ListsRuns(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	seedRun(t, store)
	s := NewServer(store, nil, "", nil)

	rec := get(t, s.Handler(), "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{"3f2a9c1e", "HumanEval/0", "Write add(a, b) returning the sum.", "budget_exhausted in static after 1 repairs"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}

func TestDashboard_WithLedger(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	run := seedRun(t, store)
	d := testLedger(t)
	if err := d.CreateRun(run.ID, run.Label, run.Backend, run.Model, run.Budget); err != nil {
		t.Fatal(err)
	}
	if err := d.LogStageEvent(run.ID, pipeline.StageStatic, 0, db.EventGenerate, ""); err != nil {
		t.Fatal(err)
	}
	if err := d.FinishRun(run.ID, pipeline.StatusFailed, pipeline.StageStatic, string(pipeline.FailureBudgetExhausted), 1); err != nil {
		t.Fatal(err)
	}

	rec := get(t, NewServer(store, d, "", nil).Handler(), "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Recent activity") || !strings.Contains(body, "generate") {
		t.Errorf("dashboard missing recent activity:\n%s", body)
	}
	if !strings.Contains(body, "Outcomes") {
		t.Errorf("dashboard missing outcomes table")
	}
}

func TestRunDetail(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	run := seedRun(t, store)
	h := NewServer(store, nil, "", nil).Handler()

	rec := get(t, h, "/run/"+run.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{"Stage static", "1 error", "/run/" + run.ID + "/stage/static/attempt/0", "Use type hints."} {
		if !strings.Contains(body, want) {
			t.Errorf("run page missing %q", want)
		}
	}
	if strings.Contains(body, "EventSource") {
		t.Error("finished run should not open an event stream")
	}

	if rec := get(t, h, "/run/no-such-run"); rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", rec.Code)
	}
}

func TestAttemptDetail(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	run := seedRun(t, store)
	h := NewServer(store, nil, "", nil).Handler()

	rec := get(t, h, "/run/"+run.ID+"/stage/static/attempt/0")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "return a - b") {
		t.Error("attempt page missing candidate")
	}
	if !strings.Contains(body, "Function is missing a type annotation") {
		t.Error("attempt page missing diagnostic")
	}

	cases := map[string]int{
		"/run/" + run.ID + "/stage/static/attempt/x":  http.StatusBadRequest,
		"/run/" + run.ID + "/stage/static/attempt/7":  http.StatusNotFound,
		"/run/" + run.ID + "/stage/dynamic/attempt/0": http.StatusNotFound,
	}
	for path, want := range cases {
		if rec := get(t, h, path); rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestAttemptFile(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	run := seedRun(t, store)
	h := NewServer(store, nil, "", nil).Handler()

	rec := get(t, h, "/run/"+run.ID+"/stage/static/attempt/0/diagnostic.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "missing a type annotation") {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec = get(t, h, "/run/"+run.ID+"/stage/static/attempt/0/candidate.py")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "def add") {
		t.Errorf("candidate: status %d body %q", rec.Code, rec.Body.String())
	}

	for _, path := range []string{
		"/run/" + run.ID + "/stage/static/attempt/0/run.json",
		"/run/" + run.ID + "/stage/static/attempt/0/.hidden",
		"/run/../stage/static/attempt/0/diagnostic.txt",
	} {
		if rec := get(t, h, path); rec.Code == http.StatusOK {
			t.Errorf("GET %s should not be served", path)
		}
	}
}

func TestAPIRuns(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	run := seedRun(t, store)
	h := NewServer(store, nil, "", nil).Handler()

	rec := get(t, h, "/api/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var runs []pipeline.PipelineRun
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("runs = %+v", runs)
	}

	rec = get(t, h, "/api/runs?status=succeeded")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("filtered body = %q, want []", rec.Body.String())
	}
}

func TestMetricsMount(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	s := NewServer(store, nil, "", nil)
	if rec := get(t, s.Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("unmounted /metrics status = %d, want 404", rec.Code)
	}
	s.SetMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "coderloop_runs_total 1\n")
	}))
	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "coderloop_runs_total") {
		t.Errorf("metrics: status %d body %q", rec.Code, rec.Body.String())
	}
}

func TestRunStream_SendsEventsThenDone(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	run := seedRun(t, store)
	d := testLedger(t)
	if err := d.CreateRun(run.ID, run.Label, run.Backend, run.Model, run.Budget); err != nil {
		t.Fatal(err)
	}
	for _, ev := range []string{db.EventGenerate, db.EventVerify, db.EventStageFailed} {
		if err := d.LogStageEvent(run.ID, pipeline.StageStatic, 0, ev, ""); err != nil {
			t.Fatal(err)
		}
	}

	s := NewServer(store, d, "", nil)
	s.pollInterval = 10 * time.Millisecond
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/run/" + run.ID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var stageEvents int
	var done string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "event: stage" {
			stageEvents++
		}
		if line == "event: done" && sc.Scan() {
			done = strings.TrimPrefix(sc.Text(), "data: ")
			break
		}
	}
	if stageEvents != 3 {
		t.Errorf("stage events = %d, want 3", stageEvents)
	}
	if done != pipeline.StatusFailed {
		t.Errorf("done reason = %q, want %q", done, pipeline.StatusFailed)
	}
}

func TestRunStream_NoLedger(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	run := seedRun(t, store)
	rec := get(t, NewServer(store, nil, "", nil).Handler(), "/run/"+run.ID+"/events")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRelTime(t *testing.T) {
	cases := []struct {
		ts   string
		want string
	}{
		{time.Now().Add(-10 * time.Second).UTC().Format(time.RFC3339), "just now"},
		{time.Now().Add(-5 * time.Minute).UTC().Format("2006-01-02 15:04:05"), "5m ago"},
		{time.Now().Add(-3 * time.Hour).UTC().Format(time.RFC3339), "3h ago"},
		{time.Now().Add(-49 * time.Hour).UTC().Format(time.RFC3339), "2d ago"},
		{"not a time", "not a time"},
	}
	for _, c := range cases {
		if got := relTime(c.ts); got != c.want {
			t.Errorf("relTime(%q) = %q, want %q", c.ts, got, c.want)
		}
	}
}

func TestStripANSI(t *testing.T) {
	if got := stripANSI("\x1b[31merror\x1b[0m: bad"); got != "error: bad" {
		t.Errorf("stripANSI = %q", got)
	}
}
