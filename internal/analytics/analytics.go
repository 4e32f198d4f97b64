// Package analytics aggregates the run ledger: run outcomes, how many repairs
// each stage needed, and which verifier checks fail most.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// RunOutcome counts finished runs by outcome: "succeeded" or the failure kind.
type RunOutcome struct {
	Outcome string  `json:"outcome"`
	Count   int     `json:"count"`
	Pct     float64 `json:"pct"`
}

// QueryRunOutcomes returns finished runs grouped by outcome, most common first.
func QueryRunOutcomes(database DB, since string) ([]RunOutcome, error) {
	query := `
		SELECT CASE WHEN status = 'succeeded' THEN 'succeeded'
			ELSE COALESCE(failure_kind, 'unknown') END as outcome,
			COUNT(*)
		FROM runs
		WHERE status IN ('succeeded', 'failed')`

	args := []interface{}{}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY outcome`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run outcomes: %w", err)
	}
	defer rows.Close()

	var results []RunOutcome
	total := 0
	for rows.Next() {
		var o RunOutcome
		if err := rows.Scan(&o.Outcome, &o.Count); err != nil {
			return nil, fmt.Errorf("scan run outcome: %w", err)
		}
		total += o.Count
		results = append(results, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range results {
		results[i].Pct = pct(results[i].Count, total)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Outcome < results[j].Outcome
	})
	return results, nil
}

// StageOutcome holds pass/fail rates for one stage.
type StageOutcome struct {
	Stage       string  `json:"stage"`
	Total       int     `json:"total"`
	FirstPass   float64 `json:"first_pass_pct"`
	AfterRepair float64 `json:"after_repair_pct"`
	Failed      float64 `json:"failed_pct"`
}

// QueryStageOutcomes returns, per stage, the share of stage instances that
// passed on the first candidate, passed after repairs, or exhausted the budget.
func QueryStageOutcomes(database DB, since string) ([]StageOutcome, error) {
	query := `
		SELECT stage,
			COUNT(*) as total,
			SUM(CASE WHEN event = 'stage_done' AND attempt = 0 THEN 1 ELSE 0 END) as first_pass,
			SUM(CASE WHEN event = 'stage_done' AND attempt > 0 THEN 1 ELSE 0 END) as after_repair,
			SUM(CASE WHEN event = 'stage_failed' THEN 1 ELSE 0 END) as failed
		FROM stage_events
		WHERE event IN ('stage_done', 'stage_failed')`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY stage ORDER BY stage`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage outcomes: %w", err)
	}
	defer rows.Close()

	var results []StageOutcome
	for rows.Next() {
		var stage string
		var total, firstPass, afterRepair, failed int
		if err := rows.Scan(&stage, &total, &firstPass, &afterRepair, &failed); err != nil {
			return nil, fmt.Errorf("scan stage outcome: %w", err)
		}
		results = append(results, StageOutcome{
			Stage:       stage,
			Total:       total,
			FirstPass:   pct(firstPass, total),
			AfterRepair: pct(afterRepair, total),
			Failed:      pct(failed, total),
		})
	}
	return results, rows.Err()
}

// RepairDist holds the distribution of repairs a stage needed.
type RepairDist struct {
	Stage     string  `json:"stage"`
	Total     int     `json:"total"`
	Zero      float64 `json:"zero_repairs_pct"`
	One       float64 `json:"one_repair_pct"`
	Two       float64 `json:"two_repairs_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
	Avg       float64 `json:"avg_repairs"`
}

// QueryRepairs returns the distribution of repairs per stage. The attempt
// index on a terminal stage event is the number of repairs used.
func QueryRepairs(database DB, since string) ([]RepairDist, error) {
	query := `
		SELECT stage, attempt
		FROM stage_events
		WHERE event IN ('stage_done', 'stage_failed')`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query repairs: %w", err)
	}
	defer rows.Close()

	type repairCount struct {
		zero, one, two, threePlus, total int
		values                           []float64
	}
	stageRepairs := make(map[string]*repairCount)

	for rows.Next() {
		var stage string
		var repairs int
		if err := rows.Scan(&stage, &repairs); err != nil {
			return nil, fmt.Errorf("scan repairs: %w", err)
		}

		if _, ok := stageRepairs[stage]; !ok {
			stageRepairs[stage] = &repairCount{}
		}
		rc := stageRepairs[stage]
		rc.total++
		rc.values = append(rc.values, float64(repairs))

		switch {
		case repairs == 0:
			rc.zero++
		case repairs == 1:
			rc.one++
		case repairs == 2:
			rc.two++
		default:
			rc.threePlus++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []RepairDist
	for stage, rc := range stageRepairs {
		results = append(results, RepairDist{
			Stage:     stage,
			Total:     rc.total,
			Zero:      pct(rc.zero, rc.total),
			One:       pct(rc.one, rc.total),
			Two:       pct(rc.two, rc.total),
			ThreePlus: pct(rc.threePlus, rc.total),
			Avg:       avg(rc.values),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// StageDuration holds wall-clock stats for a stage, in seconds.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryStageDurations returns average and percentile durations per stage.
// Each terminal stage event is paired with the first event of the same stage
// in the same run.
func QueryStageDurations(database DB, since string) ([]StageDuration, error) {
	query := `
		SELECT se1.stage, se1.timestamp as end_ts,
			(SELECT MIN(se2.timestamp) FROM stage_events se2
			 WHERE se2.run_id = se1.run_id
			 AND se2.stage = se1.stage
			 AND se2.id < se1.id) as start_ts
		FROM stage_events se1
		WHERE se1.event IN ('stage_done', 'stage_failed')`

	args := []interface{}{}
	if since != "" {
		query += ` AND se1.timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage, endTS string
		var startTS sql.NullString
		if err := rows.Scan(&stage, &endTS, &startTS); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		if !startTS.Valid {
			continue
		}
		start, err := parseTimestamp(startTS.String)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		if secs := end.Sub(start).Seconds(); secs >= 0 {
			stageDurations[stage] = append(stageDurations[stage], secs)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// VerifierFailure holds failure stats for one verifier check.
type VerifierFailure struct {
	Verifier       string  `json:"verifier"`
	Check          string  `json:"check"`
	Total          int     `json:"total"`
	FailRate       float64 `json:"fail_rate_pct"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	CommonFailures string  `json:"common_failures"`
}

// QueryVerifierFailures returns which checks fail most, with their two most
// common failure summaries.
func QueryVerifierFailures(database DB, since string) ([]VerifierFailure, error) {
	query := `
		SELECT verifier, COALESCE(check_name, '') as check_name,
			COUNT(*) as total,
			SUM(CASE WHEN passed = 0 THEN 1 ELSE 0 END) as failed,
			COALESCE(AVG(duration_ms), 0) as avg_ms
		FROM verifier_runs
		WHERE 1 = 1`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY verifier, check_name ORDER BY failed DESC, verifier, check_name`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verifier failures: %w", err)
	}
	defer rows.Close()

	var results []VerifierFailure
	for rows.Next() {
		var vf VerifierFailure
		var failed int
		var avgMs float64
		if err := rows.Scan(&vf.Verifier, &vf.Check, &vf.Total, &failed, &avgMs); err != nil {
			return nil, fmt.Errorf("scan verifier failure: %w", err)
		}
		vf.FailRate = pct(failed, vf.Total)
		vf.AvgDurationMs = math.Round(avgMs*10) / 10
		results = append(results, vf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range results {
		summaryQuery := `
			SELECT summary, COUNT(*) as cnt
			FROM verifier_runs
			WHERE verifier = ? AND COALESCE(check_name, '') = ? AND passed = 0 AND summary != ''`
		sArgs := []interface{}{results[i].Verifier, results[i].Check}
		if since != "" {
			summaryQuery += ` AND timestamp >= ?`
			sArgs = append(sArgs, since)
		}
		summaryQuery += ` GROUP BY summary ORDER BY cnt DESC, summary LIMIT 2`

		sRows, err := database.Conn().Query(summaryQuery, sArgs...)
		if err != nil {
			continue
		}
		var common []string
		for sRows.Next() {
			var summary string
			var cnt int
			if err := sRows.Scan(&summary, &cnt); err != nil {
				break
			}
			common = append(common, summary)
		}
		_ = sRows.Err()
		sRows.Close()
		for j, s := range common {
			if j > 0 {
				results[i].CommonFailures += ", "
			}
			results[i].CommonFailures += s
		}
	}

	return results, nil
}

// Throughput holds run counts for one week.
type Throughput struct {
	Period      string  `json:"period"`
	Started     int     `json:"started"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	AvgDuration float64 `json:"avg_duration_seconds"`
}

// QueryThroughput returns run counts grouped by week, newest first.
func QueryThroughput(database DB, since string) ([]Throughput, error) {
	query := `
		SELECT
			strftime('%Y-W%W', created_at) as period,
			COUNT(*) as started,
			SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END) as succeeded,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed,
			AVG(CASE WHEN finished_at IS NOT NULL
				THEN (julianday(finished_at) - julianday(created_at)) * 86400 END) as avg_secs
		FROM runs
		WHERE 1 = 1`

	args := []interface{}{}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY period ORDER BY period DESC LIMIT 10`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	defer rows.Close()

	var results []Throughput
	for rows.Next() {
		var t Throughput
		var avgSecs sql.NullFloat64
		if err := rows.Scan(&t.Period, &t.Started, &t.Succeeded, &t.Failed, &avgSecs); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		if avgSecs.Valid {
			t.AvgDuration = math.Round(avgSecs.Float64*10) / 10
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// RunEvent is one line of a run timeline.
type RunEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"` // stage or verifier
	Event     string `json:"event"`
	Stage     string `json:"stage"`
	Attempt   int    `json:"attempt"`
	Detail    string `json:"detail,omitempty"`
}

// QueryRunDetail returns the merged stage and verifier timeline of one run.
func QueryRunDetail(database DB, runID string) ([]RunEvent, error) {
	var results []RunEvent

	seRows, err := database.Conn().Query(
		`SELECT timestamp, event, stage, attempt, detail
		 FROM stage_events WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer seRows.Close()

	for seRows.Next() {
		var e RunEvent
		var detail sql.NullString
		if err := seRows.Scan(&e.Timestamp, &e.Event, &e.Stage, &e.Attempt, &detail); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		e.Type = "stage"
		e.Detail = detail.String
		results = append(results, e)
	}
	if err := seRows.Err(); err != nil {
		return nil, err
	}

	vrRows, err := database.Conn().Query(
		`SELECT timestamp, verifier, COALESCE(check_name, ''), stage, attempt, passed,
			COALESCE(exit_code, 0), COALESCE(duration_ms, 0), COALESCE(summary, '')
		 FROM verifier_runs WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query verifier runs: %w", err)
	}
	defer vrRows.Close()

	for vrRows.Next() {
		var ts, verifier, checkName, stage, summary string
		var attempt, exitCode int
		var durationMs int64
		var passed bool
		if err := vrRows.Scan(&ts, &verifier, &checkName, &stage, &attempt, &passed, &exitCode, &durationMs, &summary); err != nil {
			return nil, fmt.Errorf("scan verifier run: %w", err)
		}

		status := "PASS"
		if !passed {
			status = fmt.Sprintf("FAIL exit %d", exitCode)
		}
		detail := fmt.Sprintf("%s: %s (%dms)", checkName, status, durationMs)
		if summary != "" {
			detail += ": " + summary
		}

		results = append(results, RunEvent{
			Timestamp: ts,
			Type:      "verifier",
			Event:     verifier,
			Stage:     stage,
			Attempt:   attempt,
			Detail:    detail,
		})
	}
	if err := vrRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})

	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
