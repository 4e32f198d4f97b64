package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/coderloop/internal/analytics"
	"github.com/lucasnoah/coderloop/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query run and stage analytics from the ledger",
	Long: `Without a subcommand, prints every report. --since takes a date
(2006-01-02), a timestamp, or an age such as 7d or 36h.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(d *db.DB, since string, asJSON bool) error {
			outcomes, err := analytics.QueryRunOutcomes(d, since)
			if err != nil {
				return err
			}
			stages, err := analytics.QueryStageOutcomes(d, since)
			if err != nil {
				return err
			}
			repairs, err := analytics.QueryRepairs(d, since)
			if err != nil {
				return err
			}
			durations, err := analytics.QueryStageDurations(d, since)
			if err != nil {
				return err
			}
			verifiers, err := analytics.QueryVerifierFailures(d, since)
			if err != nil {
				return err
			}
			weeks, err := analytics.QueryThroughput(d, since)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, map[string]interface{}{
					"outcomes":          outcomes,
					"stage_outcomes":    stages,
					"repairs":           repairs,
					"stage_durations":   durations,
					"verifier_failures": verifiers,
					"throughput":        weeks,
				})
			}
			out := cmd.OutOrStdout()
			for _, section := range []struct {
				title string
				print func(io.Writer) error
			}{
				{"Run outcomes", func(w io.Writer) error { return printOutcomes(w, outcomes) }},
				{"Stage outcomes", func(w io.Writer) error { return printStageOutcomes(w, stages) }},
				{"Repairs", func(w io.Writer) error { return printRepairs(w, repairs) }},
				{"Stage durations", func(w io.Writer) error { return printDurations(w, durations) }},
				{"Verifier failures", func(w io.Writer) error { return printVerifierFailures(w, verifiers) }},
				{"Throughput", func(w io.Writer) error { return printThroughput(w, weeks) }},
			} {
				fmt.Fprintf(out, "%s\n", section.title)
				if err := section.print(out); err != nil {
					return err
				}
				fmt.Fprintln(out)
			}
			return nil
		})
	},
}

var analyticsOutcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Finished runs by outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(d *db.DB, since string, asJSON bool) error {
			rows, err := analytics.QueryRunOutcomes(d, since)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, rows)
			}
			return printOutcomes(cmd.OutOrStdout(), rows)
		})
	},
}

var analyticsStagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "First-pass, after-repair and failure rates per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(d *db.DB, since string, asJSON bool) error {
			rows, err := analytics.QueryStageOutcomes(d, since)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, rows)
			}
			return printStageOutcomes(cmd.OutOrStdout(), rows)
		})
	},
}

var analyticsRepairsCmd = &cobra.Command{
	Use:   "repairs",
	Short: "Distribution of repairs per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(d *db.DB, since string, asJSON bool) error {
			rows, err := analytics.QueryRepairs(d, since)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, rows)
			}
			return printRepairs(cmd.OutOrStdout(), rows)
		})
	},
}

var analyticsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Average and percentile durations per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(d *db.DB, since string, asJSON bool) error {
			rows, err := analytics.QueryStageDurations(d, since)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, rows)
			}
			return printDurations(cmd.OutOrStdout(), rows)
		})
	},
}

var analyticsVerifierFailuresCmd = &cobra.Command{
	Use:   "verifier-failures",
	Short: "Failure rates of each verifier check",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(d *db.DB, since string, asJSON bool) error {
			rows, err := analytics.QueryVerifierFailures(d, since)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, rows)
			}
			return printVerifierFailures(cmd.OutOrStdout(), rows)
		})
	},
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Runs started, succeeded and failed per week",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(d *db.DB, since string, asJSON bool) error {
			rows, err := analytics.QueryThroughput(d, since)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, rows)
			}
			return printThroughput(cmd.OutOrStdout(), rows)
		})
	},
}

// withLedger opens the configured ledger and resolves --since and --format.
func withLedger(cmd *cobra.Command, fn func(d *db.DB, since string, asJSON bool) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sinceFlag, _ := cmd.Flags().GetString("since")
	since, err := parseSince(sinceFlag, time.Now())
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("unknown format %q: use table or json", format)
	}
	d, closeDB, err := openDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer closeDB()
	return fn(d, since, format == "json")
}

// parseSince turns an age like 7d or 36h into a ledger timestamp. Anything
// else is passed through as a date.
func parseSince(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	var age time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid --since %q", s)
		}
		age = time.Duration(n) * 24 * time.Hour
	} else if d, err := time.ParseDuration(s); err == nil {
		age = d
	} else {
		if _, err := time.Parse("2006-01-02", s[:min(len(s), 10)]); err != nil {
			return "", fmt.Errorf("invalid --since %q: want a date or an age like 7d", s)
		}
		return s, nil
	}
	return now.Add(-age).UTC().Format("2006-01-02 15:04:05"), nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printOutcomes(w io.Writer, rows []analytics.RunOutcome) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "  no finished runs")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "  OUTCOME\tRUNS\tSHARE")
	for _, r := range rows {
		fmt.Fprintf(t, "  %s\t%d\t%.1f%%\n", r.Outcome, r.Count, r.Pct)
	}
	return t.Flush()
}

func printStageOutcomes(w io.Writer, rows []analytics.StageOutcome) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "  no finished stages")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "  STAGE\tTOTAL\tFIRST PASS\tAFTER REPAIR\tFAILED")
	for _, r := range rows {
		fmt.Fprintf(t, "  %s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\n", r.Stage, r.Total, r.FirstPass, r.AfterRepair, r.Failed)
	}
	return t.Flush()
}

func printRepairs(w io.Writer, rows []analytics.RepairDist) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "  no finished stages")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "  STAGE\tTOTAL\t0\t1\t2\t3+\tAVG")
	for _, r := range rows {
		fmt.Fprintf(t, "  %s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\t%.2f\n",
			r.Stage, r.Total, r.Zero, r.One, r.Two, r.ThreePlus, r.Avg)
	}
	return t.Flush()
}

func printDurations(w io.Writer, rows []analytics.StageDuration) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "  no finished stages")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "  STAGE\tCOUNT\tAVG\tP50\tP95")
	for _, r := range rows {
		fmt.Fprintf(t, "  %s\t%d\t%.1fs\t%.1fs\t%.1fs\n", r.Stage, r.Count, r.Avg, r.P50, r.P95)
	}
	return t.Flush()
}

func printVerifierFailures(w io.Writer, rows []analytics.VerifierFailure) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "  no verifier runs")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "  VERIFIER\tCHECK\tRUNS\tFAIL RATE\tAVG MS\tCOMMON FAILURES")
	for _, r := range rows {
		fmt.Fprintf(t, "  %s\t%s\t%d\t%.1f%%\t%.0f\t%s\n",
			r.Verifier, r.Check, r.Total, r.FailRate, r.AvgDurationMs, truncate(r.CommonFailures, 60))
	}
	return t.Flush()
}

func printThroughput(w io.Writer, rows []analytics.Throughput) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "  no runs")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "  WEEK\tSTARTED\tSUCCEEDED\tFAILED\tAVG DURATION")
	for _, r := range rows {
		fmt.Fprintf(t, "  %s\t%d\t%d\t%d\t%.1fs\n", r.Period, r.Started, r.Succeeded, r.Failed, r.AvgDuration)
	}
	return t.Flush()
}

func init() {
	analyticsCmd.PersistentFlags().String("since", "", "only count runs created after this date or age")
	analyticsCmd.PersistentFlags().String("format", "table", "Output format: table or json")
	analyticsCmd.AddCommand(analyticsOutcomesCmd)
	analyticsCmd.AddCommand(analyticsStagesCmd)
	analyticsCmd.AddCommand(analyticsRepairsCmd)
	analyticsCmd.AddCommand(analyticsStageDurationCmd)
	analyticsCmd.AddCommand(analyticsVerifierFailuresCmd)
	analyticsCmd.AddCommand(analyticsThroughputCmd)
}
