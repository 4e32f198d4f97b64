package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/coderloop/internal/analytics"
	"github.com/lucasnoah/coderloop/internal/pipeline"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect runs in the artifact store",
}

// openStore opens the artifact store named by the config.
func openStore() (*pipeline.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store := pipeline.NewStore(cfg.WorkDir)
	store.SetSourceExt(cfg.SourceExt)
	return store, nil
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		runs, err := store.List(status)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}

		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tBACKEND\tMODEL\tCREATED\tOUTCOME\tPROBLEM")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Status, r.Backend, r.Model, r.CreatedAt, outcome(&r), truncate(firstLine(r.Problem), 40))
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's stages, attempts and ledger timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := pipeline.NewStore(cfg.WorkDir)
		run, err := store.Get(args[0])
		if err != nil {
			return err
		}

		var timeline []analytics.RunEvent
		if d, closeDB, err := openDB(cfg.DBPath); err == nil {
			timeline, err = analytics.QueryRunDetail(d, run.ID)
			closeDB()
			if err != nil {
				return err
			}
		}

		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, struct {
				Run      *pipeline.PipelineRun `json:"run"`
				Timeline []analytics.RunEvent  `json:"timeline"`
			}{run, timeline})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run:      %s\n", run.ID)
		if run.Label != "" {
			fmt.Fprintf(out, "Label:    %s\n", run.Label)
		}
		fmt.Fprintf(out, "Status:   %s (%s)\n", run.Status, outcome(run))
		fmt.Fprintf(out, "Backend:  %s / %s, budget %d\n", run.Backend, run.Model, run.Budget)
		fmt.Fprintf(out, "Created:  %s\n", run.CreatedAt)
		fmt.Fprintf(out, "Dir:      %s\n", store.RunDir(run.ID))
		fmt.Fprintf(out, "\nProblem:\n%s\n", indentLines(strings.TrimSpace(run.Problem), "  "))

		for _, s := range run.Stages {
			fmt.Fprintf(out, "\nStage %s (%s verifier, budget %d): %s after %d repairs\n",
				s.Stage, s.Verifier, s.Budget, orDash(s.Outcome), s.AttemptsUsed)
			for _, a := range s.Attempts {
				status := "PASS"
				if !a.Passed {
					status = "FAIL"
				}
				fmt.Fprintf(out, "  attempt %d  %s  %dms  %s\n", a.Attempt, status, a.DurationMs, a.Summary)
			}
		}
		if run.Failure != nil && run.Failure.Message != "" {
			fmt.Fprintf(out, "\nFailure: %s\n", run.Failure.Message)
		}

		if len(timeline) > 0 {
			fmt.Fprintln(out, "\nTimeline:")
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, e := range timeline {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n", e.Timestamp, e.Stage, e.Event, e.Attempt, e.Detail)
			}
			return w.Flush()
		}
		return nil
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run's artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s.\n", args[0])
		return nil
	},
}

func outcome(r *pipeline.PipelineRun) string {
	switch {
	case r.Success != nil:
		return "succeeded"
	case r.Failure != nil:
		return fmt.Sprintf("%s in %s after %d repairs", r.Failure.Kind, r.Failure.Stage, r.Failure.AttemptsUsed)
	}
	return "-"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func indentLines(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	runsListCmd.Flags().String("status", "", "only runs with this status")
	runsListCmd.Flags().String("format", "text", "Output format: text or json")
	runsShowCmd.Flags().String("format", "text", "Output format: text or json")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}
