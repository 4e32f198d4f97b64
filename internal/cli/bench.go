package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/coderloop/internal/bench"
	"github.com/lucasnoah/coderloop/internal/orchestrator"
	"github.com/lucasnoah/coderloop/internal/web"
)

var benchCmd = &cobra.Command{
	Use:   "bench <corpus.jsonl[.gz]>",
	Short: "Run a HumanEval-format benchmark and write a samples file",
	Long: `Replays every problem of a HumanEval-format corpus through the pipeline,
non-interactively, and writes one {"task_id", "completion"} line per problem.
The completion is the final code of a passing run and empty otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyRunFlags(cmd, cfg)
		if cmd.Flags().Changed("parallel") {
			cfg.Bench.Parallel, _ = cmd.Flags().GetInt("parallel")
		}

		problems, err := bench.ReadProblems(args[0])
		if err != nil {
			return err
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 && limit < len(problems) {
			problems = problems[:limit]
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Found %d problems.\n", len(problems))

		d, err := buildDeps(*cfg, nil)
		if err != nil {
			return err
		}
		defer d.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			go func() {
				if err := d.metrics.Serve(ctx, addr); err != nil {
					d.logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
				}
			}()
		}

		if addr, _ := cmd.Flags().GetString("ui-addr"); addr != "" {
			ui := web.NewServer(d.store, d.ledger, addr, d.logger)
			ui.SetMetrics(d.metrics.Handler())
			go func() {
				if err := ui.Serve(ctx); err != nil {
					d.logger.Warn("web UI stopped", zap.String("addr", addr), zap.Error(err))
				}
			}()
		}

		solve := func(ctx context.Context, p bench.Problem) (*orchestrator.Result, error) {
			return d.orch.Run(ctx, orchestrator.RunOpts{
				Problem:   p.Prompt,
				Label:     p.TaskID,
				Backend:   cfg.Backend,
				Model:     modelName(cfg),
				Budget:    cfg.Retries,
				Separator: cfg.Separator,
			})
		}

		h := bench.NewHarness(solve, cfg.Bench.Parallel, d.logger)
		h.SetProgress(out)
		rep, err := h.Run(ctx, problems)
		if err != nil {
			return err
		}

		path, _ := cmd.Flags().GetString("out")
		if err := bench.WriteSamplesFile(path, rep.Samples); err != nil {
			return fmt.Errorf("write samples: %w", err)
		}
		if mf, _ := cmd.Flags().GetString("metrics-file"); mf != "" {
			if err := d.metrics.WriteTextfile(mf); err != nil {
				d.logger.Warn("write metrics textfile failed", zap.String("path", mf), zap.Error(err))
			}
		}

		fmt.Fprintf(out, "\n%d passed, %d failed, %d errored in %s\n",
			rep.Passed, rep.Failed, rep.Errored, formatDuration(rep.Duration))
		fmt.Fprintf(out, "Samples written to %s\n", path)
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.StringP("backend", "b", "groq", "model backend: groq or openai")
	f.IntP("retries", "n", 4, "repairs allowed per stage")
	f.Float32P("temperature", "t", 0, "sampling temperature")
	f.StringP("model", "m", "", "model name (default depends on the backend)")
	f.Int("max-tokens", 1500, "maximum tokens per completion")
	f.String("work-dir", "", "directory for run artifacts")
	f.String("out", "samples.jsonl", "samples file to write")
	f.Int("parallel", 1, "problems solved at once")
	f.Int("limit", 0, "only run the first N problems")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	f.String("ui-addr", "", "serve the web UI and live metrics on this address while running")
	f.String("metrics-file", "", "write Prometheus metrics to this textfile when done")
}
