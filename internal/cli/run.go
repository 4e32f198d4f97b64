package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/coderloop/internal/config"
	"github.com/lucasnoah/coderloop/internal/llm"
	"github.com/lucasnoah/coderloop/internal/orchestrator"
	"github.com/lucasnoah/coderloop/internal/pipeline"
	"github.com/lucasnoah/coderloop/internal/stage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Solve one problem: generate, type check, write tests, run them",
	Long: `Solve one problem. Without --problem or --problem-file the problem is read
interactively from the terminal, or from stdin when it is not a terminal.

In interactive mode the run pauses before each verification and shows the
candidate; declining aborts the run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyRunFlags(cmd, cfg)

		noInteractive, _ := cmd.Flags().GetBool("no-interactive")
		ni, _ := cmd.Flags().GetBool("ni")
		interactive := !noInteractive && !ni && stdinIsTerminal()

		problem, err := readProblem(cmd, interactive)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		d, err := buildDeps(*cfg, out)
		if err != nil {
			return err
		}
		defer d.close()

		showDiag, _ := cmd.Flags().GetBool("show-diagnostics")
		d.engine.SetShowDiagnostics(showDiag)
		if interactive {
			d.engine.SetCheckpoint(confirmCheckpoint(out))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		label, _ := cmd.Flags().GetString("label")
		res, runErr := d.orch.Run(ctx, orchestrator.RunOpts{
			Problem:     problem,
			Label:       label,
			Backend:     cfg.Backend,
			Model:       modelName(cfg),
			Budget:      cfg.Retries,
			Interactive: interactive,
			Separator:   cfg.Separator,
		})

		if path, _ := cmd.Flags().GetString("metrics-file"); path != "" {
			if err := d.metrics.WriteTextfile(path); err != nil {
				d.logger.Warn("write metrics textfile failed", zap.String("path", path), zap.Error(err))
			}
		}
		if res != nil {
			fmt.Fprintf(out, "Run %s: artifacts in %s\n", res.RunID, d.store.RunDir(res.RunID))
		}
		if runErr != nil {
			return runErr
		}
		if !res.Succeeded() {
			return fmt.Errorf("run %s failed in stage %s after %d repairs",
				res.RunID, res.Failure.Stage, res.Failure.AttemptsUsed)
		}
		return nil
	},
}

// applyRunFlags overlays explicitly set flags onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("backend") {
		cfg.Backend, _ = f.GetString("backend")
	}
	if f.Changed("model") {
		cfg.Model, _ = f.GetString("model")
	}
	if f.Changed("retries") {
		cfg.Retries, _ = f.GetInt("retries")
	}
	if f.Changed("temperature") {
		cfg.Temperature, _ = f.GetFloat32("temperature")
	}
	if f.Changed("max-tokens") {
		cfg.MaxTokens, _ = f.GetInt("max-tokens")
	}
	if f.Changed("work-dir") {
		cfg.WorkDir, _ = f.GetString("work-dir")
	}
	if f.Changed("separator") {
		cfg.Separator, _ = f.GetString("separator")
	}
}

func modelName(cfg *config.Config) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return llm.DefaultModels[cfg.Backend]
}

// readProblem takes the problem from --problem, --problem-file, an
// interactive prompt or stdin, in that order.
func readProblem(cmd *cobra.Command, interactive bool) (string, error) {
	if p, _ := cmd.Flags().GetString("problem"); strings.TrimSpace(p) != "" {
		return p, nil
	}
	if path, _ := cmd.Flags().GetString("problem-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read problem file: %w", err)
		}
		return nonEmptyProblem(string(data))
	}
	if interactive {
		p := promptui.Prompt{
			Label: "Enter your query",
			Validate: func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("the query is empty")
				}
				return nil
			},
		}
		answer, err := p.Run()
		if err != nil {
			return "", fmt.Errorf("read problem: %w", err)
		}
		return answer, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read problem from stdin: %w", err)
	}
	return nonEmptyProblem(string(data))
}

func nonEmptyProblem(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", errors.New("problem statement is empty")
	}
	return s, nil
}

// confirmCheckpoint shows the candidate about to be verified and asks
// whether to go on. Declining or interrupting the prompt aborts the run.
func confirmCheckpoint(w io.Writer) stage.Checkpoint {
	return func(ctx context.Context, c *pipeline.Candidate) (bool, error) {
		what := "code"
		if c.Kind == pipeline.KindCodeAndTests {
			what = "code and tests"
		}
		fmt.Fprintf(w, "\n%s\n\n%s\n\n", color.CyanString("The %s for %s, attempt %d:", what, c.Stage, c.Attempt), c.Text)

		p := promptui.Prompt{
			Label:     "Continue",
			IsConfirm: true,
			Default:   "y",
		}
		_, err := p.Run()
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, promptui.ErrAbort), errors.Is(err, promptui.ErrInterrupt), errors.Is(err, promptui.ErrEOF):
			return false, nil
		default:
			return false, err
		}
	}
}

func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func init() {
	f := runCmd.Flags()
	f.StringP("backend", "b", "groq", "model backend: groq or openai")
	f.IntP("retries", "n", 4, "repairs allowed per stage")
	f.Float32P("temperature", "t", 0, "sampling temperature")
	f.StringP("model", "m", "", "model name (default depends on the backend)")
	f.Int("max-tokens", 1500, "maximum tokens per completion")
	f.Bool("no-interactive", false, "do not pause before each verification")
	f.Bool("ni", false, "alias for --no-interactive")
	f.String("problem", "", "problem statement")
	f.String("problem-file", "", "read the problem statement from a file")
	f.String("work-dir", "", "directory for run artifacts")
	f.String("separator", "", "line separating code from tests in the combined file")
	f.String("label", "", "free-form label stored with the run")
	f.String("metrics-file", "", "write Prometheus metrics to this textfile when done")
	f.Bool("show-diagnostics", true, "print verifier output on failure")
}
