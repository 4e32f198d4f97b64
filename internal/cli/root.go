package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "coderloop",
	Short: "Generate code with a language model and repair it until it passes its checks",
	Long: `coderloop asks a language model for type-annotated code that solves a problem,
type checks it, has the model write unit tests against its stub, and runs them,
feeding every failure back to the model until the budget of repairs is spent.

Run artifacts are stored under ~/.coderloop/runs and every transition is
recorded in the SQLite ledger at ~/.coderloop/ledger.db.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (default ./coderloop.yaml or ~/.coderloop/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
}
