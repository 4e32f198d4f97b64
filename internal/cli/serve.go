package cli

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/coderloop/internal/config"
	"github.com/lucasnoah/coderloop/internal/pipeline"
	"github.com/lucasnoah/coderloop/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Browse runs, attempts and diagnostics in a read-only web UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("work-dir") {
			cfg.WorkDir, _ = cmd.Flags().GetString("work-dir")
		}
		logger, err := config.NewLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer logger.Sync()

		store := pipeline.NewStore(cfg.WorkDir)
		store.SetSourceExt(cfg.SourceExt)
		d, closeDB, err := openDB(cfg.DBPath)
		if err != nil {
			return err
		}
		defer closeDB()

		addr, _ := cmd.Flags().GetString("addr")
		srv := web.NewServer(store, d, addr, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		cmd.Printf("Serving %s on http://%s\n", cfg.WorkDir, addr)
		return srv.Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "localhost:8420", "address to listen on")
	serveCmd.Flags().String("work-dir", "", "directory for run artifacts")
}
