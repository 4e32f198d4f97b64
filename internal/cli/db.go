package cli

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Ledger database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, closeDB, err := openDB(cfg.DBPath)
		if err != nil {
			return err
		}
		defer closeDB()
		cmd.Printf("Ledger %s is up to date.\n", d.Path())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the ledger (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			p := promptui.Prompt{
				Label:     "Delete every recorded run event",
				IsConfirm: true,
			}
			if _, err := p.Run(); err != nil {
				if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
					cmd.Println("Aborted.")
					return nil
				}
				return err
			}
		}
		d, closeDB, err := openDB(cfg.DBPath)
		if err != nil {
			return err
		}
		defer closeDB()
		if err := d.Reset(); err != nil {
			return fmt.Errorf("reset ledger: %w", err)
		}
		cmd.Printf("Ledger %s reset.\n", d.Path())
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
