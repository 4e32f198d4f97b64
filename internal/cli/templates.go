package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/coderloop/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage prompt templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in prompt templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range prompt.Names() {
			cmd.Println(name)
		}
		return nil
	},
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Copy the built-in templates to a directory for editing",
	Long: `Templates found in the directory override the built-in ones by name.
Existing files are kept unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.TemplatesDir
		}
		if dir == "" {
			dir = prompt.DefaultDir()
		}
		force, _ := cmd.Flags().GetBool("force")

		written, err := prompt.InstallBuiltinTemplates(dir, force)
		if err != nil {
			return err
		}
		for _, name := range written {
			cmd.Printf("  wrote %s\n", name)
		}
		cmd.Printf("Installed %d template(s) in %s\n", len(written), dir)
		return nil
	},
}

func init() {
	templatesInstallCmd.Flags().String("dir", "", "target directory (default templates_dir from the config)")
	templatesInstallCmd.Flags().Bool("force", false, "overwrite existing files")
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesInstallCmd)
}
