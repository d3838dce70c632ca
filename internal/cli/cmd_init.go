package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/session"
)

// newInitCmd creates the init command
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize warden in the current project",
		Long: `Initialize warden in the current project.

Creates the .warden directory with a default configuration and the
schema override directory. Existing files are left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := session.NewLayout(".")

			for _, dir := range []string{layout.Dir(), layout.SchemasDir()} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			cfgPath := filepath.Join(layout.Dir(), config.ConfigFileName)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := config.Default().SaveTo(cfgPath); err != nil {
					return err
				}
				if !quiet {
					fmt.Printf("Created %s\n", cfgPath)
				}
			} else if !quiet {
				fmt.Printf("Config already exists at %s\n", cfgPath)
			}

			if !quiet {
				fmt.Println("\nNext steps:")
				fmt.Println("  export ORCHESTRATOR_JWT_SECRET=<secret>")
				fmt.Println("  warden serve")
			}
			return nil
		},
	}
	return cmd
}
