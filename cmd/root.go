package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scanventory",
		Short: "Photo-to-inventory scan session service",
		Long: `Scanventory turns photos into inventory items: upload images into a scan
session, let a vision model propose item descriptions, then commit the
confirmed batch to the inventory service.

Session state is tracked durably on disk so a crash or restart never loses
an in-flight batch.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newExportCmd())

	return cmd
}
