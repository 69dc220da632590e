package cmd

import (
	"fmt"

	"github.com/lehigh-university-libraries/scanventory/internal/config"
	"github.com/lehigh-university-libraries/scanventory/internal/export"
	"github.com/lehigh-university-libraries/scanventory/internal/store"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	var settingsPath string
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all session records to a Parquet file",
		Long: `Flattens every scan session record, live and archived, into a Parquet
file suitable for offline analysis of throughput, retry rates, and failure
causes.`,
		Example: `  scanventory export --out sessions.parquet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(settingsPath)
			if err != nil {
				return err
			}
			st := store.New(settings.DataDir)
			rows, err := export.WriteAll(st, outPath)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %d row(s) to %s\n", rows, outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&settingsPath, "settings", "scanventory.yaml", "Path to settings file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "sessions.parquet", "Output Parquet file")

	return cmd
}
