package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/lehigh-university-libraries/scanventory/internal/config"
	"github.com/lehigh-university-libraries/scanventory/internal/lockfile"
	"github.com/lehigh-university-libraries/scanventory/internal/scans"
	"github.com/lehigh-university-libraries/scanventory/internal/store"
	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain scan sessions from the command line",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsExpireCmd())

	return cmd
}

func newSessionManager(settingsPath string) (*scans.Manager, *config.Settings, error) {
	settings, err := config.Load(settingsPath)
	if err != nil {
		return nil, nil, err
	}
	durations, err := settings.ParseDurations()
	if err != nil {
		return nil, nil, err
	}
	st := store.New(settings.DataDir)
	locks := lockfile.NewManager(filepath.Join(settings.DataDir, "locks"))
	manager := scans.NewManager(st, locks, scans.Options{
		MaxRetries:      settings.MaxRetries,
		ClaimStaleAfter: durations.ClaimStaleAfter,
		LockTimeout:     durations.LockTimeout,
	})
	return manager, settings, nil
}

func newSessionsListCmd() *cobra.Command {
	var settingsPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List non-archived scan sessions with summary status",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, err := newSessionManager(settingsPath)
			if err != nil {
				return err
			}
			summaries, err := manager.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tLOCATION\tIMAGES\tDONE\tFAILED\tUPDATED")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					s.ID, s.Status, s.Location, s.Images, s.Completed, s.Failed,
					s.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&settingsPath, "settings", "scanventory.yaml", "Path to settings file")
	return cmd
}

func newSessionsExpireCmd() *cobra.Command {
	var settingsPath string

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Abandon and archive sessions idle past the inactivity window",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, settings, err := newSessionManager(settingsPath)
			if err != nil {
				return err
			}
			durations, err := settings.ParseDurations()
			if err != nil {
				return err
			}
			expired, err := manager.ExpireInactive(cmd.Context(), durations.InactivityExpiry)
			if err != nil {
				return err
			}
			fmt.Printf("Expired %d session(s)\n", expired)
			return nil
		},
	}

	cmd.Flags().StringVar(&settingsPath, "settings", "scanventory.yaml", "Path to settings file")
	return cmd
}
