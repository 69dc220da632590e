package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/lehigh-university-libraries/scanventory/internal/config"
	"github.com/lehigh-university-libraries/scanventory/internal/gemini"
	"github.com/lehigh-university-libraries/scanventory/internal/handlers"
	"github.com/lehigh-university-libraries/scanventory/internal/inventory"
	"github.com/lehigh-university-libraries/scanventory/internal/lockfile"
	"github.com/lehigh-university-libraries/scanventory/internal/ollama"
	"github.com/lehigh-university-libraries/scanventory/internal/openai"
	"github.com/lehigh-university-libraries/scanventory/internal/runner"
	"github.com/lehigh-university-libraries/scanventory/internal/scans"
	"github.com/lehigh-university-libraries/scanventory/internal/store"
	"github.com/lehigh-university-libraries/scanventory/internal/vision"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port string
	var settingsPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scan session web service",
		Long: `Starts the Scanventory HTTP API on the specified port.

Before any requests are served, startup recovery scans the durable store for
sessions a previous process left mid-flight and requeues their in-flight
images, so no uploaded photo is ever silently lost.`,
		Example: `  # Start server on default port 8888
  scanventory serve

  # Start server on custom port with a settings file
  scanventory serve --port 3000 --settings scanventory.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(settingsPath)
			if err != nil {
				return err
			}
			if port != "" {
				settings.Port = port
			}
			durations, err := settings.ParseDurations()
			if err != nil {
				return err
			}

			st := store.New(settings.DataDir)
			locks := lockfile.NewManager(filepath.Join(settings.DataDir, "locks"))
			manager := scans.NewManager(st, locks, scans.Options{
				MaxRetries:      settings.MaxRetries,
				ClaimStaleAfter: durations.ClaimStaleAfter,
				LockTimeout:     durations.LockTimeout,
			})

			// Recovery must finish before the first claim is served.
			report, err := manager.RecoverAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("startup recovery: %w", err)
			}
			if len(report.Corrupt) > 0 {
				slog.Error("corrupt session records need operator attention", "session_ids", report.Corrupt)
			}

			analyzer, err := newAnalyzer(settings)
			if err != nil {
				return err
			}
			run := runner.New(manager, analyzer, settings.Concurrency)
			handler := handlers.New(manager, run, inventory.NewClient("", ""), filepath.Join(settings.DataDir, "uploads"))

			// Set up routes
			mux := http.NewServeMux()
			mux.HandleFunc("/api/scans", handler.HandleScans)
			mux.HandleFunc("/api/scans/", handler.HandleScanDetail)
			mux.HandleFunc("/uploads/", handler.HandleUploads)
			mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
				if _, err := w.Write([]byte("OK")); err != nil {
					slog.Error("Unable to write healthcheck", "err", err)
				}
			})

			addr := ":" + settings.Port
			server := &http.Server{
				Addr:    addr,
				Handler: mux,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("Scanventory API available", "addr", addr, "url", "http://localhost"+addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-cmd.Context().Done():
				slog.Info("Shutting down server...")
				// Give server 5 seconds to shut down gracefully
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
					return err
				}
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (overrides settings)")
	cmd.Flags().StringVar(&settingsPath, "settings", "scanventory.yaml", "Path to settings file")

	return cmd
}

func newAnalyzer(settings *config.Settings) (vision.Analyzer, error) {
	cfg := vision.Config{
		Model:       settings.Model,
		Temperature: settings.Temperature,
	}
	switch settings.Provider {
	case "gemini":
		return gemini.New(cfg), nil
	case "ollama":
		return ollama.New(cfg), nil
	case "openai":
		return openai.New(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", settings.Provider)
	}
}
