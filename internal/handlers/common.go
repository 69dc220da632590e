package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/lehigh-university-libraries/scanventory/internal/inventory"
	"github.com/lehigh-university-libraries/scanventory/internal/runner"
	"github.com/lehigh-university-libraries/scanventory/internal/scans"
	"github.com/lehigh-university-libraries/scanventory/internal/store"
)

// Handler is the thin HTTP adapter over the session lifecycle API. Every
// route maps directly onto one lifecycle operation; no session state lives
// here.
type Handler struct {
	manager    *scans.Manager
	runner     *runner.Runner
	inventory  *inventory.Client
	uploadsDir string
}

// New creates the HTTP handler.
func New(manager *scans.Manager, r *runner.Runner, inv *inventory.Client, uploadsDir string) *Handler {
	return &Handler{
		manager:    manager,
		runner:     r,
		inventory:  inv,
		uploadsDir: uploadsDir,
	}
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Unable to encode JSON response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	slog.Error(message)
	http.Error(w, message, code)
}

// writeAPIError maps lifecycle errors onto HTTP statuses.
func (h *Handler) writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, scans.ErrInvalidState):
		h.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, scans.ErrBusy):
		h.writeError(w, "Session busy, try again", http.StatusServiceUnavailable)
	default:
		h.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) ensureUploadsDir() error {
	return os.MkdirAll(h.uploadsDir, 0o755)
}
