package handlers

import (
	"net/http"
	"path/filepath"
	"strings"
)

// HandleUploads serves uploaded photos back to the wizard frontend so it can
// render thumbnails for records still in flight.
func (h *Handler) HandleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/uploads/")
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		http.Error(w, "Invalid file path", http.StatusBadRequest)
		return
	}

	http.ServeFile(w, r, filepath.Join(h.uploadsDir, name))
}
