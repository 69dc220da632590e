package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HandleScans serves the session collection: list summaries, create.
func (h *Handler) HandleScans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		summaries, err := h.manager.List(r.Context())
		if err != nil {
			h.writeAPIError(w, err)
			return
		}
		h.writeJSON(w, summaries)
	case "POST":
		var request struct {
			Location string `json:"location"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		session, err := h.manager.Create(r.Context(), request.Location)
		if err != nil {
			h.writeAPIError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		h.writeJSON(w, session)
	default:
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleScanDetail serves one session and its sub-resources:
//
//	GET  /api/scans/{id}
//	POST /api/scans/{id}/images
//	POST /api/scans/{id}/process
//	POST /api/scans/{id}/retry
//	POST /api/scans/{id}/complete
//	POST /api/scans/{id}/abandon
//	POST /api/scans/{id}/archive
//	POST /api/scans/{id}/commit
//	DELETE /api/scans/{id}/images/{index}
func (h *Handler) HandleScanDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/scans/")
	parts := strings.SplitN(rest, "/", 3)
	sessionID := parts[0]
	if sessionID == "" {
		h.writeError(w, "Session id required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method != "GET" {
			h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		session, err := h.manager.Get(r.Context(), sessionID)
		if err != nil {
			h.writeAPIError(w, err)
			return
		}
		h.writeJSON(w, session)
		return
	}

	switch parts[1] {
	case "images":
		h.handleImages(w, r, sessionID, parts)
	case "process":
		h.handleProcess(w, r, sessionID)
	case "retry":
		h.handlePost(w, r, sessionID, h.manager.RetryFailed)
	case "complete":
		h.handlePost(w, r, sessionID, h.manager.Complete)
	case "abandon":
		h.handlePost(w, r, sessionID, h.manager.Abandon)
	case "archive":
		h.handlePost(w, r, sessionID, h.manager.Archive)
	case "commit":
		h.handleCommit(w, r, sessionID)
	default:
		h.writeError(w, "Not found", http.StatusNotFound)
	}
}

// handlePost runs a single-id lifecycle operation for a POST route.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request, sessionID string, op func(context.Context, string) error) {
	if r.Method != "POST" {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := op(r.Context(), sessionID); err != nil {
		h.writeAPIError(w, err)
		return
	}
	session, err := h.manager.Get(r.Context(), sessionID)
	if err != nil {
		// Archive moves the record; a bare ack is all we can return.
		h.writeJSON(w, map[string]any{"session_id": sessionID, "ok": true})
		return
	}
	h.writeJSON(w, session)
}

// handleProcess kicks off background analysis of the session's pending
// images. The HTTP request returns immediately; workers report their
// outcomes through the lifecycle API.
func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != "POST" {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.manager.Get(r.Context(), sessionID); err != nil {
		h.writeAPIError(w, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := h.runner.Run(ctx, sessionID); err != nil {
			slog.Error("background processing failed", "session_id", sessionID, "err", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	h.writeJSON(w, map[string]any{"session_id": sessionID, "status": "processing"})
}

// handleCommit pushes the completed records of a completed session to the
// inventory service.
func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != "POST" {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session, err := h.manager.Get(r.Context(), sessionID)
	if err != nil {
		h.writeAPIError(w, err)
		return
	}
	result, err := h.inventory.CommitSession(r.Context(), session)
	if err != nil {
		h.writeError(w, "Inventory commit failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	h.writeJSON(w, result)
}
