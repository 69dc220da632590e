package handlers

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const maxUploadBytes = 10 * 1024 * 1024

// handleImages adds images to a session (POST, multipart files or JSON
// source URLs) or logically removes one (DELETE /images/{index}).
func (h *Handler) handleImages(w http.ResponseWriter, r *http.Request, sessionID string, parts []string) {
	switch r.Method {
	case "POST":
		contentType := r.Header.Get("Content-Type")
		if strings.Contains(contentType, "application/json") {
			h.handleSourceUpload(w, r, sessionID)
			return
		}
		h.handleFileUpload(w, r, sessionID)
	case "DELETE":
		if len(parts) != 3 {
			h.writeError(w, "Image index required", http.StatusBadRequest)
			return
		}
		index, err := strconv.Atoi(parts[2])
		if err != nil {
			h.writeError(w, "Invalid image index: "+parts[2], http.StatusBadRequest)
			return
		}
		if err := h.manager.RemoveImage(r.Context(), sessionID, index); err != nil {
			h.writeAPIError(w, err)
			return
		}
		h.writeJSON(w, map[string]any{"session_id": sessionID, "removed": index})
	default:
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSourceUpload registers already-hosted images by URL.
func (h *Handler) handleSourceUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	var request struct {
		Sources []string `json:"sources"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(request.Sources) == 0 {
		h.writeError(w, "sources is required", http.StatusBadRequest)
		return
	}
	for _, src := range request.Sources {
		if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
			h.writeError(w, "sources must be http(s) URLs: "+src, http.StatusBadRequest)
			return
		}
	}

	if err := h.manager.AddImages(r.Context(), sessionID, request.Sources); err != nil {
		h.writeAPIError(w, err)
		return
	}

	h.writeJSON(w, map[string]any{
		"session_id": sessionID,
		"images":     len(request.Sources),
		"source":     "url",
	})
}

// handleFileUpload stores uploaded photos under the uploads directory
// (content-addressed filenames, so re-uploads dedupe) and appends them as
// pending image records.
func (h *Handler) handleFileUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(w, "Failed to parse upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	var files []*multipart.FileHeader
	if r.MultipartForm != nil {
		files = r.MultipartForm.File["files"]
		if len(files) == 0 {
			files = r.MultipartForm.File["file"]
		}
	}
	if len(files) == 0 {
		h.writeError(w, "No files in upload", http.StatusBadRequest)
		return
	}

	if err := h.ensureUploadsDir(); err != nil {
		h.writeError(w, "Failed to create uploads directory: "+err.Error(), http.StatusInternalServerError)
		return
	}

	var sources []string
	for _, header := range files {
		path, err := h.saveUpload(header)
		if err != nil {
			h.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		sources = append(sources, path)
	}

	if err := h.manager.AddImages(r.Context(), sessionID, sources); err != nil {
		h.writeAPIError(w, err)
		return
	}

	h.writeJSON(w, map[string]any{
		"session_id": sessionID,
		"message":    fmt.Sprintf("Successfully uploaded %d image(s)", len(sources)),
		"images":     len(sources),
	})
}

func (h *Handler) saveUpload(header *multipart.FileHeader) (string, error) {
	file, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	defer file.Close()

	fileData, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read file contents: %w", err)
	}
	if len(fileData) >= maxUploadBytes {
		return "", fmt.Errorf("file %s too large (max 10MB)", header.Filename)
	}

	filename := fmt.Sprintf("%x%s", md5.Sum(fileData), filepath.Ext(header.Filename))
	path := filepath.Join(h.uploadsDir, filename)
	if err := os.WriteFile(path, fileData, 0o644); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}
	return path, nil
}
