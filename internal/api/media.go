package api

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"accounts/internal/blob"
)

type MediaHandler struct {
	blobs *blob.LocalStore
}

func NewMediaHandler(blobs *blob.LocalStore) *MediaHandler {
	return &MediaHandler{blobs: blobs}
}

// GET /media/*
func (h *MediaHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "*"))
	if key == "" {
		writeError(w, http.StatusNotFound, "Media not found")
		return
	}

	file, err := h.blobs.Open(key)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, blob.ErrInvalidPath) {
		writeError(w, http.StatusNotFound, "Media not found")
		return
	}
	if err != nil {
		internalError(w)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "Media not found")
		return
	}

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "inline")

	http.ServeContent(w, r, path.Base(key), info.ModTime(), file)
}
