package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"accounts/internal/blob"
	"accounts/internal/session"
)

// Envelope wraps every response body, successful or not.
type Envelope struct {
	StatusCode int    `json:"statusCode"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respond(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, Envelope{
		StatusCode: status,
		Success:    status < http.StatusBadRequest,
		Message:    message,
		Data:       data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	respond(w, status, message, nil)
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message)
}

func unauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, message)
}

func payloadTooLarge(w http.ResponseWriter, message string) {
	writeError(w, http.StatusRequestEntityTooLarge, message)
}

func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "An internal error occurred")
}

func statusForKind(kind session.Kind) int {
	switch kind {
	case session.KindValidation, session.KindAssetUpload:
		return http.StatusBadRequest
	case session.KindConflict:
		return http.StatusConflict
	case session.KindNotFound:
		return http.StatusNotFound
	case session.KindUnauthorized:
		return http.StatusUnauthorized
	case session.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeSessionError maps a session.Error onto the envelope. Internal causes
// are logged and never sent to the client.
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	var se *session.Error
	if !errors.As(err, &se) || se.Kind == session.KindInternal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "user_id", GetUserID(r), "error", err)
		internalError(w)
		return
	}

	if se.Kind == session.KindAssetUpload {
		writeUploadError(w, se)
		return
	}

	writeError(w, statusForKind(se.Kind), se.Message)
}

func writeUploadError(w http.ResponseWriter, se *session.Error) {
	switch {
	case errors.Is(se.Err, blob.ErrFileTooLarge):
		payloadTooLarge(w, "File exceeds maximum upload size")
	case errors.Is(se.Err, blob.ErrDisallowedType), errors.Is(se.Err, blob.ErrInvalidImage):
		badRequest(w, "Unsupported file type")
	case errors.Is(se.Err, blob.ErrExecutableFile):
		badRequest(w, "Executable files are not allowed")
	case errors.Is(se.Err, blob.ErrEmptyFile):
		badRequest(w, "File is empty")
	default:
		slog.Warn("asset upload failed", "error", se.Err)
		badRequest(w, se.Message)
	}
}
