package api

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"accounts/internal/session"
)

// multipartOverhead leaves room for the text fields next to the files.
const multipartOverhead = 64 << 10

// parseMultipart reads a multipart body of at most maxBytes and writes the
// error response itself when it fails.
func parseMultipart(w http.ResponseWriter, r *http.Request, maxBytes int64) (func(), bool) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		if isBodyTooLargeError(err) {
			payloadTooLarge(w, "File exceeds maximum upload size")
		} else {
			badRequest(w, "Invalid multipart upload")
		}
		return func() {}, false
	}

	return func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}, true
}

// formUpload returns the named file part, or nil when the field is absent.
// The caller closes the returned file.
func formUpload(r *http.Request, field string) (*session.Upload, multipart.File, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	name := ""
	if header != nil {
		name = strings.TrimSpace(header.Filename)
	}
	return &session.Upload{Filename: name, Body: file}, file, nil
}

func closeFile(f multipart.File) {
	if f != nil {
		_ = f.Close()
	}
}

func isBodyTooLargeError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "request body too large")
}
