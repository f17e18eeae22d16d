package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"accounts/internal/db"
	"accounts/internal/mediaurl"
)

// LocalStore keeps uploaded assets on the local filesystem below rootDir and
// serves them under baseURL/media/.
type LocalStore struct {
	rootDir        string
	baseURL        string
	maxUploadBytes int64
}

func NewLocalStore(rootDir, baseURL string, maxUploadBytes int64) (*LocalStore, error) {
	if strings.TrimSpace(rootDir) == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if maxUploadBytes <= 0 {
		return nil, fmt.Errorf("max upload bytes must be > 0")
	}

	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root directory: %w", err)
	}

	return &LocalStore{
		rootDir:        rootDir,
		baseURL:        baseURL,
		maxUploadBytes: maxUploadBytes,
	}, nil
}

func (s *LocalStore) RootDir() string {
	return s.rootDir
}

func (s *LocalStore) MaxUploadBytes() int64 {
	return s.maxUploadBytes
}

func (s *LocalStore) Upload(_ context.Context, kind Kind, originalName string, src io.Reader) (*Asset, error) {
	p, err := prepare(kind, originalName, src, s.maxUploadBytes)
	if err != nil {
		return nil, err
	}

	blobID, err := db.GenerateID("blb")
	if err != nil {
		return nil, fmt.Errorf("generating blob id: %w", err)
	}

	relPath := blobRelativePath(kind, blobID) + extensionFor(p.mimeType)
	absPath, err := s.resolveStoragePath(relPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(absPath), blobID+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary blob file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	written, err := io.Copy(tmpFile, bytes.NewReader(p.data))
	if err != nil {
		return nil, fmt.Errorf("writing blob file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("closing temporary blob file: %w", err)
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		return nil, fmt.Errorf("finalizing blob file: %w", err)
	}

	return &Asset{
		Key:          relPath,
		URL:          mediaurl.Blob(s.baseURL, relPath),
		Kind:         kind,
		MimeType:     p.mimeType,
		SizeBytes:    written,
		OriginalName: p.originalName,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (s *LocalStore) Open(storagePath string) (*os.File, error) {
	absPath, err := s.resolveStoragePath(storagePath)
	if err != nil {
		return nil, err
	}
	return os.Open(absPath)
}

// Delete removes the asset behind url. URLs this store did not issue are
// ignored.
func (s *LocalStore) Delete(_ context.Context, url string) error {
	key, ok := mediaurl.ParseKey(url)
	if !ok {
		return nil
	}

	absPath, err := s.resolveStoragePath(key)
	if err != nil {
		return err
	}

	err = os.Remove(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting blob file: %w", err)
	}

	return nil
}

func (s *LocalStore) resolveStoragePath(storagePath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(storagePath))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", ErrInvalidPath
	}

	return filepath.Join(s.rootDir, clean), nil
}

func blobRelativePath(kind Kind, blobID string) string {
	return filepath.ToSlash(filepath.Join(string(kind), blobPathPrefix(blobID), blobID))
}

func blobPathPrefix(blobID string) string {
	randomPart := strings.TrimPrefix(blobID, "blb_")
	if len(randomPart) < 2 {
		return "xx"
	}
	return randomPart[:2]
}
