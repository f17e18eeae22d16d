package blob

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

type Kind string

const (
	KindAvatar Kind = "avatar"
	KindCover  Kind = "cover"
)

var (
	ErrFileTooLarge   = errors.New("blob file too large")
	ErrEmptyFile      = errors.New("blob file is empty")
	ErrInvalidKind    = errors.New("invalid blob kind")
	ErrDisallowedType = errors.New("disallowed blob mime type")
	ErrExecutableFile = errors.New("executable files are not allowed")
	ErrInvalidPath    = errors.New("invalid blob path")
)

// Asset describes an uploaded file as seen by the rest of the service.
type Asset struct {
	Key          string
	URL          string
	Kind         Kind
	MimeType     string
	SizeBytes    int64
	OriginalName string
	CreatedAt    time.Time
}

type prepared struct {
	data         []byte
	mimeType     string
	originalName string
}

// prepare reads at most maxBytes from src, rejects executables and non-image
// content and normalizes the image for profile display.
func prepare(kind Kind, originalName string, src io.Reader, maxBytes int64) (*prepared, error) {
	if !isValidKind(kind) {
		return nil, ErrInvalidKind
	}

	raw, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading blob data: %w", err)
	}
	if int64(len(raw)) > maxBytes {
		return nil, ErrFileTooLarge
	}
	if len(raw) == 0 {
		return nil, ErrEmptyFile
	}

	sniff := raw
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	if isExecutableSignature(sniff) {
		return nil, ErrExecutableFile
	}
	if !isAllowedMimeType(kind, detectMimeType(sniff)) {
		return nil, ErrDisallowedType
	}

	normalized, err := NormalizeStaticImage(bytes.NewReader(raw), DefaultProfileImageMaxEdge, DefaultProfileJPEGQuality)
	if err != nil {
		return nil, err
	}

	return &prepared{
		data:         normalized.Data,
		mimeType:     normalized.MimeType,
		originalName: sanitizeOriginalName(originalName),
	}, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	default:
		return ""
	}
}

func sanitizeOriginalName(name string) string {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "upload.bin"
	}
	if len(name) > 255 {
		return name[:255]
	}
	return name
}

func detectMimeType(sniff []byte) string {
	if len(sniff) == 0 {
		return "application/octet-stream"
	}

	return trimMimeParams(http.DetectContentType(sniff))
}

func isExecutableSignature(sniff []byte) bool {
	if len(sniff) < 2 {
		return false
	}

	if sniff[0] == 'M' && sniff[1] == 'Z' {
		return true // PE/COFF (Windows)
	}
	if len(sniff) >= 4 {
		if bytes.Equal(sniff[:4], []byte{0x7f, 'E', 'L', 'F'}) {
			return true // ELF
		}

		machoMagics := [][]byte{
			{0xfe, 0xed, 0xfa, 0xce},
			{0xce, 0xfa, 0xed, 0xfe},
			{0xfe, 0xed, 0xfa, 0xcf},
			{0xcf, 0xfa, 0xed, 0xfe},
			{0xca, 0xfe, 0xba, 0xbe},
			{0xbe, 0xba, 0xfe, 0xca},
		}
		for _, magic := range machoMagics {
			if bytes.Equal(sniff[:4], magic) {
				return true
			}
		}
	}

	if sniff[0] == '#' && sniff[1] == '!' {
		return true // shebang scripts
	}

	return false
}

func trimMimeParams(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		return strings.TrimSpace(contentType[:idx])
	}
	return strings.TrimSpace(contentType)
}

func isValidKind(kind Kind) bool {
	switch kind {
	case KindAvatar, KindCover:
		return true
	default:
		return false
	}
}

func isAllowedMimeType(kind Kind, mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" || mimeType == "image/svg+xml" {
		return false
	}

	switch kind {
	case KindAvatar, KindCover:
		return mimeType == "image/png" || mimeType == "image/jpeg" || mimeType == "image/gif"
	default:
		return false
	}
}
