// Package blob stores uploaded images on disk for the development backend.
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

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrFileTooLarge   = errors.New("blob file too large")
	ErrDisallowedType = errors.New("disallowed blob mime type")
	ErrExecutableFile = errors.New("executable files are not allowed")
	ErrInvalidPath    = errors.New("invalid blob path")
)

// extensions maps the accepted image types to the extension stored on disk.
var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type StoredBlob struct {
	ID           string
	StoragePath  string
	MimeType     string
	SizeBytes    int64
	OriginalName string
	CreatedAt    time.Time
}

type Service struct {
	rootDir        string
	maxUploadBytes int64
}

func NewService(rootDir string, maxUploadBytes int64) (*Service, error) {
	if strings.TrimSpace(rootDir) == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if maxUploadBytes <= 0 {
		return nil, fmt.Errorf("max upload bytes must be > 0")
	}

	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root directory: %w", err)
	}

	return &Service{
		rootDir:        rootDir,
		maxUploadBytes: maxUploadBytes,
	}, nil
}

// Save writes an image to disk under a fresh name. StoragePath is a single
// path segment, safe to use in a URL.
func (s *Service) Save(_ context.Context, originalName string, src io.Reader) (*StoredBlob, error) {
	name := sanitizeOriginalName(originalName)

	sniff := make([]byte, 3072)
	sniffN, sniffErr := io.ReadFull(src, sniff)
	if sniffErr != nil && sniffErr != io.EOF && sniffErr != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("reading blob data: %w", sniffErr)
	}
	sniff = sniff[:sniffN]

	if isExecutableSignature(sniff) {
		return nil, ErrExecutableFile
	}

	mimeType := mimetype.Detect(sniff).String()
	ext, ok := extensions[mimeType]
	if !ok {
		return nil, ErrDisallowedType
	}

	blobID := uuid.NewString()
	relPath := blobID + ext
	absPath, err := s.resolveStoragePath(relPath)
	if err != nil {
		return nil, err
	}

	tmpFile, err := os.CreateTemp(s.rootDir, blobID+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary blob file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	fullReader := io.MultiReader(bytes.NewReader(sniff), src)
	written, err := io.Copy(tmpFile, io.LimitReader(fullReader, s.maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("writing blob file: %w", err)
	}
	if written > s.maxUploadBytes {
		return nil, ErrFileTooLarge
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("closing temporary blob file: %w", err)
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		return nil, fmt.Errorf("finalizing blob file: %w", err)
	}

	return &StoredBlob{
		ID:           blobID,
		StoragePath:  relPath,
		MimeType:     mimeType,
		SizeBytes:    written,
		OriginalName: name,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (s *Service) Open(storagePath string) (*os.File, error) {
	absPath, err := s.resolveStoragePath(storagePath)
	if err != nil {
		return nil, err
	}
	return os.Open(absPath)
}

func (s *Service) Delete(storagePath string) error {
	absPath, err := s.resolveStoragePath(storagePath)
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

func (s *Service) resolveStoragePath(storagePath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(storagePath))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) || strings.ContainsRune(clean, filepath.Separator) {
		return "", ErrInvalidPath
	}

	return filepath.Join(s.rootDir, clean), nil
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
