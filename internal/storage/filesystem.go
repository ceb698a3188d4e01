package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"imagepage/internal/domain"
)

// ErrUnsupportedExt rejects uploads that are neither png nor jpeg.
var ErrUnsupportedExt = errors.New("storage: only png and jpeg uploads are accepted")

var uploadName = regexp.MustCompile(`^[0-9a-f]{32}\.(png|jpg|jpeg)$`)

// FileStore keeps uploaded reference images on the local filesystem under
// <md5 of content>.<ext>. Identical content maps to the same file, so concurrent
// uploads of the same bytes overwrite each other harmlessly.
type FileStore struct {
	basePath string
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// SaveUpload stores data under its content hash and returns the stored descriptor.
func (s *FileStore) SaveUpload(ctx context.Context, data []byte, ext string) (domain.UploadedImage, error) {
	ext = normalizeExt(ext)
	if ext == "" {
		return domain.UploadedImage{}, ErrUnsupportedExt
	}
	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])
	name := hash + "." + ext
	if _, err := s.Write(ctx, name, data); err != nil {
		return domain.UploadedImage{}, err
	}
	return domain.UploadedImage{
		Filename: name,
		Hash:     hash,
		Ext:      ext,
		MIME:     domain.MIMEForExt(ext),
		Size:     int64(len(data)),
	}, nil
}

// Read returns the bytes of a stored upload. Unknown names yield domain.ErrNotFound.
func (s *FileStore) Read(ctx context.Context, name string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if !uploadName.MatchString(name) {
		return nil, fmt.Errorf("storage: %q: %w", name, domain.ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("storage: %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	return data, nil
}

// DataURI loads a stored upload and encodes it for inline transmission.
func (s *FileStore) DataURI(ctx context.Context, name string) (domain.ImageRef, error) {
	data, err := s.Read(ctx, name)
	if err != nil {
		return "", err
	}
	return domain.DataURI(domain.MIMEForExt(filepath.Ext(name)), data), nil
}

// Write persists the provided bytes at the given relative key and returns the
// canonicalized storage key. Keys are cleaned to prevent directory traversal.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	// Write to a sibling temp file and rename so readers never see a partial upload.
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("storage: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: rename file: %w", err)
	}
	return cleanKey, nil
}

func normalizeExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), ".")) {
	case "png":
		return "png"
	case "jpg":
		return "jpg"
	case "jpeg":
		return "jpeg"
	default:
		return ""
	}
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
