package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local implements Storage on the local filesystem, serving URLs under a
// fixed public path prefix.
type Local struct {
	basePath   string
	publicPath string
}

// NewLocal creates the storage root if needed. publicPath is the URL
// prefix the HTTP layer serves attachments from, e.g. "/uploads".
func NewLocal(basePath, publicPath string) (*Local, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}

	return &Local{
		basePath:   absPath,
		publicPath: strings.TrimRight(publicPath, "/"),
	}, nil
}

// fullPath resolves a key inside the store root. Keys that are empty,
// absolute, or would escape the root are rejected.
func (s *Local) fullPath(key string) (string, error) {
	if key == "" || filepath.IsAbs(key) {
		return "", ErrInvalidKey
	}
	clean := filepath.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.basePath, clean), nil
}

// Write stores content under key via a temp file and an atomic rename.
func (s *Local) Write(ctx context.Context, key string, r io.Reader) error {
	path, err := s.fullPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Temp file in the same directory so the rename stays on one filesystem
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write content: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Read opens the attachment for key.
func (s *Local) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open attachment: %w", err)
	}

	return file, nil
}

// Exists reports whether key has a stored attachment.
func (s *Local) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.fullPath(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat attachment: %w", err)
	}
	return true, nil
}

// Delete removes the attachment. Missing keys are not an error.
func (s *Local) Delete(ctx context.Context, key string) error {
	path, err := s.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

// GetURL returns the public URL for an existing attachment.
func (s *Local) GetURL(ctx context.Context, key string) (string, error) {
	path, err := s.fullPath(key)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to stat attachment: %w", err)
	}

	return s.publicPath + "/" + filepath.ToSlash(filepath.Clean(key)), nil
}
