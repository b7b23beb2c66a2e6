// Package storage persists uploaded attachments and hands out the
// reference URLs that get embedded into messages. The messaging core
// never touches the bytes, only the resulting URL.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound indicates the key has no stored attachment.
	ErrNotFound = errors.New("attachment not found")
	// ErrInvalidKey indicates a key that is empty or escapes the store root.
	ErrInvalidKey = errors.New("invalid attachment key")
)

// Storage stores binary attachments by key.
type Storage interface {
	// Write stores the reader's content under key, atomically: a partial
	// write never becomes visible.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read opens the attachment for the given key. The caller closes the
	// returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether the key has a stored attachment.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the attachment. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// GetURL returns the reference URL for an existing attachment.
	GetURL(ctx context.Context, key string) (string, error)
}
