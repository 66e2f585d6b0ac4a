// Package storage keeps attachment bodies outside the database.
package storage

import (
	"context"
	"errors"
	"path"
)

// ErrNotFound is returned by Get for keys that hold no object.
var ErrNotFound = errors.New("storage: object not found")

// Storage defines the interface for attachment body storage
type Storage interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is idempotent; removing a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// AttachmentKey is the object key of one attachment body.
func AttachmentKey(emailID, attachmentID string) string {
	return path.Join("attachments", emailID, attachmentID)
}
