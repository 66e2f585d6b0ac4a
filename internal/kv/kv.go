// Package kv defines the key-value "counter store" used for sender statistics
// and the backends that implement it.
//
// The contract is deliberately small: point reads and writes plus prefix-scoped,
// cursor-paginated key listing. No transactional guarantees are assumed; a
// backend that can increment atomically advertises it through Incrementer.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Page is one page of a prefix listing.
type Page struct {
	Keys []string
	// Cursor is opaque and only meaningful when Complete is false.
	Cursor   string
	Complete bool
}

// Store is the counter store contract.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	// List returns up to limit keys starting with prefix, continuing from cursor
	// ("" for the first page).
	List(ctx context.Context, prefix, cursor string, limit int) (Page, error)
	Close() error
}

// Incrementer is implemented by stores with a native atomic increment.
type Incrementer interface {
	Incr(ctx context.Context, key string) (int64, error)
}
