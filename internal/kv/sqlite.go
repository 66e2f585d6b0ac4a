package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// SQLiteStore keeps counters in a table of the relational database. The
// *sql.DB belongs to the caller; Close does not close it.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv_entries (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );`)
	if err != nil {
		return nil, fmt.Errorf("apply kv schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?;`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv_entries (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value;`, key, value)
	if err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// List pages in key order; the cursor is the last key of the previous page.
func (s *SQLiteStore) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv_entries
        WHERE substr(key, 1, ?) = ? AND key > ?
        ORDER BY key
        LIMIT ?;`, len(prefix), prefix, cursor, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("kv list %s: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return Page{}, fmt.Errorf("kv list %s: %w", prefix, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("kv list %s: %w", prefix, err)
	}

	if len(keys) <= limit {
		return Page{Keys: keys, Complete: true}, nil
	}
	keys = keys[:limit]
	return Page{Keys: keys, Cursor: keys[len(keys)-1]}, nil
}

// Incr is a single upsert statement, so it is atomic under SQLite's write lock.
func (s *SQLiteStore) Incr(ctx context.Context, key string) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `INSERT INTO kv_entries (key, value) VALUES (?, '1')
        ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(kv_entries.value AS INTEGER) + 1 AS TEXT)
        RETURNING value;`, key).Scan(&raw)
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Close() error {
	return nil
}
