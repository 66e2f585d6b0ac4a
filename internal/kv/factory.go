package kv

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// DB is required for the sqlite backend.
	DB *sql.DB

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open builds the Store named by opts.Backend. An empty backend means memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil

	case BackendSQLite:
		if opts.DB == nil {
			return nil, fmt.Errorf("sqlite kv backend requires a database handle")
		}
		return NewSQLiteStore(ctx, opts.DB)

	case BackendRedis:
		addr := opts.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		store := NewRedisStore(addr, opts.RedisPassword, opts.RedisDB)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown kv backend %q", opts.Backend)
	}
}
