package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
)

// RedisStore backs the counter store with Redis. Listing uses SCAN, so a key
// may appear on more than one page; callers that aggregate must de-duplicate.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStore{client: client}
}

// Ping checks connectivity.
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

func (rs *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := rs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

func (rs *RedisStore) Put(ctx context.Context, key, value string) error {
	if err := rs.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (rs *RedisStore) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	var start uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("invalid redis cursor %q: %w", cursor, err)
		}
		start = parsed
	}
	if limit <= 0 {
		limit = 1000
	}

	keys, next, err := rs.client.Scan(ctx, start, globEscape(prefix)+"*", int64(limit)).Result()
	if err != nil {
		return Page{}, fmt.Errorf("redis scan %s: %w", prefix, err)
	}

	if next == 0 {
		return Page{Keys: keys, Complete: true}, nil
	}
	return Page{Keys: keys, Cursor: strconv.FormatUint(next, 10)}, nil
}

// Incr uses the native INCR command, so concurrent increments never lose updates.
func (rs *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	value, err := rs.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return value, nil
}

func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
