package kv

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	store := NewRedisStore(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t),
		"redis":  newRedisStore(t),
	}
}

func listAll(t *testing.T, store Store, prefix string, limit int) []string {
	t.Helper()

	seen := make(map[string]struct{})
	cursor := ""
	for i := 0; i < 1000; i++ {
		page, err := store.List(context.Background(), prefix, cursor, limit)
		require.NoError(t, err)
		for _, key := range page.Keys {
			seen[key] = struct{}{}
		}
		if page.Complete {
			break
		}
		cursor = page.Cursor
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func TestStore_GetPut(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put(ctx, "sender_count:a.com", "3"))
			value, err := store.Get(ctx, "sender_count:a.com")
			require.NoError(t, err)
			assert.Equal(t, "3", value)

			require.NoError(t, store.Put(ctx, "sender_count:a.com", "4"))
			value, err = store.Get(ctx, "sender_count:a.com")
			require.NoError(t, err)
			assert.Equal(t, "4", value)
		})
	}
}

func TestStore_ListPaginatesByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var want []string
			for i := 0; i < 25; i++ {
				key := fmt.Sprintf("sender_count:d%02d.com", i)
				want = append(want, key)
				require.NoError(t, store.Put(ctx, key, "1"))
			}
			require.NoError(t, store.Put(ctx, "top_senders_cache", "{}"))
			require.NoError(t, store.Put(ctx, "other:key", "x"))

			assert.Equal(t, want, listAll(t, store, "sender_count:", 7))
		})
	}
}

func TestStore_ListEmpty(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			page, err := store.List(context.Background(), "sender_count:", "", 10)
			require.NoError(t, err)
			assert.Empty(t, page.Keys)
			assert.True(t, page.Complete)
		})
	}
}

func TestMemoryStore_ListCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, key := range []string{"p:a", "p:b", "p:c"} {
		require.NoError(t, store.Put(ctx, key, "1"))
	}

	page, err := store.List(ctx, "p:", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p:a", "p:b"}, page.Keys)
	assert.False(t, page.Complete)
	assert.Equal(t, "p:b", page.Cursor)

	page, err = store.List(ctx, "p:", page.Cursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p:c"}, page.Keys)
	assert.True(t, page.Complete)
}

func TestIncrementer(t *testing.T) {
	ctx := context.Background()
	stores := map[string]Incrementer{
		"sqlite": newSQLiteStore(t),
		"redis":  newRedisStore(t),
	}

	for name, inc := range stores {
		t.Run(name, func(t *testing.T) {
			value, err := inc.Incr(ctx, "sender_count:x.org")
			require.NoError(t, err)
			assert.Equal(t, int64(1), value)

			value, err = inc.Incr(ctx, "sender_count:x.org")
			require.NoError(t, err)
			assert.Equal(t, int64(2), value)

			stored, err := inc.(Store).Get(ctx, "sender_count:x.org")
			require.NoError(t, err)
			assert.Equal(t, "2", stored)
		})
	}

	_, ok := Store(NewMemoryStore()).(Incrementer)
	assert.False(t, ok)
}

func TestRedisStore_InvalidCursor(t *testing.T) {
	store := newRedisStore(t)
	_, err := store.List(context.Background(), "p:", "not-a-number", 10)
	assert.Error(t, err)
}

func TestGlobEscape(t *testing.T) {
	assert.Equal(t, `sender_count:`, globEscape("sender_count:"))
	assert.Equal(t, `a\*b\?c\[d\]`, globEscape("a*b?c[d]"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = Open(ctx, Options{Backend: BackendSQLite})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	store, err = Open(ctx, Options{Backend: "Redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(ctx, Options{Backend: "etcd"})
	assert.Error(t, err)
}
