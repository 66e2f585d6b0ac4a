package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/grumpyguvner/tempmail/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingStore wraps a MemoryStore, counts every access and can inject
// failures or latency.
type recordingStore struct {
	*kv.MemoryStore

	mu         sync.Mutex
	gets       []string
	puts       []string
	listLimits []int

	GetDelay  time.Duration
	GetFunc   func(key string) (string, error)
	ListFunc  func(call int, prefix, cursor string, limit int) (kv.Page, error)
	PutErr    error
	inFlight  int
	maxFlight int
	started   int
	completed int
	// completedAtStart[i] is how many gets had finished when get i started.
	completedAtStart []int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: kv.NewMemoryStore()}
}

func (s *recordingStore) seed(t *testing.T, counts map[string]int64) {
	t.Helper()
	for sender, count := range counts {
		require.NoError(t, s.MemoryStore.Put(context.Background(), CounterPrefix+sender, strconv.FormatInt(count, 10)))
	}
}

func (s *recordingStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	s.gets = append(s.gets, key)
	if key != CacheKey {
		s.completedAtStart = append(s.completedAtStart, s.completed)
		s.started++
		s.inFlight++
		if s.inFlight > s.maxFlight {
			s.maxFlight = s.inFlight
		}
	}
	s.mu.Unlock()

	if key != CacheKey {
		defer func() {
			s.mu.Lock()
			s.inFlight--
			s.completed++
			s.mu.Unlock()
		}()
		if s.GetDelay > 0 {
			time.Sleep(s.GetDelay)
		}
	}

	if s.GetFunc != nil {
		return s.GetFunc(key)
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *recordingStore) Put(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.puts = append(s.puts, key)
	s.mu.Unlock()

	if s.PutErr != nil {
		return s.PutErr
	}
	return s.MemoryStore.Put(ctx, key, value)
}

func (s *recordingStore) List(ctx context.Context, prefix, cursor string, limit int) (kv.Page, error) {
	s.mu.Lock()
	call := len(s.listLimits)
	s.listLimits = append(s.listLimits, limit)
	s.mu.Unlock()

	if s.ListFunc != nil {
		return s.ListFunc(call, prefix, cursor, limit)
	}
	return s.MemoryStore.List(ctx, prefix, cursor, limit)
}

func (s *recordingStore) counterGets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, key := range s.gets {
		if key != CacheKey {
			n++
		}
	}
	return n
}

func (s *recordingStore) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listLimits)
}

func (s *recordingStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets = nil
	s.puts = nil
	s.listLimits = nil
	s.started, s.completed, s.maxFlight = 0, 0, 0
	s.completedAtStart = nil
}

func manySenders(n int) map[string]int64 {
	counts := make(map[string]int64, n)
	for i := 0; i < n; i++ {
		counts[fmt.Sprintf("d%04d.example", i)] = int64(i + 1)
	}
	return counts
}

func assertRanked(t *testing.T, got []SenderCount) {
	t.Helper()
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
		return got[i].Count > got[j].Count
	}), "counts must be non-increasing: %v", got)
}

func TestCounterKey(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"alice@example.com", "sender_count:example.com"},
		{"Bob@Example.COM", "sender_count:Example.COM"},
		{"no-at-sign", "sender_count:unknown"},
		{"trailing@", "sender_count:unknown"},
		{"", "sender_count:unknown"},
		{"a@b@c.org", "sender_count:c.org"},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, CounterKey(tt.address))
		})
	}
}

func TestRecordSend_ReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	agg := New(store, Options{}, newFakeClock())

	for i := int64(1); i <= 3; i++ {
		n, err := agg.RecordSend(ctx, "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	value, err := store.Get(ctx, "sender_count:example.com")
	require.NoError(t, err)
	assert.Equal(t, "3", value)

	n, err := agg.RecordSend(ctx, "garbage")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = store.Get(ctx, "sender_count:unknown")
	assert.NoError(t, err)
}

func TestRecordSend_UnparsableCounterRestarts(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "sender_count:x.org", "not-a-number"))

	n, err := New(store, Options{}, nil).RecordSend(ctx, "a@x.org")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRecordSend_StoreError(t *testing.T) {
	store := newRecordingStore()
	store.GetFunc = func(string) (string, error) { return "", errors.New("boom") }

	_, err := New(store, Options{}, nil).RecordSend(context.Background(), "a@x.org")
	assert.Error(t, err)
}

func TestRecordSend_AtomicIncrementIsExact(t *testing.T) {
	mr := miniredis.RunT(t)
	store := kv.NewRedisStore(mr.Addr(), "", 0)
	defer store.Close()

	agg := New(store, Options{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.RecordSend(context.Background(), "bulk@sender.net")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	value, err := mr.Get("sender_count:sender.net")
	require.NoError(t, err)
	assert.Equal(t, "50", value)
}

func TestTopSenders_EmptyStore(t *testing.T) {
	store := newRecordingStore()
	got := New(store, Options{}, newFakeClock()).TopSenders(context.Background(), 10)

	require.NotNil(t, got)
	assert.Empty(t, got)

	raw, err := store.MemoryStore.Get(context.Background(), CacheKey)
	require.NoError(t, err)
	var entry CacheEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.Empty(t, entry.Entries)
}

func TestTopSenders_RanksByCount(t *testing.T) {
	store := newRecordingStore()
	store.seed(t, map[string]int64{"a.com": 5, "b.com": 9, "c.com": 1})

	got := New(store, Options{}, newFakeClock()).TopSenders(context.Background(), 2)

	assert.Equal(t, []SenderCount{{Sender: "b.com", Count: 9}, {Sender: "a.com", Count: 5}}, got)
}

func TestTopSenders_CacheHitTouchesOnlyCacheKey(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newRecordingStore()
	store.seed(t, map[string]int64{"a.com": 5, "b.com": 9})
	agg := New(store, Options{CacheTTL: time.Minute}, clock)

	first := agg.TopSenders(ctx, 10)
	require.Len(t, first, 2)

	// Counters move, but the cached ranking is still fresh.
	store.seed(t, map[string]int64{"a.com": 100})
	store.reset()
	clock.Advance(59 * time.Second)

	second := agg.TopSenders(ctx, 10)
	assert.Equal(t, first, second)
	assert.Equal(t, 0, store.listCalls())
	assert.Equal(t, 0, store.counterGets())
	assert.Equal(t, []string{CacheKey}, store.gets)
	assert.Empty(t, store.puts)
}

func TestTopSenders_ExpiredCacheRecomputes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newRecordingStore()
	store.seed(t, map[string]int64{"a.com": 5, "b.com": 9})
	agg := New(store, Options{CacheTTL: time.Minute}, clock)

	agg.TopSenders(ctx, 10)
	store.seed(t, map[string]int64{"a.com": 100})
	clock.Advance(time.Minute)

	got := agg.TopSenders(ctx, 10)
	require.Len(t, got, 2)
	assert.Equal(t, SenderCount{Sender: "a.com", Count: 100}, got[0])

	raw, err := store.MemoryStore.Get(ctx, CacheKey)
	require.NoError(t, err)
	var entry CacheEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.True(t, entry.ComputedAt.Equal(clock.Now()))
}

func TestTopSenders_CachedResultRespectsLimit(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	store.seed(t, manySenders(40))
	agg := New(store, Options{}, newFakeClock())

	require.Len(t, agg.TopSenders(ctx, 30), 30)

	got := agg.TopSenders(ctx, 3)
	require.Len(t, got, 3)
	assert.Equal(t, int64(40), got[0].Count)
	assertRanked(t, got)
}

func TestTopSenders_LimitNormalization(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	store.seed(t, manySenders(150))
	agg := New(store, Options{}, newFakeClock())

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero uses default", 0, 10},
		{"negative uses default", -5, 10},
		{"within range", 42, 42},
		{"clamped to max", 500, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := agg.TopSenders(ctx, tt.limit)
			assert.Len(t, got, tt.want)
			assertRanked(t, got)
		})
	}
}

func TestTopSenders_RetentionBoundsCache(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	store.seed(t, manySenders(150))

	New(store, Options{RetentionSize: 100}, newFakeClock()).TopSenders(ctx, 10)

	raw, err := store.MemoryStore.Get(ctx, CacheKey)
	require.NoError(t, err)
	var entry CacheEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.Len(t, entry.Entries, 100)
	assert.Equal(t, int64(150), entry.Entries[0].Count)
}

func TestTopSenders_PaginatesWithinMaxKeys(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	store.seed(t, manySenders(100))

	got := New(store, Options{MaxKeys: 30, PageSize: 7}, newFakeClock()).TopSenders(ctx, 100)

	assert.Len(t, got, 30)
	assertRanked(t, got)
	assert.LessOrEqual(t, store.counterGets(), 30)

	// 7+7+7+7 then only the 2 keys still allowed.
	assert.Equal(t, []int{7, 7, 7, 7, 2}, store.listLimits)
}

func TestTopSenders_BoundedBatches(t *testing.T) {
	store := newRecordingStore()
	store.seed(t, manySenders(23))
	store.GetDelay = 5 * time.Millisecond

	got := New(store, Options{BatchSize: 5}, newFakeClock()).TopSenders(context.Background(), 100)
	require.Len(t, got, 23)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.LessOrEqual(t, store.maxFlight, 5)
	require.Len(t, store.completedAtStart, 23)
	for i, done := range store.completedAtStart {
		assert.GreaterOrEqual(t, done, (i/5)*5, "get %d started before the previous batch settled", i)
	}
}

func TestTopSenders_SkipsUnreadableCounters(t *testing.T) {
	store := newRecordingStore()
	store.seed(t, map[string]int64{"a.com": 5, "b.com": 9, "c.com": 1})
	require.NoError(t, store.MemoryStore.Put(context.Background(), CounterPrefix+"bad.com", "NaN"))
	store.GetFunc = func(key string) (string, error) {
		if key == CounterPrefix+"b.com" {
			return "", errors.New("timeout")
		}
		return store.MemoryStore.Get(context.Background(), key)
	}

	got := New(store, Options{}, newFakeClock()).TopSenders(context.Background(), 10)

	assert.Equal(t, []SenderCount{{Sender: "a.com", Count: 5}, {Sender: "c.com", Count: 1}}, got)
}

func TestTopSenders_ListFailureReturnsEmpty(t *testing.T) {
	tests := []struct {
		name     string
		failCall int
	}{
		{"first page", 0},
		{"mid pagination", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newRecordingStore()
			store.seed(t, manySenders(50))
			store.ListFunc = func(call int, prefix, cursor string, limit int) (kv.Page, error) {
				if call == tt.failCall {
					return kv.Page{}, errors.New("list unavailable")
				}
				return store.MemoryStore.List(context.Background(), prefix, cursor, limit)
			}

			got := New(store, Options{PageSize: 10}, newFakeClock()).TopSenders(context.Background(), 10)

			require.NotNil(t, got)
			assert.Empty(t, got)
			assert.NotContains(t, store.puts, CacheKey)
		})
	}
}

func TestTopSenders_DuplicateKeysAcrossPages(t *testing.T) {
	store := newRecordingStore()
	store.seed(t, map[string]int64{"a.com": 5, "b.com": 9})
	pages := []kv.Page{
		{Keys: []string{CounterPrefix + "a.com", CounterPrefix + "b.com"}, Cursor: "17"},
		{Keys: []string{CounterPrefix + "b.com"}, Complete: true},
	}
	store.ListFunc = func(call int, _, _ string, _ int) (kv.Page, error) {
		return pages[call], nil
	}

	got := New(store, Options{}, newFakeClock()).TopSenders(context.Background(), 10)

	assert.Equal(t, []SenderCount{{Sender: "b.com", Count: 9}, {Sender: "a.com", Count: 5}}, got)
	assert.Equal(t, 2, store.counterGets())
}

func TestTopSenders_CacheWriteFailureStillAnswers(t *testing.T) {
	store := newRecordingStore()
	store.seed(t, map[string]int64{"a.com": 5})
	store.PutErr = errors.New("read only")

	got := New(store, Options{}, newFakeClock()).TopSenders(context.Background(), 10)

	assert.Equal(t, []SenderCount{{Sender: "a.com", Count: 5}}, got)
}

func TestTopSenders_CorruptCacheRecomputes(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	store.seed(t, map[string]int64{"a.com": 5})
	require.NoError(t, store.MemoryStore.Put(ctx, CacheKey, "{not json"))

	got := New(store, Options{}, newFakeClock()).TopSenders(ctx, 10)

	assert.Equal(t, []SenderCount{{Sender: "a.com", Count: 5}}, got)
	assert.Equal(t, 1, store.listCalls())
}

func TestTopSenders_TiesKeepListingOrder(t *testing.T) {
	store := newRecordingStore()
	store.seed(t, map[string]int64{"c.com": 3, "a.com": 3, "b.com": 3})

	got := New(store, Options{}, newFakeClock()).TopSenders(context.Background(), 10)

	require.Len(t, got, 3)
	assert.Equal(t, "a.com", got[0].Sender)
	assert.Equal(t, "b.com", got[1].Sender)
	assert.Equal(t, "c.com", got[2].Sender)
}

func TestOptionsDefaults(t *testing.T) {
	agg := New(kv.NewMemoryStore(), Options{DefaultLimit: 500, MaxLimit: 50}, nil)
	opts := agg.Options()

	assert.Equal(t, 5*time.Minute, opts.CacheTTL)
	assert.Equal(t, 1000, opts.MaxKeys)
	assert.Equal(t, 50, opts.BatchSize)
	assert.Equal(t, 50, opts.MaxLimit)
	assert.Equal(t, 50, opts.DefaultLimit)
}
