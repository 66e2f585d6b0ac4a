// Package stats keeps per-domain sender counters in the counter store and
// serves a cached "top senders" ranking computed from them.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grumpyguvner/tempmail/internal/kv"
	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/mail"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// CounterPrefix namespaces the per-domain counters.
	CounterPrefix = "sender_count:"
	// CacheKey holds the last computed ranking. It lives outside CounterPrefix
	// so listings never see it.
	CacheKey = "top_senders_cache"
	// UnknownSender is the counter used for addresses without a usable domain.
	UnknownSender = "unknown"
)

// Options tunes the ranking refresh. Zero fields take the defaults.
type Options struct {
	CacheTTL      time.Duration
	MaxKeys       int
	PageSize      int
	BatchSize     int
	RetentionSize int
	DefaultLimit  int
	MaxLimit      int
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		CacheTTL:      5 * time.Minute,
		MaxKeys:       1000,
		PageSize:      1000,
		BatchSize:     50,
		RetentionSize: 100,
		DefaultLimit:  10,
		MaxLimit:      100,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.MaxKeys <= 0 {
		o.MaxKeys = d.MaxKeys
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.RetentionSize <= 0 {
		o.RetentionSize = d.RetentionSize
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = d.DefaultLimit
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = d.MaxLimit
	}
	if o.DefaultLimit > o.MaxLimit {
		o.DefaultLimit = o.MaxLimit
	}
	return o
}

// Clock is the time source used for cache freshness.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SenderCount is one ranked sending domain.
type SenderCount struct {
	Sender string `json:"sender"`
	Count  int64  `json:"count"`
}

// CacheEntry is the JSON document stored under CacheKey.
type CacheEntry struct {
	ComputedAt time.Time     `json:"timestamp"`
	Entries    []SenderCount `json:"data"`
}

// Aggregator records sends and ranks sending domains.
type Aggregator struct {
	store  kv.Store
	clock  Clock
	opts   Options
	logger *zap.SugaredLogger
}

// New builds an Aggregator over store. A nil clock means SystemClock.
func New(store kv.Store, opts Options, clock Clock) *Aggregator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Aggregator{
		store:  store,
		clock:  clock,
		opts:   opts.withDefaults(),
		logger: logging.WithComponent("stats"),
	}
}

// Options returns the effective tuning after defaults were applied.
func (a *Aggregator) Options() Options {
	return a.opts
}

// CounterKey maps a sender address to its counter key. Addresses without a
// domain share the UnknownSender counter.
func CounterKey(address string) string {
	domain, ok := mail.Domain(strings.TrimSpace(address))
	if !ok {
		domain = UnknownSender
	}
	return CounterPrefix + domain
}

// RecordSend bumps the counter for the sender's domain and returns the new
// value. Stores without an atomic increment use get/parse/put, which can lose
// updates under concurrent writers to the same domain.
func (a *Aggregator) RecordSend(ctx context.Context, address string) (int64, error) {
	key := CounterKey(address)

	if inc, ok := a.store.(kv.Incrementer); ok {
		value, err := inc.Incr(ctx, key)
		if err != nil {
			metrics.SendsRecorded.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("increment %s: %w", key, err)
		}
		metrics.SendsRecorded.WithLabelValues("atomic").Inc()
		return value, nil
	}

	var current int64
	raw, err := a.store.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		metrics.SendsRecorded.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("read %s: %w", key, err)
	default:
		current, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			a.logger.Warnw("Resetting unparsable sender counter", "key", key, "value", raw)
			current = 0
		}
	}

	next := current + 1
	if err := a.store.Put(ctx, key, strconv.FormatInt(next, 10)); err != nil {
		metrics.SendsRecorded.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	metrics.SendsRecorded.WithLabelValues("read_modify_write").Inc()
	return next, nil
}

// TopSenders returns at most limit domains by descending send count. A limit
// of zero or less means DefaultLimit, and limits above MaxLimit are clamped.
// A fresh cached ranking is served without touching the counters; otherwise
// the ranking is recomputed and the cache rewritten. It never fails: when the
// counters cannot be listed the result is empty.
func (a *Aggregator) TopSenders(ctx context.Context, limit int) []SenderCount {
	limit = a.normalizeLimit(limit)

	if entry, ok := a.readCache(ctx); ok {
		metrics.TopSendersRequests.WithLabelValues("hit").Inc()
		return head(entry.Entries, limit)
	}
	metrics.TopSendersRequests.WithLabelValues("miss").Inc()

	ranked, err := a.Refresh(ctx)
	if err != nil {
		metrics.TopSendersRequests.WithLabelValues("error").Inc()
		a.logger.Errorw("Failed to refresh top senders", "error", err)
		return []SenderCount{}
	}
	return head(ranked, limit)
}

// Refresh recomputes the ranking from the counters, stores it in the cache
// and returns the retained entries. Only a listing failure is an error.
func (a *Aggregator) Refresh(ctx context.Context) ([]SenderCount, error) {
	start := time.Now()
	defer func() {
		metrics.TopSendersRefreshSeconds.Observe(time.Since(start).Seconds())
	}()

	keys, err := a.collectKeys(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SenderKeysScanned.Set(float64(len(keys)))

	ranked := a.fetchCounts(ctx, keys)

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Count > ranked[j].Count
	})
	if len(ranked) > a.opts.RetentionSize {
		ranked = ranked[:a.opts.RetentionSize]
	}

	a.writeCache(ctx, CacheEntry{ComputedAt: a.clock.Now(), Entries: ranked})

	a.logger.Debugw("Refreshed top senders", "keys", len(keys), "ranked", len(ranked))
	return ranked, nil
}

func (a *Aggregator) normalizeLimit(limit int) int {
	if limit <= 0 {
		return a.opts.DefaultLimit
	}
	if limit > a.opts.MaxLimit {
		return a.opts.MaxLimit
	}
	return limit
}

func (a *Aggregator) readCache(ctx context.Context) (CacheEntry, bool) {
	raw, err := a.store.Get(ctx, CacheKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			a.logger.Warnw("Failed to read top senders cache", "error", err)
		}
		return CacheEntry{}, false
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		a.logger.Warnw("Ignoring corrupt top senders cache", "error", err)
		return CacheEntry{}, false
	}

	if a.clock.Now().Sub(entry.ComputedAt) >= a.opts.CacheTTL {
		return CacheEntry{}, false
	}
	return entry, true
}

func (a *Aggregator) writeCache(ctx context.Context, entry CacheEntry) {
	data, err := json.Marshal(entry)
	if err == nil {
		err = a.store.Put(ctx, CacheKey, string(data))
	}
	if err != nil {
		metrics.SenderCacheWriteErrors.Inc()
		a.logger.Warnw("Failed to write top senders cache", "error", err)
	}
}

// collectKeys pages through the counter keys until the listing is exhausted
// or MaxKeys distinct keys were seen.
func (a *Aggregator) collectKeys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	seen := make(map[string]struct{})
	cursor := ""

	for len(keys) < a.opts.MaxKeys {
		pageLimit := a.opts.PageSize
		if remaining := a.opts.MaxKeys - len(keys); remaining < pageLimit {
			pageLimit = remaining
		}

		page, err := a.store.List(ctx, CounterPrefix, cursor, pageLimit)
		if err != nil {
			return nil, fmt.Errorf("list sender counters: %w", err)
		}

		for _, key := range page.Keys {
			if len(keys) >= a.opts.MaxKeys {
				break
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}

		if page.Complete || page.Cursor == "" || page.Cursor == cursor {
			break
		}
		cursor = page.Cursor
	}

	return keys, nil
}

// fetchCounts reads counter values in batches of BatchSize. A batch starts
// only after the previous one settled. Keys that fail to read or parse are
// dropped.
func (a *Aggregator) fetchCounts(ctx context.Context, keys []string) []SenderCount {
	type result struct {
		count int64
		ok    bool
	}
	results := make([]result, len(keys))
	failures := 0

	for start := 0; start < len(keys); start += a.opts.BatchSize {
		end := start + a.opts.BatchSize
		if end > len(keys) {
			end = len(keys)
		}

		var g errgroup.Group
		g.SetLimit(a.opts.BatchSize)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				raw, err := a.store.Get(ctx, keys[i])
				if err != nil {
					return nil
				}
				count, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
				if err != nil {
					return nil
				}
				results[i] = result{count: count, ok: true}
				return nil
			})
		}
		_ = g.Wait()
	}

	ranked := make([]SenderCount, 0, len(keys))
	for i, r := range results {
		if !r.ok {
			failures++
			continue
		}
		ranked = append(ranked, SenderCount{
			Sender: strings.TrimPrefix(keys[i], CounterPrefix),
			Count:  r.count,
		})
	}

	if failures > 0 {
		metrics.SenderFetchFailures.Add(float64(failures))
		a.logger.Debugw("Dropped unreadable sender counters", "count", failures)
	}
	return ranked
}

func head(entries []SenderCount, limit int) []SenderCount {
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]SenderCount, len(entries))
	copy(out, entries)
	return out
}
