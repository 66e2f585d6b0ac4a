package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grumpyguvner/tempmail/internal/errors"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP. Buckets idle for longer
// than ttl are dropped.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    rate.Limit
	perMin   int
	burst    int
	ttl      time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	logger   *zap.SugaredLogger
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(perMinute, burst int, ttl time.Duration, logger *zap.SugaredLogger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(perMinute) / 60),
		perMin:  perMinute,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
		logger:  logger,
	}
	go rl.sweepLoop(ttl)
	return rl
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMin))

		allowed, remaining, wait := rl.take(ip)
		if !allowed {
			metrics.RateLimitHits.WithLabelValues("denied").Inc()
			retry := strconv.Itoa(int(math.Ceil(wait.Seconds())))
			rl.logger.Warnw("Rate limit exceeded",
				"ip", ip,
				"method", r.Method,
				"path", r.URL.Path,
				"retry_after", retry)

			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", retry)
			SendErrorResponse(w, errors.RateLimitError("Rate limit exceeded", map[string]string{"retry_after": retry}))
			return
		}

		metrics.RateLimitHits.WithLabelValues("allowed").Inc()
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		next.ServeHTTP(w, r)
	})
}

// Allow spends one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	allowed, _, _ := rl.take(key)
	return allowed
}

// take spends a token and reports the whole tokens left, or how long until
// the next token when the bucket is empty.
func (rl *RateLimiter) take(key string) (bool, int, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return true, int(math.Max(0, b.limiter.TokensAt(now))), 0
	}

	wait := time.Minute
	if rl.limit > 0 {
		missing := 1 - b.limiter.TokensAt(now)
		wait = time.Duration(missing / float64(rl.limit) * float64(time.Second))
	}
	if wait < time.Second {
		wait = time.Second
	}
	return false, 0, wait
}

// Len is the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) sweep() {
	cutoff := rl.now().Add(-rl.ttl)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// clientIP extracts the client IP from the request. For X-Forwarded-For
// the entry appended by the nearest proxy is used.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			if ip := strings.TrimSpace(parts[i]); ip != "" {
				return ip
			}
		}
	}

	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
