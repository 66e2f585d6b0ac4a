// Package security admits inbound SMTP connections: a token-bucket rate
// throttle (global and per client IP) and a concurrent connection cap.
package security

import (
	"net"
	"sync"
	"time"

	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const throttleIdle = 5 * time.Minute

// ConnectionThrottle rate limits new SMTP connections overall and per client
// host. Per-host buckets idle for throttleIdle are forgotten.
type ConnectionThrottle struct {
	global *rate.Limiter

	mu      sync.Mutex
	clients map[string]*client
	perHost rate.Limit
	burst   int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	logger   *zap.SugaredLogger
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectionThrottle allows globalRate connections per second overall and
// perIPRate per client, each with a burst of twice the rate (at least 1).
// Close stops the background pruning of idle clients.
func NewConnectionThrottle(globalRate, perIPRate float64) *ConnectionThrottle {
	ct := &ConnectionThrottle{
		global:  rate.NewLimiter(rate.Limit(globalRate), burstFor(globalRate)),
		clients: make(map[string]*client),
		perHost: rate.Limit(perIPRate),
		burst:   burstFor(perIPRate),
		now:     time.Now,
		stop:    make(chan struct{}),
		logger:  logging.WithComponent("throttle"),
	}
	go ct.pruneLoop()
	return ct
}

func burstFor(r float64) int {
	if b := int(r * 2); b > 0 {
		return b
	}
	return 1
}

// Allow reports whether a new connection from addr (host or host:port) may
// proceed now. A connection refused per host still spends a global token.
func (ct *ConnectionThrottle) Allow(addr string) bool {
	now := ct.now()
	host := hostOf(addr)

	if !ct.global.AllowN(now, 1) {
		metrics.ThrottleRejections.WithLabelValues("global").Inc()
		ct.logger.Debugw("Connection throttled", "scope", "global")
		return false
	}
	if !ct.clientFor(host, now).AllowN(now, 1) {
		metrics.ThrottleRejections.WithLabelValues("per_ip").Inc()
		ct.logger.Debugw("Connection throttled", "scope", "per_ip", "client", host)
		return false
	}

	metrics.ThrottleAllowed.Inc()
	return true
}

func (ct *ConnectionThrottle) clientFor(host string, now time.Time) *rate.Limiter {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	c, ok := ct.clients[host]
	if !ok {
		c = &client{limiter: rate.NewLimiter(ct.perHost, ct.burst)}
		ct.clients[host] = c
		metrics.UniqueIPs.Set(float64(len(ct.clients)))
	}
	c.lastSeen = now
	return c.limiter
}

// Clients is the number of hosts currently tracked.
func (ct *ConnectionThrottle) Clients() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.clients)
}

func (ct *ConnectionThrottle) pruneLoop() {
	ticker := time.NewTicker(throttleIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ct.prune()
		case <-ct.stop:
			return
		}
	}
}

func (ct *ConnectionThrottle) prune() {
	cutoff := ct.now().Add(-throttleIdle)

	ct.mu.Lock()
	defer ct.mu.Unlock()

	before := len(ct.clients)
	for host, c := range ct.clients {
		if c.lastSeen.Before(cutoff) {
			delete(ct.clients, host)
		}
	}
	if removed := before - len(ct.clients); removed > 0 {
		ct.logger.Debugw("Pruned idle clients", "removed", removed, "remaining", len(ct.clients))
		metrics.UniqueIPs.Set(float64(len(ct.clients)))
	}
}

// Close stops the pruning goroutine. Safe to call more than once.
func (ct *ConnectionThrottle) Close() {
	ct.stopOnce.Do(func() { close(ct.stop) })
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
