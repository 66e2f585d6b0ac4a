package security

import (
	"sync"

	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"go.uber.org/zap"
)

// ConnectionLimiter caps concurrently open connections, in total and per
// client IP. Every successful Accept must be paired with a Release.
type ConnectionLimiter struct {
	maxPerIP int
	maxTotal int

	connections map[string]int
	total       int
	mu          sync.Mutex

	logger *zap.SugaredLogger
}

// NewConnectionLimiter creates a limiter. A non-positive bound disables it.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxPerIP:    maxPerIP,
		maxTotal:    maxTotal,
		connections: make(map[string]int),
		logger:      logging.WithComponent("limiter"),
	}
}

// Accept takes a connection slot for addr if one is free
func (cl *ConnectionLimiter) Accept(addr string) bool {
	host := hostOf(addr)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxTotal > 0 && cl.total >= cl.maxTotal {
		metrics.SMTPSessions.WithLabelValues("max_total").Inc()
		cl.logger.Warnf("Connection rejected: total connection limit reached (%d/%d)", cl.total, cl.maxTotal)
		return false
	}

	if cl.maxPerIP > 0 && cl.connections[host] >= cl.maxPerIP {
		metrics.SMTPSessions.WithLabelValues("max_per_ip").Inc()
		cl.logger.Warnf("Connection rejected: per-IP limit reached for %s (%d/%d)", host, cl.connections[host], cl.maxPerIP)
		return false
	}

	cl.connections[host]++
	cl.total++
	metrics.SMTPActiveSessions.Set(float64(cl.total))
	return true
}

// Release frees the slot taken by Accept
func (cl *ConnectionLimiter) Release(addr string) {
	host := hostOf(addr)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[host]; count > 0 {
		if count == 1 {
			delete(cl.connections, host)
		} else {
			cl.connections[host] = count - 1
		}
		cl.total--
		metrics.SMTPActiveSessions.Set(float64(cl.total))
	}
}

// GetConnectionStats returns current connection statistics
func (cl *ConnectionLimiter) GetConnectionStats() ConnectionStats {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	byIP := make(map[string]int, len(cl.connections))
	for k, v := range cl.connections {
		byIP[k] = v
	}

	return ConnectionStats{
		TotalConnections: cl.total,
		MaxTotal:         cl.maxTotal,
		MaxPerIP:         cl.maxPerIP,
		ConnectionsByIP:  byIP,
	}
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	MaxTotal         int            `json:"max_total"`
	MaxPerIP         int            `json:"max_per_ip"`
	ConnectionsByIP  map[string]int `json:"connections_by_ip"`
}
