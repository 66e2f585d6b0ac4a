package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/grumpyguvner/tempmail/internal/metrics"
)

// statusRecorder remembers the status and body size written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// Status is the written status, 200 when the handler wrote nothing.
func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// PrometheusMiddleware records request count, latency and response size
// labelled by method, route and status.
func PrometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPActiveRequests.Inc()
		defer metrics.HTTPActiveRequests.Dec()

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		labels := []string{r.Method, routeLabel(r), strconv.Itoa(rec.Status())}
		metrics.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
		metrics.HTTPResponseSize.WithLabelValues(labels...).Observe(float64(rec.bytes))
	})
}

// routeLabel is the matched mux template, so mailbox addresses and ids never
// become label values.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return normalizeEndpoint(r.URL.Path)
}

var fixedEndpoints = map[string]bool{
	"/mail/inbound":      true,
	"/health":            true,
	"/metrics":           true,
	"/domains":           true,
	"/addresses":         true,
	"/stats/top-senders": true,
}

// normalizeEndpoint keeps known paths and truncates the rest to their first
// segment.
func normalizeEndpoint(path string) string {
	if fixedEndpoints[path] {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		return "/other"
	}
	if i := strings.IndexByte(path[1:], '/'); i >= 0 {
		return path[:i+1]
	}
	return path
}
