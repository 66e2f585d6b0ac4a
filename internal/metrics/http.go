package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  prometheus.Gauge
	HTTPResponseSize    *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec

	// action: allowed, denied
	RateLimitHits *prometheus.CounterVec

	// type: graceful, forced
	ShutdownsInitiated *prometheus.CounterVec
	ShutdownDuration   prometheus.Histogram

	// type is the AppError type, handler the endpoint or component
	ErrorsTotal   *prometheus.CounterVec
	TimeoutsTotal *prometheus.CounterVec
)

func buildHTTP() {
	route := []string{"method", "endpoint", "status"}

	HTTPRequestDuration = histogramVec("http_request_duration_seconds", "HTTP request latencies in seconds", prometheus.DefBuckets, route...)
	HTTPActiveRequests = gauge("http_active_requests", "HTTP requests in flight")
	HTTPResponseSize = histogramVec("http_response_size_bytes", "HTTP response body sizes", prometheus.ExponentialBuckets(100, 10, 7), route...)
	HTTPRequestsTotal = counterVec("http_requests_total", "HTTP requests served", route...)

	RateLimitHits = counterVec("rate_limit_hits_total", "Rate limiter decisions", "action")

	ShutdownsInitiated = counterVec("shutdowns_initiated_total", "Shutdowns started", "type")
	ShutdownDuration = histogram("shutdown_duration_seconds", "Time taken to drain and stop the server", prometheus.LinearBuckets(0, 5, 7))

	ErrorsTotal = counterVec("errors_total", "Errors returned to clients by type", "type", "handler")
	TimeoutsTotal = counterVec("timeouts_total", "Requests cut off by the handler timeout", "endpoint")
}

func httpCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration, HTTPActiveRequests, HTTPResponseSize, HTTPRequestsTotal,
		RateLimitHits, ShutdownsInitiated, ShutdownDuration, ErrorsTotal, TimeoutsTotal,
	}
}

func RecordError(errorType, handler string) {
	if ErrorsTotal != nil {
		ErrorsTotal.WithLabelValues(errorType, handler).Inc()
	}
}

func IncrementTimeouts(endpoint string) {
	if TimeoutsTotal != nil {
		TimeoutsTotal.WithLabelValues(endpoint).Inc()
	}
}
