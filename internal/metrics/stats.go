package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// cache: hit, miss, error
	TopSendersRequests       *prometheus.CounterVec
	TopSendersRefreshSeconds prometheus.Histogram
	SenderKeysScanned        prometheus.Gauge
	SenderFetchFailures      prometheus.Counter
	SenderCacheWriteErrors   prometheus.Counter
	// path: atomic, read_modify_write, error
	SendsRecorded *prometheus.CounterVec

	CleanupRuns          *prometheus.CounterVec
	CleanupEmailsDeleted prometheus.Counter
)

func buildStats() {
	TopSendersRequests = counterVec("top_senders_requests_total", "Top senders lookups by cache outcome", "cache")
	TopSendersRefreshSeconds = histogram("top_senders_refresh_seconds", "Time taken to recompute the top senders ranking", prometheus.ExponentialBuckets(0.001, 2, 14))
	SenderKeysScanned = gauge("sender_keys_scanned", "Sender counter keys read by the last ranking refresh")
	SenderFetchFailures = counter("sender_fetch_failures_total", "Sender counter reads that failed or held an unparsable value")
	SenderCacheWriteErrors = counter("sender_cache_write_errors_total", "Failed writes of the top senders cache entry")
	SendsRecorded = counterVec("sends_recorded_total", "Sender counter increments by path", "path")

	CleanupRuns = counterVec("cleanup_runs_total", "Retention cleanup runs", "status")
	CleanupEmailsDeleted = counter("cleanup_emails_deleted_total", "Emails removed by retention cleanup")
}

func statsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		TopSendersRequests, TopSendersRefreshSeconds, SenderKeysScanned, SenderFetchFailures,
		SenderCacheWriteErrors, SendsRecorded, CleanupRuns, CleanupEmailsDeleted,
	}
}
