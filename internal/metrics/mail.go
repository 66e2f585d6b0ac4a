package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// status: success, rejected, error
	EmailsProcessed         *prometheus.CounterVec
	EmailSize               prometheus.Histogram
	EmailProcessingDuration prometheus.Histogram
	AttachmentsStored       prometheus.Counter

	// operation names the store call, e.g. blob_put; status: success, error
	StorageOperations *prometheus.CounterVec
)

func buildMail() {
	EmailsProcessed = counterVec("emails_processed_total", "Inbound messages by outcome", "status")
	EmailSize = histogram("email_size_bytes", "Raw size of inbound messages", prometheus.ExponentialBuckets(1024, 2, 15))
	EmailProcessingDuration = histogram("email_processing_duration_seconds", "Time from raw message to stored rows", prometheus.DefBuckets)
	AttachmentsStored = counter("attachments_stored_total", "Attachment bodies written to the blob store")
	StorageOperations = counterVec("storage_operations_total", "Table and blob store calls by outcome", "operation", "status")
}

func mailCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		EmailsProcessed, EmailSize, EmailProcessingDuration, AttachmentsStored, StorageOperations,
	}
}

// RecordStorage counts one storage call as success or error.
func RecordStorage(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StorageOperations.WithLabelValues(operation, status).Inc()
}
