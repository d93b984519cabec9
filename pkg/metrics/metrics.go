package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_pipeline_queue_items_total",
			Help: "Queue items by processing outcome",
		},
		[]string{"outcome"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "order_pipeline_queue_depth",
			Help: "Queue items by status at the last sweep",
		},
		[]string{"status"},
	)

	processingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "order_pipeline_processing_duration_seconds",
			Help:    "Duration of a single queue item processing attempt",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_pipeline_retry_attempts_total",
			Help: "Attempts made by the retry executor",
		},
		[]string{"operation", "outcome"},
	)

	orderOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_pipeline_order_operations_total",
			Help: "Order store operations",
		},
		[]string{"operation", "status"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_pipeline_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_pipeline_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	paymentLinks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_pipeline_payment_links_total",
			Help: "Payment link requests by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordQueueOutcome counts a processed item: completed, retried, dead_letter or reclaimed.
func RecordQueueOutcome(outcome string) {
	queueItemsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth publishes the per-status counts of the queue.
func SetQueueDepth(counts map[string]int) {
	for status, n := range counts {
		queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveProcessing records how long one processing attempt took.
func ObserveProcessing(seconds float64) {
	processingDuration.Observe(seconds)
}

// RecordRetryAttempt counts one attempt of a retried operation.
func RecordRetryAttempt(operation string, success bool) {
	retryAttempts.WithLabelValues(operation, outcome(success)).Inc()
}

// RecordOrderOperation counts an order store operation.
func RecordOrderOperation(operation string, success bool) {
	orderOperations.WithLabelValues(operation, outcome(success)).Inc()
}

// RecordPaymentLink counts a payment link request: created, reused or rejected.
func RecordPaymentLink(result string) {
	paymentLinks.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest counts one served request and its duration.
func ObserveHTTPRequest(method, path, status string, seconds float64) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
