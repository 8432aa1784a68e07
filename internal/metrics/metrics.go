package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "getitdone"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Local API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Outbox reconciliation passes by result.",
		},
		[]string{"result"},
	)

	outboxOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_operations_total",
			Help:      "Replayed task intents by operation and result.",
		},
		[]string{"operation", "result"},
	)

	outboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Local tasks carrying a pending intent at the start of the last pass.",
		},
	)

	feedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Change feed events by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	queueItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_total",
			Help:      "Retry queue attempts by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	remoteRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Remote API latency by method and status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			syncPasses,
			outboxOperations,
			outboxPending,
			feedEvents,
			queueItems,
			remoteRequests,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncSyncPass(result string) {
	syncPasses.WithLabelValues(result).Inc()
}

func IncOutboxOperation(operation, result string) {
	outboxOperations.WithLabelValues(operation, result).Inc()
}

func SetOutboxPending(n int) {
	outboxPending.Set(float64(n))
}

func IncFeedEvent(eventType, outcome string) {
	feedEvents.WithLabelValues(eventType, outcome).Inc()
}

func IncQueueItem(operation, outcome string) {
	queueItems.WithLabelValues(operation, outcome).Inc()
}

// ObserveRemote records a remote call. status 0 means no HTTP response.
func ObserveRemote(method string, status int, elapsed time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	remoteRequests.WithLabelValues(method, label).Observe(elapsed.Seconds())
}
