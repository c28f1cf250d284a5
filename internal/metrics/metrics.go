package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "channelsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	claimedItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_claimed_total",
			Help:      "Queue items locked by a claim.",
		},
		[]string{"task"},
	)

	watchdogRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_watchdog_recovered_total",
			Help:      "Processing items released by the watchdog after their lock expired.",
		},
		[]string{"task"},
	)

	itemOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_item_outcomes_total",
			Help:      "Per-item outcomes by kind (success, rejected, transport, integrity).",
		},
		[]string{"task", "outcome"},
	)

	batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent on one batch exchange.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	enqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Reconciler enqueue decisions by action (insert, refresh, noop, cancel).",
		},
		[]string{"task", "action"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, claimedItems, watchdogRecovered, itemOutcomes, batchDuration, enqueued)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// AddClaimed records items locked by a claim.
func AddClaimed(task string, n int) {
	if n > 0 {
		claimedItems.WithLabelValues(task).Add(float64(n))
	}
}

// AddWatchdogRecovered records stale locks released by the watchdog.
func AddWatchdogRecovered(task string, n int64) {
	if n > 0 {
		watchdogRecovered.WithLabelValues(task).Add(float64(n))
	}
}

// IncOutcome records one item outcome.
func IncOutcome(task, outcome string) {
	itemOutcomes.WithLabelValues(task, outcome).Inc()
}

// ObserveBatch records batch latency in seconds.
func ObserveBatch(task string, seconds float64) {
	batchDuration.WithLabelValues(task).Observe(seconds)
}

// IncEnqueue records one reconciler decision.
func IncEnqueue(task, action string) {
	enqueued.WithLabelValues(task, action).Inc()
}
