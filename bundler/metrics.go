package bundler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkit_bundler_requests_total",
			Help: "Total number of bundler JSON-RPC requests",
		},
		[]string{"method", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionkit_bundler_request_duration_seconds",
			Help:    "Bundler JSON-RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkit_userop_submissions_total",
			Help: "Total number of user operations submitted",
		},
		[]string{"status"},
	)

	receiptOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkit_userop_receipt_outcomes_total",
			Help: "Total number of receipt waits by outcome",
		},
		[]string{"outcome"},
	)

	initOnce sync.Once
)

// InitMetrics registers the bundler metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			requestsTotal,
			requestDuration,
			submissionsTotal,
			receiptOutcomesTotal,
		)
	})
}

func recordRequest(method string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	requestsTotal.WithLabelValues(method, status).Inc()
	requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func recordSubmission(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	submissionsTotal.WithLabelValues(status).Inc()
}

func recordOutcome(s State) {
	receiptOutcomesTotal.WithLabelValues(s.String()).Inc()
}
