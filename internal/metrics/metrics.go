// Package metrics exports Prometheus counters for runs, rows and outbound
// requests. Collectors live in the default registry and are served by Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Sync invocations by trigger and final status",
		},
		[]string{"trigger", "status"},
	)

	runDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Wall-clock duration of sync invocations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5min
		},
		[]string{"trigger"},
	)

	partitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_partitions_total",
			Help: "Partition walks by source and outcome",
		},
		[]string{"source", "status"},
	)

	rowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rows_total",
			Help: "Rows by source and outcome (fetched, inserted, skipped, duplicate, rejected)",
		},
		[]string{"source", "outcome"},
	)

	httpRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_http_retries_total",
			Help: "Retried outbound requests by reason",
		},
		[]string{"reason"}, // rate_limited, server_error, transport
	)

	httpFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_http_failures_total",
			Help: "Outbound requests that failed for good, by error kind",
		},
		[]string{"kind"},
	)
)

// Rows are the row counts of one partition walk.
type Rows struct {
	Fetched    int64
	Inserted   int64
	Skipped    int64
	Duplicates int64
	Rejected   int64
}

// RunCompleted records a finished invocation.
func RunCompleted(trigger, status string, elapsed time.Duration) {
	runsTotal.WithLabelValues(trigger, status).Inc()
	runDurationSeconds.WithLabelValues(trigger).Observe(elapsed.Seconds())
}

// PartitionCompleted records a partition outcome and its row counts.
func PartitionCompleted(source, status string, r Rows) {
	partitionsTotal.WithLabelValues(source, status).Inc()
	add := func(outcome string, n int64) {
		if n > 0 {
			rowsTotal.WithLabelValues(source, outcome).Add(float64(n))
		}
	}
	add("fetched", r.Fetched)
	add("inserted", r.Inserted)
	add("skipped", r.Skipped)
	add("duplicate", r.Duplicates)
	add("rejected", r.Rejected)
}

// Retry records one retried request.
func Retry(reason string) {
	httpRetriesTotal.WithLabelValues(reason).Inc()
}

// RequestFailed records a request that exhausted its attempts or was not retryable.
func RequestFailed(kind string) {
	httpFailuresTotal.WithLabelValues(kind).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
