// Package metrics exposes the Prometheus registry of the exporter.
// All metrics are defined in their respective packages (client, export,
// ratelimit, queue) via promauto to keep the packages independent.
//
// This package serves them and documents every metric.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the exporter.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the registry the /metrics endpoint reads from.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Sync Metrics (pkg/export):
//   - customers_pages_fetched_total (Counter): Pages fetched and appended
//   - customers_records_appended_total (Counter): Records appended to the store
//   - customers_sync_runs_total{result} (Counter): Runs by result (completed, rate_limited, failed, store_error)
//
// Upstream Metrics (pkg/client):
//   - customers_upstream_requests_total{status} (Counter): Requests by HTTP status
//   - customers_upstream_request_duration_seconds (Histogram): Request duration
//   - customers_upstream_errors_total{class} (Counter): Failures by class (rate_limit, auth, client, server, network, decode)
//
// Backoff Metrics (pkg/ratelimit):
//   - customers_rate_limited_total (Counter): Runs stopped by an upstream rate limit
//   - customers_retry_backoff_seconds (Histogram): Scheduled retry delays
//   - customers_retry_attempts (Gauge): Current consecutive rate-limited runs
//
// Queue Metrics (pkg/queue):
//   - customers_queue_tasks_total{outcome} (Counter): Tasks by outcome (succeeded, retried, dead)
//
// Example Prometheus Queries:
//
//   # Export throughput
//   rate(customers_records_appended_total[5m])
//
//   # Stuck in backoff
//   customers_retry_attempts > 5
//
//   # Upstream error rate by class
//   sum by (class) (rate(customers_upstream_errors_total[5m]))
//
//   # P95 upstream latency
//   histogram_quantile(0.95, rate(customers_upstream_request_duration_seconds_bucket[5m]))
