// Package telemetry provides application-level observability for the Carp registry.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<CARP_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Agent download and publish counters
//   - API key verification outcomes and issuance/expiry counters
//   - Signed URL failures by storage backend
//   - Database connection pool gauge (polled every 30 s)
//
// HTTP metrics use c.FullPath() (e.g. /api/v1/agents/:name/:version/download) so
// user-supplied agent names and versions never become label values. Agent download
// counters are the one deliberate exception and are labelled by agent name only.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Error rate (%):          sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:   histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Agent distribution metrics.
//
// AgentDownloadsTotal counts download descriptors handed out, by agent name.
// AgentPublishesTotal counts published versions, by result ("ok", "conflict", "invalid", "error").
var (
	AgentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_downloads_total",
			Help: "Total number of agent download descriptors issued, by agent name.",
		},
		[]string{"name"},
	)

	AgentPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_publishes_total",
			Help: "Total number of agent publish attempts, by result.",
		},
		[]string{"result"},
	)

	// SignedURLFailuresTotal counts storage presign failures, by backend.
	SignedURLFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signed_url_failures_total",
			Help: "Total number of failures producing a signed transfer URL, by storage backend.",
		},
		[]string{"backend"},
	)
)

// API key metrics.
//
// APIKeyVerificationsTotal has a single label {result}: "valid", "invalid" or "error".
// "invalid" covers malformed, unknown, revoked and expired keys alike.
//
// Example PromQL queries:
//   - Invalid key rate:  rate(api_key_verifications_total{result="invalid"}[5m])
var (
	APIKeyVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_key_verifications_total",
			Help: "Total number of API key verifications, by result.",
		},
		[]string{"result"},
	)

	APIKeysIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_keys_issued_total",
			Help: "Total number of API keys issued.",
		},
	)

	APIKeysExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_keys_expired_total",
			Help: "Total number of API keys deactivated by the expiry job.",
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool, sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB connection pool statistics every interval and
// updates the DBOpenConnections gauge until ctx is cancelled or the database becomes
// unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
