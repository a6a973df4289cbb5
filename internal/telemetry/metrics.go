// Package telemetry provides application-level observability for the connect console.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and served by
// the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<CONSOLE_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - OAuth flow counters: flows started, completions by outcome, connection checks by result
//   - Outbound marketplace calls: latency by endpoint and status, token grants by result
//   - Database pool and connection-state gauges (polled every 30 s)
//
// # Usage
//
//	telemetry.OAuthFlowCompletionsTotal.WithLabelValues("connected").Inc()
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/marketlink/connect-console/internal/safego"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// The path label holds the Gin route template (e.g. /api/v1/companies/:id), never the
// raw URL, so user-supplied ids cannot blow up label cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// OAuth flow metrics, recorded by the orchestrator.
//
// OAuthFlowCompletionsTotal uses the outcome label: connected, denied, invalid_state,
// missing_verifier, exchange_failed, token_validation_failed, persistence_error.
//
// ConnectionChecksTotal uses the result label: none, pending, authenticated, expired,
// transient.
//
// Example PromQL queries:
//   - Completion success ratio:  sum(rate(oauth_flow_completions_total{outcome="connected"}[1h])) / sum(rate(oauth_flows_started_total[1h]))
//   - Tokens expiring in the wild: increase(connection_checks_total{result="expired"}[1d])
var (
	OAuthFlowsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oauth_flows_started_total",
			Help: "Total number of marketplace authorization flows started.",
		},
	)

	OAuthFlowCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_flow_completions_total",
			Help: "Total number of authorization callbacks processed, by outcome.",
		},
		[]string{"outcome"},
	)

	ConnectionChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_checks_total",
			Help: "Total number of connection-state checks, by result.",
		},
		[]string{"result"},
	)
)

// Outbound marketplace metrics, recorded by the marketplace client and token proxy.
//
// MarketplaceRequestDuration has labels {endpoint, status}. endpoint is a fixed name
// (token, users_me, api) rather than the requested path; status is the HTTP status
// code or "error" for transport failures.
//
// TokenExchangesTotal has labels {grant, result} where grant is the OAuth grant type
// and result is ok, rejected, or error.
var (
	MarketplaceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketplace_request_duration_seconds",
			Help:    "Latency of outbound marketplace HTTP calls, by endpoint and status.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"endpoint", "status"},
	)

	TokenExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_exchanges_total",
			Help: "Total number of token endpoint calls, by grant type and result.",
		},
		[]string{"grant", "result"},
	)
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// MarketplaceConnections reports stored connections by state (pending, active).
var MarketplaceConnections = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "marketplace_connections",
		Help: "Current number of stored marketplace connections, by state.",
	},
	[]string{"state"},
)

// ConnectionCounter is implemented by stores that can count rows per state.
type ConnectionCounter interface {
	CountByState(ctx context.Context) (pending, active int, err error)
}

// StartDBStatsCollector samples pool statistics every 30 seconds. When counter is
// non-nil the connection-state gauge is refreshed on the same tick. The goroutine
// exits once the database stops answering pings, which happens when main closes it.
//
//	telemetry.StartDBStatsCollector(database, connRepo)
func StartDBStatsCollector(db *sql.DB, counter ConnectionCounter) {
	safego.Go(func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			if counter != nil {
				recordConnectionCounts(context.Background(), counter)
			}
		}
	})
}

func recordConnectionCounts(ctx context.Context, counter ConnectionCounter) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pending, active, err := counter.CountByState(ctx)
	if err != nil {
		slog.Warn("db stats collector: failed to count connections", "error", err)
		return
	}
	MarketplaceConnections.WithLabelValues("pending").Set(float64(pending))
	MarketplaceConnections.WithLabelValues("active").Set(float64(active))
}
