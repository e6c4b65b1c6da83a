// Package telemetry provides application-level observability for the knowledge portal.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<PORTAL_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Session sync outcomes and route guard decisions
//   - Scoped store persistence failures and mounted chat and user scopes
//   - Audit shipping failures
//   - Backend API call counters and latency
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/pages/:locale/dashboard)
// rather than the raw request URL so user-supplied path segments never become labels.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
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

// Session and authorization metrics.
//
// SessionSyncTotal counts user sync attempts made at sign-in, by outcome. The outcome
// is "synced" or one of the failure kinds (missing_key, http_status, malformed_body,
// network, missing_profile). Failed syncs never fail the login, so a rising
// non-synced rate shows up here before users notice missing roles.
//
// Example PromQL queries:
//   - Sync failure ratio:  sum(rate(session_sync_total{outcome!="synced"}[15m])) / sum(rate(session_sync_total[15m]))
//
// GuardDecisionsTotal counts route guard outcomes by result (authorized, bypass,
// redirect_signin, redirect_dashboard).
//
// GuardUnrecognizedRoleTotal counts sessions whose effective role is outside the
// closed admin/manager/user set. Such sessions are treated as "user".
var (
	SessionSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_sync_total",
			Help: "Total number of backend user sync attempts at sign-in, by outcome.",
		},
		[]string{"outcome"},
	)

	GuardDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_decisions_total",
			Help: "Total number of route guard decisions, by result.",
		},
		[]string{"result"},
	)

	GuardUnrecognizedRoleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guard_unrecognized_role_total",
			Help: "Total number of guard checks whose effective role was not a known role.",
		},
	)
)

// Scoped store metrics.
//
// StorePersistErrorsTotal counts failed write-throughs of the user store snapshot.
// The in-memory state stays authoritative, so a failure only loses that change on reload.
//
// ChatScopesMounted and UserScopesMounted are the number of chat and user stores
// currently held by their registries.
var (
	StorePersistErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_persist_errors_total",
			Help: "Total number of failed user store snapshot writes.",
		},
	)

	ChatScopesMounted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_scopes_mounted",
			Help: "Current number of chat stores held by the in-process registry.",
		},
	)

	UserScopesMounted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "user_scopes_mounted",
			Help: "Current number of user stores held by the in-process registry.",
		},
	)

	NotificationStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_streams_active",
			Help: "Current number of open notification SSE streams.",
		},
	)
)

// AuditShipErrorsTotal counts audit entries an external shipper failed to
// deliver, by shipper type. The database copy is unaffected.
var AuditShipErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_ship_errors_total",
		Help: "Total number of audit entries that failed to ship, by shipper type.",
	},
	[]string{"type"},
)

// Backend API metrics, labelled by logical operation (e.g. "sectors.list", "users.sync")
// and the HTTP status class returned ("2xx", "4xx", "5xx", or "error" for transport failures).
//
// Example PromQL queries:
//   - Backend error rate by op:  sum by (op) (rate(backend_requests_total{status=~"5xx|error"}[5m]))
var (
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_requests_total",
			Help: "Total number of calls made to the knowledge backend, by operation and status class.",
		},
		[]string{"op", "status"},
	)

	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_request_duration_seconds",
			Help:    "Latency of calls made to the knowledge backend, by operation.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)
)

// StatusClass maps an HTTP status code to the label used by BackendRequestsTotal.
// Zero means the request never produced a response.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the audit database pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
