// Package middleware provides the Gin middleware shared by every portal route:
// request ids, request logging, metrics, security headers, CORS, rate limiting
// and auditing of authenticated writes.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/telemetry"
)

const noRoute = "<no-route>"

// MetricsMiddleware records http_requests_total{method, path, status} and
// http_request_duration_seconds{method, path} for every request.
//
// The path label is the matched route template (c.FullPath()), so
// /api/v1/pages/:locale/admin is one series for every locale. Unmatched requests
// use "<no-route>" to keep label cardinality bounded.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoute
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
