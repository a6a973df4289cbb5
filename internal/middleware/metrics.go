package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marketlink/connect-console/internal/telemetry"
)

// MetricsMiddleware records http_requests_total{method, path, status} and
// http_request_duration_seconds{method, path} for every request.
//
// The path label is the matched route template (c.FullPath()), so
// /api/v1/stores/:id is one series no matter how many stores exist. Requests
// that match no route are labelled "<no-route>". Routes listed in skip, such
// as the probe endpoints, are not recorded.
//
// Register it after gin.Recovery() and RequestIDMiddleware so the final
// response status is captured.
func MetricsMiddleware(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		if skipped[path] {
			return
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
