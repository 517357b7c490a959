package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carp-registry/carp/internal/telemetry"
)

// NoRouteLabel is the path label for requests that matched no route (404/405), so probing
// scanners cannot grow label cardinality.
const NoRouteLabel = "<no-route>"

// MetricsMiddleware records http_requests_total{method,path,status} and
// http_request_duration_seconds{method,path}. The path label is the route template from
// c.FullPath(), e.g. /api/v1/agents/:name/:version/download.
//
// Register it after RequestIDMiddleware and before the auth guards so rejected requests are
// counted with their final status.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = NoRouteLabel
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
