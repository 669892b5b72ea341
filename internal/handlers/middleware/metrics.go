package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/LittleKai/alpha-studio-backend/internal/metrics"
)

// MetricsMiddleware observes request counts and latency for a route
// group. The route label is the mount point, not the full path, so ids
// in paths do not blow up the label cardinality.
func MetricsMiddleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lw := &logWriter{
				ResponseWriter: w,
				data:           logData{responseStatus: http.StatusOK},
			}

			next.ServeHTTP(lw, r)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(lw.data.responseStatus)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
