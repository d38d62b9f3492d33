package middleware

import (
	"net/http"
	"time"

	"github.com/tokenplace/relay/internal/metrics"
)

// MetricsMiddleware records each request's method, sanitized path, status,
// duration, and body size. No request or response body content ever reaches
// this layer, per the no-leak invariant: metrics see shapes, not payloads.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			m.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rw.statusCode, time.Since(start), rw.bytesWritten)
		})
	}
}
