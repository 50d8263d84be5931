package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LogMiddleware writes one access log line per request.
var LogMiddleware = func(logger *zap.Logger) func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrap(w)
			defer func() {
				logger.Info("access",
					zap.String("request_id", RequestID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
					zap.Int("status", sw.Status()),
					zap.Int64("bytes", sw.bytes),
					zap.Duration("duration", time.Since(start)))
			}()
			h.ServeHTTP(sw, r)
		})
	}
}
