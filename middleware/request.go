package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ngds/geopub/metrics"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestID returns the id RequestMiddleware assigned to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestMiddleware assigns every request an id, reusing a well formed
// incoming one, and collects its metrics into logger.
var RequestMiddleware = func(logger metrics.Logger) func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, id)

			collector := metrics.NewMetricsCollector(logger)
			collector.Info.RequestID = id
			collector.Info.ReqTime = start.Format(time.RFC3339)
			collector.Info.URL.RawURL = r.URL.String()
			collector.Info.RemoteAddr = r.RemoteAddr
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				collector.Info.RemoteAddr = fwd
			}

			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			ctx = metrics.WithCollector(ctx, collector)

			sw := wrap(w)
			defer func() {
				collector.Info.ReqDuration = time.Since(start)
				collector.Info.HTTPStatus = sw.Status()
				collector.Log()
			}()
			h.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}
