package middleware

import (
	"net/http"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a panicking handler into a 500 response.
var RecoverMiddleware = func(logger *zap.Logger) func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := wrap(w)
			defer func() {
				if v := recover(); v != nil {
					logger.Error("handler panic",
						zap.String("request_id", RequestID(r.Context())),
						zap.String("path", r.URL.Path),
						zap.Any("panic", v),
						zap.Stack("stack"))
					if sw.status == 0 {
						http.Error(sw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
				}
			}()
			h.ServeHTTP(sw, r)
		})
	}
}
