package observability

import (
	"net/http"

	"go.uber.org/zap"
)

// RequestIDHeader is honored on incoming requests and echoed on responses.
const RequestIDHeader = "X-Request-Id"

// RequestID creates a middleware that tags every request with a request ID
// and logs its arrival. A caller-supplied X-Request-Id is preserved.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = GenerateRequestID()
			}

			ctx := WithRequestID(r.Context(), requestID)
			w.Header().Set(RequestIDHeader, requestID)

			contextLogger := FromContext(ctx)
			contextLogger.Info("request started",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
