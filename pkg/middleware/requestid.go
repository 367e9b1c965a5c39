package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/cloudparity/parity/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID returns middleware that ensures every request carries a request
// ID. An incoming X-Request-ID header is honoured; otherwise a new UUID is
// generated. The ID is stored in the request context and echoed in the
// response header.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(requestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx := logger.WithRequestID(r.Context(), requestID)
			w.Header().Set(requestIDHeader, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
