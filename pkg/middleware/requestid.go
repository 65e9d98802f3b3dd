package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// RequestIDHeader carries the request ID to and from clients
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request an ID, honoring one supplied by a trusted
// upstream proxy, and echoes it in the response. It also puts a
// request-scoped logger on the context carrying the request ID and, when a
// span is recording, the trace and span IDs.
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := contextkeys.WithRequestID(r.Context(), id)
			reqLogger := observability.LoggerWithTraceContext(ctx, logger.WithField("request_id", id))
			ctx = observability.WithLogger(ctx, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
