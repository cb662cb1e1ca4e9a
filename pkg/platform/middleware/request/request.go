// Package request provides request ID middleware. Every response carries an
// X-Request-ID and every log line inside the request can be correlated to it.
package request

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"veritas/pkg/requestcontext"
)

const headerRequestID = "X-Request-ID"

// Middleware assigns each request an id, honoring one supplied by a trusted
// upstream proxy.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return requestcontext.RequestID(ctx)
}
