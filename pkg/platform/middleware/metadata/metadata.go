// Package metadata extracts client network and device metadata early in the
// chain so the append path can record provenance with every event.
package metadata

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"veritas/pkg/requestcontext"
)

const headerDevicePlatform = "X-Device-Platform"

// ClientMetadata captures the client IP, User-Agent, and device platform
// into the request context. Apply before any handler that appends events.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := r.Header.Get("User-Agent")
		ctx := requestcontext.WithClientMetadata(r.Context(),
			ClientIPFromRequest(r), ua, devicePlatform(r, ua))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// devicePlatform prefers the explicit header set by the mobile apps and
// falls back to User-Agent sniffing for browser clients.
func devicePlatform(r *http.Request, ua string) string {
	if p := strings.TrimSpace(r.Header.Get(headerDevicePlatform)); p != "" && len(p) <= 32 {
		return p
	}
	if ua == "" {
		return ""
	}
	return useragent.New(ua).OSInfo().Name
}

// ClientIPFromRequest extracts the original client IP, looking through
// proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For lists client first, then each proxy.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	// RemoteAddr is host:port.
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}
