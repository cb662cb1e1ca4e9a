package testutil

import (
	"net/http"
	"time"

	"veritas/pkg/domain"
	"veritas/pkg/requestcontext"
)

// WithPrincipal stamps an authenticated principal on the request context,
// simulating what the auth middleware does for a valid bearer token.
func WithPrincipal(req *http.Request, p domain.Principal) *http.Request {
	return req.WithContext(requestcontext.WithPrincipal(req.Context(), p))
}

// WithActor is WithPrincipal for the common case of an actor id alone.
func WithActor(req *http.Request, actorID string) *http.Request {
	return WithPrincipal(req, domain.Principal{ActorID: actorID})
}

// WithRequestTime pins the request's server receive time, simulating the
// requesttime middleware.
func WithRequestTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}

// WithRequestID stamps a correlation id on the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}
