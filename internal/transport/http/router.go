// Package httptransport assembles the public HTTP surface: middleware chain,
// domain handlers, and the operational endpoints.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veritas/pkg/platform/httputil"
	"veritas/pkg/platform/middleware/admin"
	"veritas/pkg/platform/middleware/auth"
	"veritas/pkg/platform/middleware/metadata"
	"veritas/pkg/platform/middleware/request"
	"veritas/pkg/platform/middleware/requesttime"
)

const requestTimeout = 30 * time.Second

// Registrar mounts a handler's routes on a router group.
type Registrar interface {
	Register(r chi.Router)
}

// RegistrarFunc adapts a function to the Registrar interface.
type RegistrarFunc func(r chi.Router)

func (f RegistrarFunc) Register(r chi.Router) { f(r) }

// Deps carries everything the router mounts. Reviewer is gated behind
// ReviewerRoles; the rest of the authenticated surface is open to any
// principal the Authorizer admits downstream.
type Deps struct {
	Logger    *slog.Logger
	Validator auth.TokenValidator

	Streams  Registrar
	Views    Registrar
	Exports  Registrar
	Reviewer Registrar

	// ReviewerRoles may perform manual-review closes and view rebuilds.
	ReviewerRoles []string

	// Health reports readiness of the durable dependencies, nil-safe.
	Health func(ctx context.Context) error
}

// NewRouter builds the chi router with the full middleware chain.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(request.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(requestTimeout))

	r.Get("/healthz", handleHealth(nil))
	r.Get("/readyz", handleHealth(deps.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(deps.Validator, deps.Logger))

		deps.Streams.Register(r)
		deps.Views.Register(r)
		deps.Exports.Register(r)

		r.Group(func(r chi.Router) {
			r.Use(admin.RequireRole(deps.ReviewerRoles...))
			deps.Reviewer.Register(r)
		})
	})

	return r
}

func handleHealth(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"reason": err.Error(),
				})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
