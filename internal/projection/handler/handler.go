// Package handler exposes materialized views over HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"veritas/internal/projection"
	"veritas/pkg/domain"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/httputil"
	"veritas/pkg/platform/sentinel"
	"veritas/pkg/requestcontext"
)

// Service defines the view operations the handler needs.
type Service interface {
	GetView(ctx context.Context, aggregateID domain.AggregateID) (projection.View, error)
	Rebuild(ctx context.Context, aggregateID domain.AggregateID) (projection.View, error)
}

// Handler wires view endpoints to the projection engine.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a view handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the read endpoint. Rebuild is registered separately so the
// router can gate it behind a reviewer role.
func (h *Handler) Register(r chi.Router) {
	r.Get("/views/{aggregateID}", h.HandleGetView)
}

// RegisterRebuild mounts the admin rebuild endpoint.
func (h *Handler) RegisterRebuild(r chi.Router) {
	r.Post("/views/{aggregateID}/rebuild", h.HandleRebuild)
}

// HandleGetView handles GET /views/{aggregateID} requests.
func (h *Handler) HandleGetView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal := requestcontext.Principal(ctx)
	if principal.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	aggregateID, err := domain.ParseAggregateID(chi.URLParam(r, "aggregateID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid aggregate id"))
		return
	}

	view, err := h.service.GetView(ctx, aggregateID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.Wrap(dErrors.CodeNotFound, "no view for aggregate", err))
			return
		}
		h.logger.ErrorContext(ctx, "view read failed",
			"request_id", requestcontext.RequestID(ctx),
			"aggregate_id", aggregateID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

// HandleRebuild handles POST /views/{aggregateID}/rebuild requests. The view
// is refolded from sequence zero and must reproduce the incremental row.
func (h *Handler) HandleRebuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	aggregateID, err := domain.ParseAggregateID(chi.URLParam(r, "aggregateID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid aggregate id"))
		return
	}

	view, err := h.service.Rebuild(ctx, aggregateID)
	if err != nil {
		h.logger.ErrorContext(ctx, "view rebuild failed",
			"request_id", requestID,
			"aggregate_id", aggregateID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "view rebuilt",
		"request_id", requestID,
		"aggregate_id", aggregateID,
		"latest_sequence", view.LatestSequence,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, view)
}
