// Package handler exposes the conflict review queue over HTTP. Endpoints are
// reviewer-facing: sites and sponsors work the manual-review backlog here.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"veritas/internal/conflict"
	"veritas/pkg/domain"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/httputil"
	"veritas/pkg/platform/sentinel"
	"veritas/pkg/requestcontext"
)

const defaultReviewLimit = 50

// Service defines the review-queue operations the handler needs.
type Service interface {
	PendingReview(ctx context.Context, limit int) ([]conflict.Record, error)
	CloseReview(ctx context.Context, id domain.ConflictID) error
}

// Handler wires conflict review endpoints to the resolver.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a conflict handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts conflict review endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/conflicts", h.HandleList)
	r.Post("/conflicts/{conflictID}/close", h.HandleClose)
}

// ListResponse is the HTTP response body for GET /conflicts.
type ListResponse struct {
	Conflicts []conflict.Record `json:"conflicts"`
}

// HandleList handles GET /conflicts?status=manual_review requests.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := r.URL.Query().Get("status")
	if status != "" && status != conflict.StatusManualReview {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "only status=manual_review is listable"))
		return
	}
	limit := defaultReviewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "limit must be between 1 and 500"))
			return
		}
		limit = parsed
	}

	records, err := h.service.PendingReview(ctx, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "review queue read failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if records == nil {
		records = []conflict.Record{}
	}
	httputil.WriteJSON(w, http.StatusOK, ListResponse{Conflicts: records})
}

// HandleClose handles POST /conflicts/{conflictID}/close requests.
func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	conflictID, err := domain.ParseConflictID(chi.URLParam(r, "conflictID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid conflict id"))
		return
	}

	if err := h.service.CloseReview(ctx, conflictID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.Wrap(dErrors.CodeNotFound, "conflict not found", err))
			return
		}
		h.logger.ErrorContext(ctx, "review close failed",
			"request_id", requestID,
			"conflict_id", conflictID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "review closed",
		"request_id", requestID,
		"conflict_id", conflictID,
		"reviewer", requestcontext.Principal(ctx).ActorID,
	)
	w.WriteHeader(http.StatusNoContent)
}
