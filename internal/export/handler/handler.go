// Package handler exposes the regulator export surface over HTTP: stable
// event pages and self-contained proof bundles.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"veritas/internal/export"
	"veritas/pkg/domain"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/httputil"
	"veritas/pkg/platform/sentinel"
	"veritas/pkg/requestcontext"
)

const (
	defaultExportLimit = 500
	maxExportLimit     = 1000
)

// Service defines the export operations the handler needs.
type Service interface {
	Events(ctx context.Context, aggregateID domain.AggregateID, from int64, limit int) (export.EventPage, error)
	ProofBundle(ctx context.Context, eventID domain.EventID) (export.ProofBundle, error)
}

// Handler wires export endpoints to the bundle service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs an export handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts export endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/export/events", h.HandleEvents)
	r.Get("/export/proofs/{eventID}", h.HandleProofBundle)
}

// HandleEvents handles GET /export/events requests. Pages are stable: the
// same cursor always yields the same bytes, so regulators can resume and
// re-verify a dump.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var aggregateID domain.AggregateID
	if raw := r.URL.Query().Get("aggregate_id"); raw != "" {
		parsed, err := domain.ParseAggregateID(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid aggregate id"))
			return
		}
		aggregateID = parsed
	}

	var from int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "from must be a non-negative integer"))
			return
		}
		from = parsed
	}

	limit := defaultExportLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxExportLimit {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "limit must be between 1 and 1000"))
			return
		}
		limit = parsed
	}

	page, err := h.service.Events(ctx, aggregateID, from, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "export page failed",
			"request_id", requestcontext.RequestID(ctx),
			"aggregate_id", aggregateID,
			"from", from,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

// HandleProofBundle handles GET /export/proofs/{eventID} requests.
func (h *Handler) HandleProofBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	eventID, err := domain.ParseEventID(chi.URLParam(r, "eventID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid event id"))
		return
	}

	bundle, err := h.service.ProofBundle(ctx, eventID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.Wrap(dErrors.CodeNotFound, "no proof for event", err))
			return
		}
		h.logger.ErrorContext(ctx, "proof bundle failed",
			"request_id", requestcontext.RequestID(ctx),
			"event_id", eventID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, bundle)
}
