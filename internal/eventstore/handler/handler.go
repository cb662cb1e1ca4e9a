// Package handler exposes the event ledger over HTTP: appends with
// optimistic concurrency, stream reads, and head lookups.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"veritas/internal/conflict"
	"veritas/internal/eventstore"
	"veritas/pkg/domain"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/httputil"
	"veritas/pkg/platform/sentinel"
	"veritas/pkg/requestcontext"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// EventService defines the ledger operations the handler needs.
type EventService interface {
	Append(ctx context.Context, principal domain.Principal, req eventstore.AppendRequest) (eventstore.AppendResult, error)
	ReadStream(ctx context.Context, principal domain.Principal, aggregateID domain.AggregateID, fromSequence int64, limit int) ([]eventstore.Event, error)
	LatestSequence(ctx context.Context, principal domain.Principal, aggregateID domain.AggregateID) (int64, error)
}

// ConflictService settles stale-sequence appends.
type ConflictService interface {
	Resolve(ctx context.Context, losing eventstore.AppendRequest, winning eventstore.Event, strategyName string) (conflict.Resolution, error)
	Record(ctx context.Context, resolution conflict.Resolution, losingEventID domain.EventID, winning eventstore.Event, strategyName string) (conflict.Record, error)
}

// Handler wires stream endpoints to the event store service.
type Handler struct {
	service   EventService
	conflicts ConflictService
	logger    *slog.Logger
}

// New constructs a stream handler with its dependencies.
func New(service EventService, conflicts ConflictService, logger *slog.Logger) *Handler {
	return &Handler{
		service:   service,
		conflicts: conflicts,
		logger:    logger,
	}
}

// Register mounts stream endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/streams/{aggregateID}/events", h.HandleAppend)
	r.Get("/streams/{aggregateID}/events", h.HandleReadStream)
	r.Get("/streams/{aggregateID}/head", h.HandleHead)
}

// HandleAppend handles POST /streams/{aggregateID}/events. A stale
// expected_sequence does not fail outright: the conflict engine settles it
// and the response reports the outcome.
func (h *Handler) HandleAppend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

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

	req, ok := httputil.DecodeAndPrepare[AppendEventRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	domainReq := eventstore.AppendRequest{
		AggregateID:      aggregateID,
		ExpectedSequence: req.ExpectedSequence,
		Type:             req.Type,
		SchemaVersion:    req.SchemaVersion,
		Payload:          req.Payload,
		CausationID:      req.ParsedCausationID(),
		LocalID:          req.ParsedLocalID(),
		ClientTimestamp:  req.ClientTimestamp,
	}

	result, err := h.service.Append(ctx, principal, domainReq)
	var resolution *ConflictResolution
	var conflictErr *eventstore.ConflictError
	if errors.As(err, &conflictErr) && req.Strategy != "" {
		// The client opted in to server-side settlement. Without a
		// strategy the 409 goes back and the client reconciles itself
		// (the offline queue drain path).
		result, resolution, err = h.settleConflict(ctx, principal, domainReq, conflictErr, strategyName(req.Strategy))
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "append failed",
			"request_id", requestID,
			"aggregate_id", aggregateID,
			"event_type", req.Type,
			"error", err,
		)
		httputil.WriteError(w, translate(err))
		return
	}

	h.logger.InfoContext(ctx, "append handled",
		"request_id", requestID,
		"aggregate_id", aggregateID,
		"sequence", result.Event.Sequence,
		"deduplicated", result.Deduplicated,
		"resolved_conflict", resolution != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, AppendEventResponse{
		Event:        result.Event,
		Deduplicated: result.Deduplicated,
		Conflict:     resolution,
	})
}

// strategyName maps the wire strategy to the resolver's registry, where the
// empty name selects the deployment default.
func strategyName(wire string) string {
	if wire == "default" {
		return ""
	}
	return wire
}

// settleConflict runs the losing command through the conflict engine: the
// strategy rebases (or wraps) it, the result is appended, and the conflict
// record is persisted. The ledger keeps a trace in every outcome.
func (h *Handler) settleConflict(ctx context.Context, principal domain.Principal, losing eventstore.AppendRequest, conflictErr *eventstore.ConflictError, strategyName string) (eventstore.AppendResult, *ConflictResolution, error) {
	winning, err := h.winningEvent(ctx, principal, losing.AggregateID, conflictErr.CurrentSequence)
	if err != nil {
		return eventstore.AppendResult{}, nil, err
	}

	resolution, err := h.conflicts.Resolve(ctx, losing, winning, strategyName)
	if err != nil {
		return eventstore.AppendResult{}, nil, dErrors.Wrap(dErrors.CodeInvalidInput, "conflict resolution failed", err)
	}

	result, err := h.service.Append(ctx, principal, resolution.Command)
	if err != nil {
		// The head moved again while resolving. The client re-reads and
		// retries; nothing was recorded for this attempt.
		return eventstore.AppendResult{}, nil, err
	}

	rec, err := h.conflicts.Record(ctx, resolution, result.Event.EventID, winning, strategyName)
	if err != nil {
		return eventstore.AppendResult{}, nil, err
	}
	return result, fromConflict(rec, resolution), nil
}

// winningEvent fetches the event holding the aggregate's head, the one the
// losing command must reconcile against.
func (h *Handler) winningEvent(ctx context.Context, principal domain.Principal, aggregateID domain.AggregateID, currentSequence int64) (eventstore.Event, error) {
	events, err := h.service.ReadStream(ctx, principal, aggregateID, currentSequence-1, 1)
	if err != nil {
		return eventstore.Event{}, err
	}
	if len(events) == 0 {
		return eventstore.Event{}, dErrors.New(dErrors.CodeConflict, "aggregate head moved during resolution")
	}
	return events[0], nil
}

// HandleReadStream handles GET /streams/{aggregateID}/events requests.
func (h *Handler) HandleReadStream(w http.ResponseWriter, r *http.Request) {
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
	from, limit, err := pageParams(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	events, err := h.service.ReadStream(ctx, principal, aggregateID, from, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "stream read failed",
			"request_id", requestcontext.RequestID(ctx),
			"aggregate_id", aggregateID,
			"error", err,
		)
		httputil.WriteError(w, translate(err))
		return
	}

	resp := EventPageResponse{Events: events}
	if len(events) == limit {
		resp.NextFrom = events[len(events)-1].Sequence
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleHead handles GET /streams/{aggregateID}/head requests.
func (h *Handler) HandleHead(w http.ResponseWriter, r *http.Request) {
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

	seq, err := h.service.LatestSequence(ctx, principal, aggregateID)
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, HeadResponse{
		AggregateID:    aggregateID.String(),
		LatestSequence: seq,
	})
}

func pageParams(r *http.Request) (from int64, limit int, err error) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || from < 0 {
			return 0, 0, dErrors.New(dErrors.CodeInvalidInput, "from must be a non-negative integer")
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxPageLimit {
			return 0, 0, dErrors.New(dErrors.CodeInvalidInput, "limit must be between 1 and 1000")
		}
	}
	return from, limit, nil
}

// translate maps the event store's typed errors onto the wire taxonomy.
// Errors already carrying a code pass through untouched.
func translate(err error) error {
	var (
		validation *eventstore.ValidationError
		conflictE  *eventstore.ConflictError
		storage    *eventstore.StorageError
	)
	switch {
	case errors.As(err, &validation):
		return dErrors.Wrap(dErrors.CodeInvalidInput, validation.Error(), err)
	case errors.As(err, &conflictE):
		return dErrors.Wrap(dErrors.CodeConflict, conflictE.Error(), err)
	case errors.As(err, &storage):
		return dErrors.Wrap(dErrors.CodeUnavailable, "event store unavailable", err)
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(dErrors.CodeNotFound, "not found", err)
	default:
		return err
	}
}
