package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"veritas/internal/eventstore/metrics"
	"veritas/pkg/domain"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/sentinel"
	"veritas/pkg/requestcontext"
)

const maxPayloadBytes = 64 * 1024

// Authorizer decides whether a principal may perform an operation on an
// aggregate. It must be a pure function of its arguments: no ambient state,
// no session variables. The default policy admits any authenticated actor;
// deployments plug in sponsor-specific matrices.
type Authorizer interface {
	Authorize(p domain.Principal, operation string, aggregateID domain.AggregateID) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(p domain.Principal, operation string, aggregateID domain.AggregateID) error

func (f AuthorizerFunc) Authorize(p domain.Principal, operation string, aggregateID domain.AggregateID) error {
	return f(p, operation, aggregateID)
}

// AllowAuthenticated admits any principal with an actor id.
func AllowAuthenticated() Authorizer {
	return AuthorizerFunc(func(p domain.Principal, _ string, _ domain.AggregateID) error {
		return p.Validate()
	})
}

// Service is the append-path orchestrator: it validates requests, enforces
// the authorization hook, resolves idempotency, and delegates persistence to
// the Store. Retry policy deliberately lives with the caller (offline queue),
// never here.
type Service struct {
	store    Store
	authz    Authorizer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dedup    *redis.Client
	dedupTTL time.Duration

	schemas map[string][]int
}

// Option configures the Service.
type Option func(*Service)

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDedupCache enables the redis fast path for idempotency-key lookups.
// The unique index on local_id remains the durable guarantee; the cache only
// spares the advisory lock on obvious retries.
func WithDedupCache(client *redis.Client, ttl time.Duration) Option {
	return func(s *Service) {
		s.dedup = client
		s.dedupTTL = ttl
	}
}

// WithAuthorizer replaces the default allow-authenticated policy.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Service) { s.authz = a }
}

func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		authz:   AllowAuthenticated(),
		logger:  logger,
		schemas: make(map[string][]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterEventType declares an event type and the schema versions the store
// accepts for it. Appends carrying unknown types or versions fail validation.
func (s *Service) RegisterEventType(eventType string, versions ...int) {
	s.schemas[eventType] = append(s.schemas[eventType], versions...)
}

// Append validates and commits one event. The principal comes in explicitly:
// authorization is a pure function of (principal, operation, aggregate).
func (s *Service) Append(ctx context.Context, principal domain.Principal, req AppendRequest) (AppendResult, error) {
	start := time.Now()
	ctx, span := otel.Tracer("veritas/eventstore").Start(ctx, "eventstore.Append",
		trace.WithAttributes(
			attribute.String("aggregate_id", req.AggregateID.String()),
			attribute.String("event_type", req.Type),
		))
	defer span.End()

	if err := s.authz.Authorize(principal, "append", req.AggregateID); err != nil {
		return AppendResult{}, dErrors.Wrap(dErrors.CodeForbidden, "append not permitted", err)
	}
	if err := s.validate(req); err != nil {
		if s.metrics != nil {
			s.metrics.AppendValidations.Inc()
		}
		return AppendResult{}, err
	}

	// Fast-path dedup: a retried request whose first attempt committed
	// resolves from cache without touching the aggregate lock.
	if req.LocalID != nil && s.dedup != nil {
		if result, ok := s.cachedCommit(ctx, *req.LocalID); ok {
			if s.metrics != nil {
				s.metrics.AppendsDeduped.Inc()
			}
			return result, nil
		}
	}

	prepared := PreparedEvent{
		EventID:        domain.NewEventID(),
		Actor:          principal,
		DevicePlatform: requestcontext.DevicePlatform(ctx),
	}

	event, err := s.store.Append(ctx, req, prepared)
	switch {
	case err == nil:
		// committed below
	case errors.Is(err, sentinel.ErrDuplicate):
		return s.resolveDuplicate(ctx, req)
	default:
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			if s.metrics != nil {
				s.metrics.AppendConflicts.Inc()
			}
			s.logger.InfoContext(ctx, "append conflict",
				"aggregate_id", conflict.AggregateID,
				"expected", conflict.ExpectedSequence,
				"current", conflict.CurrentSequence,
				"request_id", requestcontext.RequestID(ctx),
			)
			return AppendResult{}, err
		}
		if s.metrics != nil {
			s.metrics.AppendFailures.Inc()
		}
		s.logger.ErrorContext(ctx, "append storage failure",
			"aggregate_id", req.AggregateID.String(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return AppendResult{}, err
	}

	s.cacheCommit(ctx, event)
	if s.metrics != nil {
		s.metrics.AppendsCommitted.Inc()
		s.metrics.AppendDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.InfoContext(ctx, "event committed",
		"aggregate_id", event.AggregateID.String(),
		"sequence", event.Sequence,
		"event_type", event.Type,
		"actor_id", event.Actor.ActorID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return AppendResult{Event: event}, nil
}

// ReadStream pages one aggregate's events.
func (s *Service) ReadStream(ctx context.Context, principal domain.Principal, aggregateID domain.AggregateID, fromSequence int64, limit int) ([]Event, error) {
	if err := s.authz.Authorize(principal, "read", aggregateID); err != nil {
		return nil, dErrors.Wrap(dErrors.CodeForbidden, "read not permitted", err)
	}
	return s.store.ReadStream(ctx, aggregateID, fromSequence, limit)
}

// ReadGlobal pages the full ledger. Reserved for service roles (projection,
// batching, export, compliance).
func (s *Service) ReadGlobal(ctx context.Context, principal domain.Principal, fromSequence int64, limit int) ([]Event, error) {
	if err := s.authz.Authorize(principal, "read_global", ""); err != nil {
		return nil, dErrors.Wrap(dErrors.CodeForbidden, "global read not permitted", err)
	}
	return s.store.ReadGlobal(ctx, fromSequence, limit)
}

// LatestSequence returns the aggregate's current optimistic-concurrency token.
func (s *Service) LatestSequence(ctx context.Context, principal domain.Principal, aggregateID domain.AggregateID) (int64, error) {
	if err := s.authz.Authorize(principal, "read", aggregateID); err != nil {
		return 0, dErrors.Wrap(dErrors.CodeForbidden, "read not permitted", err)
	}
	return s.store.LatestSequence(ctx, aggregateID)
}

// FindByEventID fetches one committed event.
func (s *Service) FindByEventID(ctx context.Context, principal domain.Principal, eventID domain.EventID) (Event, error) {
	event, err := s.store.FindByEventID(ctx, eventID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Event{}, dErrors.Wrap(dErrors.CodeNotFound, "event not found", err)
		}
		return Event{}, err
	}
	if err := s.authz.Authorize(principal, "read", event.AggregateID); err != nil {
		return Event{}, dErrors.Wrap(dErrors.CodeForbidden, "read not permitted", err)
	}
	return event, nil
}

func (s *Service) validate(req AppendRequest) error {
	if req.AggregateID.IsNil() {
		return &ValidationError{Field: "aggregate_id", Reason: "required"}
	}
	if req.ExpectedSequence < 0 {
		return &ValidationError{Field: "expected_sequence", Reason: "must be >= 0"}
	}
	if req.Type == "" {
		return &ValidationError{Field: "event_type", Reason: "required"}
	}
	versions, ok := s.schemas[req.Type]
	if !ok {
		return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown type %q", req.Type)}
	}
	if !containsInt(versions, req.SchemaVersion) {
		return &ValidationError{
			Field:  "schema_version",
			Reason: fmt.Sprintf("version %d not accepted for %q", req.SchemaVersion, req.Type),
		}
	}
	if len(req.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	if len(req.Payload) > maxPayloadBytes {
		return &ValidationError{Field: "payload", Reason: "exceeds size limit"}
	}
	if !json.Valid(req.Payload) {
		return &ValidationError{Field: "payload", Reason: "not valid JSON"}
	}
	if req.ClientTimestamp.IsZero() {
		return &ValidationError{Field: "client_timestamp", Reason: "required"}
	}
	return nil
}

// resolveDuplicate turns a unique-index hit into an idempotent success: the
// caller's earlier attempt committed, so hand back that event.
func (s *Service) resolveDuplicate(ctx context.Context, req AppendRequest) (AppendResult, error) {
	event, err := s.store.FindByLocalID(ctx, *req.LocalID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("resolve duplicate local id %s: %w", req.LocalID, err)
	}
	if s.metrics != nil {
		s.metrics.AppendsDeduped.Inc()
	}
	return AppendResult{Event: event, Deduplicated: true}, nil
}

func (s *Service) cachedCommit(ctx context.Context, localID domain.LocalID) (AppendResult, bool) {
	eventID, err := s.dedup.Get(ctx, dedupKey(localID)).Result()
	if err != nil {
		return AppendResult{}, false // miss or redis down; index has the truth
	}
	parsed, err := domain.ParseEventID(eventID)
	if err != nil {
		return AppendResult{}, false
	}
	event, err := s.store.FindByEventID(ctx, parsed)
	if err != nil {
		return AppendResult{}, false
	}
	return AppendResult{Event: event, Deduplicated: true}, true
}

func (s *Service) cacheCommit(ctx context.Context, event Event) {
	if s.dedup == nil || event.LocalID == nil {
		return
	}
	if err := s.dedup.Set(ctx, dedupKey(*event.LocalID), event.EventID.String(), s.dedupTTL).Err(); err != nil {
		s.logger.WarnContext(ctx, "dedup cache write failed", "error", err)
	}
}

func dedupKey(localID domain.LocalID) string {
	return "veritas:dedup:" + localID.String()
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
