package handler

import (
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"veritas/internal/conflict"
	"veritas/internal/eventstore"
	"veritas/internal/platform/config"
	"veritas/pkg/testutil"
)

func newHandler(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	events := eventstore.NewService(eventstore.NewInMemoryStore(), logger)
	events.RegisterEventType("EntryCreated", 1)
	events.RegisterEventType("EntryUpdated", 1)
	events.RegisterEventType(conflict.EventConflictProposal, 1)

	resolver := conflict.NewResolver(conflict.NewInMemoryStore(),
		conflict.LastWriteWins{Clock: config.ClockServer}, logger)

	router := chi.NewRouter()
	New(events, resolver, logger).Register(router)
	return router
}

func appendPayload(eventType string, expected int64) map[string]any {
	return map[string]any{
		"event_type":        eventType,
		"schema_version":    1,
		"payload":           map[string]any{"severity": 2},
		"expected_sequence": expected,
		"client_timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestAppendRequiresPrincipal(t *testing.T) {
	router := newHandler(t)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/streams/diary-1/events",
		appendPayload("EntryCreated", 0))
	rr := testutil.DoRequest(router, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	errResp := testutil.UnmarshalErrorResponse(t, rr)
	require.Equal(t, "unauthorized", errResp["error"])
}

func TestAppendCommits(t *testing.T) {
	router := newHandler(t)

	req := testutil.WithActor(testutil.NewJSONRequest(t, http.MethodPost,
		"/streams/diary-1/events", appendPayload("EntryCreated", 0)), "participant-1")
	rr := testutil.DoRequest(router, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	resp := testutil.UnmarshalResponse[AppendEventResponse](t, rr)
	require.Equal(t, int64(1), resp.Event.Sequence)
	require.Equal(t, "participant-1", resp.Event.Actor.ActorID)
}

func TestAppendRejectsMalformedBody(t *testing.T) {
	router := newHandler(t)

	req := testutil.WithActor(testutil.NewRequestWithBody(t, http.MethodPost,
		"/streams/diary-1/events", `{"event_type":`), "participant-1")
	rr := testutil.DoRequest(router, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStaleAppendConflictSettlement(t *testing.T) {
	router := newHandler(t)

	testutil.Given(t, "a committed event holds the stream head", func(t *testing.T) {
		req := testutil.WithActor(testutil.NewJSONRequest(t, http.MethodPost,
			"/streams/diary-2/events", appendPayload("EntryCreated", 0)), "participant-1")
		require.Equal(t, http.StatusCreated, testutil.DoRequest(router, req).Code)
	})

	testutil.When(t, "a stale append arrives without a strategy", func(t *testing.T) {
		req := testutil.WithActor(testutil.NewJSONRequest(t, http.MethodPost,
			"/streams/diary-2/events", appendPayload("EntryUpdated", 0)), "participant-1")
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusConflict, rr.Code)
		errResp := testutil.UnmarshalErrorResponse(t, rr)
		require.Equal(t, "conflict", errResp["error"])
	})

	testutil.Then(t, "opting into the default strategy settles it inline", func(t *testing.T) {
		body := appendPayload("EntryUpdated", 0)
		body["strategy"] = "default"
		req := testutil.WithActor(testutil.NewJSONRequest(t, http.MethodPost,
			"/streams/diary-2/events", body), "participant-1")
		rr := testutil.DoRequest(router, req)

		require.Equal(t, http.StatusCreated, rr.Code)
		resp := testutil.UnmarshalResponse[AppendEventResponse](t, rr)
		require.NotNil(t, resp.Conflict)
		require.False(t, resp.Conflict.Superseded)
		require.Equal(t, int64(2), resp.Event.Sequence)
	})
}
