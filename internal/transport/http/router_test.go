package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"veritas/internal/conflict"
	conflicthandler "veritas/internal/conflict/handler"
	"veritas/internal/eventstore"
	eventhandler "veritas/internal/eventstore/handler"
	"veritas/internal/evidence/batch"
	"veritas/internal/evidence/tsa"
	"veritas/internal/export"
	exporthandler "veritas/internal/export/handler"
	jwttoken "veritas/internal/jwt_token"
	"veritas/internal/platform/config"
	"veritas/internal/projection"
	projectionhandler "veritas/internal/projection/handler"
	"veritas/pkg/domain"
)

type testServer struct {
	router       http.Handler
	events       *eventstore.Service
	engine       *projection.Engine
	participant  string
	investigator string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	store := eventstore.NewInMemoryStore()
	events := eventstore.NewService(store, logger)
	events.RegisterEventType(projection.EventEntryCreated, 1)
	events.RegisterEventType(projection.EventEntryUpdated, 1)
	events.RegisterEventType(projection.EventEntryWithdrawn, 1)
	events.RegisterEventType(conflict.EventConflictProposal, 1)

	resolver := conflict.NewResolver(conflict.NewInMemoryStore(),
		conflict.LastWriteWins{Clock: config.ClockServer}, logger)
	resolver.RegisterStrategy(conflict.FieldMerge{})

	engine := projection.NewEngine(projection.NewInMemoryViewStore(), store,
		projection.NewDiaryProjector(), logger)

	proofs := batch.NewService(batch.NewInMemoryStore(), store, tsa.NewFake(), logger)
	bundle := export.NewBundleService(store, proofs)

	tokens := jwttoken.NewService("router-test-key", "veritas", "veritas-api")
	participant, err := tokens.GenerateToken(domain.Principal{
		ActorID: "participant-1", Role: "participant", Site: "site-9", Sponsor: "sponsor-a",
	}, time.Hour)
	require.NoError(t, err)
	investigator, err := tokens.GenerateToken(domain.Principal{
		ActorID: "investigator-1", Role: "investigator", Site: "site-9", Sponsor: "sponsor-a",
	}, time.Hour)
	require.NoError(t, err)

	views := projectionhandler.New(engine, logger)
	router := NewRouter(Deps{
		Logger:    logger,
		Validator: tokens,
		Streams:   eventhandler.New(events, resolver, logger),
		Views:     views,
		Exports:   exporthandler.New(bundle, logger),
		Reviewer: RegistrarFunc(func(r chi.Router) {
			conflicthandler.New(resolver, logger).Register(r)
			views.RegisterRebuild(r)
		}),
		ReviewerRoles: []string{"investigator", "sponsor"},
	})

	return &testServer{
		router:       router,
		events:       events,
		engine:       engine,
		participant:  participant,
		investigator: investigator,
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func appendBody(eventType string, expected int64, payload string) map[string]any {
	return map[string]any{
		"event_type":        eventType,
		"schema_version":    1,
		"payload":           json.RawMessage(payload),
		"expected_sequence": expected,
		"client_timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestRouterAuthBoundary(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/streams/diary-1/events", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/streams/diary-1/events", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAppendReadHeadRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/streams/diary-1/events", ts.participant,
		appendBody(projection.EventEntryCreated, 0, `{"severity":3}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created eventhandler.AppendEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, int64(1), created.Event.Sequence)
	require.Equal(t, "participant-1", created.Event.Actor.ActorID)
	require.Nil(t, created.Conflict)

	rec = ts.do(t, http.MethodGet, "/streams/diary-1/events", ts.participant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page eventhandler.EventPageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	require.Zero(t, page.NextFrom)

	rec = ts.do(t, http.MethodGet, "/streams/diary-1/head", ts.participant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var head eventhandler.HeadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &head))
	require.Equal(t, int64(1), head.LatestSequence)
}

func TestAppendValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	body := appendBody("UnknownType", 0, `{"a":1}`)
	rec := ts.do(t, http.MethodPost, "/streams/diary-1/events", ts.participant, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body = appendBody(projection.EventEntryCreated, 0, `{"a":1}`)
	delete(body, "client_timestamp")
	rec = ts.do(t, http.MethodPost, "/streams/diary-1/events", ts.participant, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStaleAppendSettlesInline(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/streams/diary-2/events", ts.participant,
		appendBody(projection.EventEntryCreated, 0, `{"severity":2}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Same expected sequence again without a strategy: the 409 goes back to
	// the client.
	rec = ts.do(t, http.MethodPost, "/streams/diary-2/events", ts.participant,
		appendBody(projection.EventEntryUpdated, 0, `{"severity":5}`))
	require.Equal(t, http.StatusConflict, rec.Code)

	// Opting in to server-side settlement: server-clock last-write-wins
	// rebases the command so the retry commits on top.
	body := appendBody(projection.EventEntryUpdated, 0, `{"severity":5}`)
	body["strategy"] = "default"
	rec = ts.do(t, http.MethodPost, "/streams/diary-2/events", ts.participant, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp eventhandler.AppendEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Conflict)
	require.False(t, resp.Conflict.Superseded)
	require.Equal(t, int64(2), resp.Event.Sequence)
	require.Equal(t, projection.EventEntryUpdated, resp.Event.Type)
}

func TestManualReviewLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/streams/diary-3/events", ts.participant,
		appendBody(projection.EventEntryCreated, 0, `{"severity":2}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Field merge with a clashing key escalates to manual review; the
	// proposal is still committed as its own event.
	body := appendBody(projection.EventEntryUpdated, 0, `{"severity":4}`)
	body["strategy"] = "field_merge"
	rec = ts.do(t, http.MethodPost, "/streams/diary-3/events", ts.participant, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp eventhandler.AppendEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Conflict)
	require.True(t, resp.Conflict.Superseded)
	require.Equal(t, string(conflict.OutcomeManualReview), resp.Conflict.Outcome)
	require.Equal(t, conflict.EventConflictProposal, resp.Event.Type)

	// The review queue is reviewer-only.
	rec = ts.do(t, http.MethodGet, "/conflicts?status=manual_review", ts.participant, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/conflicts?status=manual_review", ts.investigator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list conflicthandler.ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conflicts, 1)

	closePath := fmt.Sprintf("/conflicts/%s/close", list.Conflicts[0].ID)
	rec = ts.do(t, http.MethodPost, closePath, ts.participant, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, closePath, ts.investigator, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/conflicts?status=manual_review", ts.investigator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = conflicthandler.ListResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Empty(t, list.Conflicts)
}

func TestViewReadAndRebuild(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/streams/diary-4/events", ts.participant,
		appendBody(projection.EventEntryCreated, 0, `{"severity":1,"note":"morning dose"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created eventhandler.AppendEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	_, err := ts.engine.ApplyEvent(context.Background(), created.Event)
	require.NoError(t, err)

	rec = ts.do(t, http.MethodGet, "/views/diary-4", ts.participant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view projection.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, created.Event.Sequence, view.LatestSequence)

	rec = ts.do(t, http.MethodGet, "/views/diary-unknown", ts.participant, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Rebuild is reviewer-gated and must reproduce the incremental view.
	rec = ts.do(t, http.MethodPost, "/views/diary-4/rebuild", ts.participant, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/views/diary-4/rebuild", ts.investigator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rebuilt projection.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rebuilt))
	require.Equal(t, view.LatestSequence, rebuilt.LatestSequence)
	require.JSONEq(t, string(view.State), string(rebuilt.State))
}

func TestExportEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/streams/diary-5/events", ts.participant,
			appendBody(projection.EventEntryCreated, int64(i), fmt.Sprintf(`{"severity":%d}`, i)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/export/events?limit=2", ts.participant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page export.EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 2)
	require.Equal(t, int64(2), page.NextFrom)

	rec = ts.do(t, http.MethodGet, "/export/proofs/"+domain.NewEventID().String(), ts.participant, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/export/proofs/not-a-uuid", ts.participant, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
