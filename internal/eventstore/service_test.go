package eventstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"veritas/internal/eventstore"
	"veritas/internal/eventstore/mocks"
	"veritas/pkg/domain"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/sentinel"
)

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func validRequest() eventstore.AppendRequest {
	return eventstore.AppendRequest{
		AggregateID:      "diary-42",
		ExpectedSequence: 0,
		Type:             "EntryCreated",
		SchemaVersion:    1,
		Payload:          json.RawMessage(`{"severity":3}`),
		ClientTimestamp:  time.Now().UTC(),
	}
}

func newService(store eventstore.Store) *eventstore.Service {
	svc := eventstore.NewService(store, discardLogger())
	svc.RegisterEventType("EntryCreated", 1)
	svc.RegisterEventType("EntryUpdated", 1)
	return svc
}

func TestService_Append_Commits(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	svc := newService(store)
	principal := domain.Principal{ActorID: "participant-1", Role: "participant"}

	result, err := svc.Append(context.Background(), principal, validRequest())
	require.NoError(t, err)
	assert.False(t, result.Deduplicated)
	assert.Equal(t, int64(1), result.Event.Sequence)
	assert.Equal(t, "participant-1", result.Event.Actor.ActorID)
	assert.False(t, result.Event.ServerTimestamp.IsZero())
}

func TestService_Append_RejectsAnonymous(t *testing.T) {
	svc := newService(eventstore.NewInMemoryStore())

	_, err := svc.Append(context.Background(), domain.Principal{}, validRequest())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestService_Append_Validation(t *testing.T) {
	svc := newService(eventstore.NewInMemoryStore())
	principal := domain.Principal{ActorID: "participant-1"}

	cases := []struct {
		name   string
		mutate func(*eventstore.AppendRequest)
	}{
		{"missing aggregate id", func(r *eventstore.AppendRequest) { r.AggregateID = "" }},
		{"negative expected sequence", func(r *eventstore.AppendRequest) { r.ExpectedSequence = -1 }},
		{"unknown event type", func(r *eventstore.AppendRequest) { r.Type = "Bogus" }},
		{"unknown schema version", func(r *eventstore.AppendRequest) { r.SchemaVersion = 99 }},
		{"empty payload", func(r *eventstore.AppendRequest) { r.Payload = nil }},
		{"malformed payload", func(r *eventstore.AppendRequest) { r.Payload = json.RawMessage(`{`) }},
		{"missing client timestamp", func(r *eventstore.AppendRequest) { r.ClientTimestamp = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := svc.Append(context.Background(), principal, req)
			var validation *eventstore.ValidationError
			require.ErrorAs(t, err, &validation)
		})
	}
}

func TestService_Append_ConflictPropagates(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	svc := newService(store)
	principal := domain.Principal{ActorID: "participant-1"}

	_, err := svc.Append(context.Background(), principal, validRequest())
	require.NoError(t, err)

	_, err = svc.Append(context.Background(), principal, validRequest())
	var conflict *eventstore.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.CurrentSequence)
}

func TestService_Append_DuplicateLocalIDReturnsOriginal(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	svc := newService(store)
	principal := domain.Principal{ActorID: "participant-1"}

	localID := domain.NewLocalID()
	req := validRequest()
	req.LocalID = &localID

	first, err := svc.Append(context.Background(), principal, req)
	require.NoError(t, err)

	// Simulated lost response: the client retries the identical request.
	retry, err := svc.Append(context.Background(), principal, req)
	require.NoError(t, err)
	assert.True(t, retry.Deduplicated)
	assert.Equal(t, first.Event.EventID, retry.Event.EventID)

	head, err := store.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), head, "retry must not commit a second event")
}

func TestService_Append_StorageFailureSurfaces(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	svc := newService(store)
	principal := domain.Principal{ActorID: "participant-1"}

	storageErr := &eventstore.StorageError{Op: "append insert", Err: errors.New("disk gone")}
	store.EXPECT().
		Append(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(eventstore.Event{}, storageErr)

	_, err := svc.Append(context.Background(), principal, validRequest())
	var got *eventstore.StorageError
	require.ErrorAs(t, err, &got)
}

func TestService_FindByEventID_NotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	svc := newService(store)

	store.EXPECT().
		FindByEventID(gomock.Any(), gomock.Any()).
		Return(eventstore.Event{}, sentinel.ErrNotFound)

	_, err := svc.FindByEventID(context.Background(), domain.Principal{ActorID: "auditor"}, domain.NewEventID())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestService_CustomAuthorizer(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	denyAll := eventstore.AuthorizerFunc(func(p domain.Principal, op string, _ domain.AggregateID) error {
		return errors.New("denied")
	})
	svc := eventstore.NewService(store, discardLogger(), eventstore.WithAuthorizer(denyAll))
	svc.RegisterEventType("EntryCreated", 1)

	_, err := svc.Append(context.Background(), domain.Principal{ActorID: "x"}, validRequest())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = svc.ReadStream(context.Background(), domain.Principal{ActorID: "x"}, "diary-42", 0, 10)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}
