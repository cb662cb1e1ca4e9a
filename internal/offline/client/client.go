// Package client implements the offline queue's remote against the veritas
// HTTP API. Wire failures come back as the event store's typed errors so the
// drain loop branches the same way it does in-process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"veritas/internal/eventstore"
	eventhandler "veritas/internal/eventstore/handler"
	"veritas/pkg/domain"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/sentinel"
)

const maxResponseBody = 1 << 20

// Client talks to one veritas server on behalf of one principal.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New builds a sync client. token is the bearer token for every call.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, client: httpClient}
}

// Append submits one event draft. A stale expected sequence surfaces as
// *eventstore.ConflictError, a rejected draft as *eventstore.ValidationError.
func (c *Client) Append(ctx context.Context, req eventstore.AppendRequest) (eventstore.AppendResult, error) {
	body := eventhandler.AppendEventRequest{
		Type:             req.Type,
		SchemaVersion:    req.SchemaVersion,
		Payload:          req.Payload,
		ExpectedSequence: req.ExpectedSequence,
		ClientTimestamp:  req.ClientTimestamp,
	}
	if req.CausationID != nil {
		body.CausationID = req.CausationID.String()
	}
	if req.LocalID != nil {
		body.LocalID = req.LocalID.String()
	}

	var resp eventhandler.AppendEventResponse
	err := c.do(ctx, http.MethodPost, "/streams/"+url.PathEscape(req.AggregateID.String())+"/events", body, &resp)
	if err != nil {
		return eventstore.AppendResult{}, c.typed(err, req)
	}
	return eventstore.AppendResult{Event: resp.Event, Deduplicated: resp.Deduplicated}, nil
}

// Head returns the aggregate's newest committed event, sentinel.ErrNotFound
// when the stream is empty.
func (c *Client) Head(ctx context.Context, aggregateID domain.AggregateID) (eventstore.Event, error) {
	stream := "/streams/" + url.PathEscape(aggregateID.String())

	var head eventhandler.HeadResponse
	if err := c.do(ctx, http.MethodGet, stream+"/head", nil, &head); err != nil {
		return eventstore.Event{}, err
	}
	if head.LatestSequence == 0 {
		return eventstore.Event{}, sentinel.ErrNotFound
	}

	var page eventhandler.EventPageResponse
	path := fmt.Sprintf("%s/events?from=%d&limit=1", stream, head.LatestSequence-1)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return eventstore.Event{}, err
	}
	if len(page.Events) == 0 {
		return eventstore.Event{}, sentinel.ErrNotFound
	}
	return page.Events[0], nil
}

// apiError is a non-2xx reply, preserving the server's error code.
type apiError struct {
	Status      int
	Code        string `json:"error"`
	Description string `json:"description"`
}

func (e *apiError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("server replied %d %s: %s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("server replied %d %s", e.Status, e.Code)
}

// typed converts append failures into the store's error types. The server
// envelope carries no sequence detail; the drain loop only branches on type
// and re-reads the head before rebasing.
func (c *Client) typed(err error, req eventstore.AppendRequest) error {
	api, ok := err.(*apiError)
	if !ok {
		return err
	}
	switch dErrors.Code(api.Code) {
	case dErrors.CodeConflict:
		return &eventstore.ConflictError{
			AggregateID:      req.AggregateID.String(),
			ExpectedSequence: req.ExpectedSequence,
		}
	case dErrors.CodeInvalidInput:
		return &eventstore.ValidationError{Field: "request", Reason: api.Description}
	default:
		return err
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBody)
	if resp.StatusCode >= 300 {
		api := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(limited).Decode(api)
		return api
	}
	if out != nil {
		if err := json.NewDecoder(limited).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
