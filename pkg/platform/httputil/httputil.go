// Package httputil centralizes JSON encoding and error translation for the
// HTTP layer. Handlers never build envelopes by hand, so every endpoint
// speaks the same dialect.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	dErrors "veritas/pkg/domain-errors"
)

const maxRequestBody = 1 << 20

// Validatable is implemented by request body types that can validate and
// normalize themselves after decoding.
type Validatable interface {
	Validate() error
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the uniform error shape. Internal failures omit the
// description so infrastructure details never leak to clients.
type errorEnvelope struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteError translates a domain error to its HTTP status and envelope.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)

	envelope := errorEnvelope{Error: string(code)}
	if code != dErrors.CodeInternal {
		var de *dErrors.DomainError
		if errors.As(err, &de) {
			envelope.Description = de.Message
		}
	}
	WriteJSON(w, dErrors.ToHTTPStatus(code), envelope)
}

// DecodeAndPrepare decodes the request body into T, validates it, and on
// failure writes the error response itself. Callers just bail out when ok
// is false.
func DecodeAndPrepare[T any, PT interface {
	*T
	Validatable
}](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (PT, bool) {
	body := PT(new(T))

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(body); err != nil {
		logger.WarnContext(ctx, "request body rejected",
			"request_id", requestID,
			"error", err,
		)
		WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "request body is not valid JSON"))
		return nil, false
	}

	if err := body.Validate(); err != nil {
		WriteError(w, err)
		return nil, false
	}
	return body, true
}
