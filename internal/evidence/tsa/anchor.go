package tsa

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// anchorSigningContext domain-separates anchor attestation signatures
// from any other use of the service key.
const anchorSigningContext = "veritas:anchor:attestation:v1\x00"

// Anchor submits digests to a blockchain anchoring service over JSON
// HTTP. The service batches digests into chain transactions on its own
// cadence, so confirmation is asynchronous: Submit returns the
// service-assigned anchor id as the handle and Poll reports
// ErrStillPending until the transaction confirms.
//
// The attestation is the service's own statement, signed with an
// Ed25519 key whose public half is configured here, so Verify needs no
// network round trip.
type Anchor struct {
	name      string
	endpoint  string
	client    *http.Client
	publicKey ed25519.PublicKey
}

// NewAnchor builds a backend against the anchoring service at
// endpoint. publicKey verifies the service's attestation signatures.
func NewAnchor(name, endpoint string, publicKey ed25519.PublicKey, client *http.Client) *Anchor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Anchor{
		name:      name,
		endpoint:  endpoint,
		client:    client,
		publicKey: publicKey,
	}
}

func (a *Anchor) Name() string { return a.name }

type anchorSubmitRequest struct {
	Digest    string `json:"digest"`
	Algorithm string `json:"algorithm"`
}

type anchorSubmitResponse struct {
	AnchorID string `json:"anchor_id"`
}

type anchorStatusResponse struct {
	Status      string          `json:"status"`
	Attestation json.RawMessage `json:"attestation,omitempty"`
}

// anchorAttestation is the service's signed statement. Signature covers
// signingMessage(digest, anchored_at), not the JSON encoding, so field
// order and whitespace don't matter.
type anchorAttestation struct {
	Digest     string    `json:"digest"`
	AnchoredAt time.Time `json:"anchored_at"`
	TxRef      string    `json:"tx_ref,omitempty"`
	Signature  []byte    `json:"signature"`
}

// Submit registers the digest with the anchoring service and returns
// the anchor id to poll on.
func (a *Anchor) Submit(ctx context.Context, hash [32]byte) (string, error) {
	body, err := json.Marshal(anchorSubmitRequest{
		Digest:    hex.EncodeToString(hash[:]),
		Algorithm: "sha256",
	})
	if err != nil {
		return "", fmt.Errorf("encode anchor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/anchors", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit digest to %s: %w", a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("anchoring service returned HTTP %d", resp.StatusCode)
	}

	var out anchorSubmitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode anchor reply: %w", err)
	}
	if out.AnchorID == "" {
		return "", fmt.Errorf("anchoring service returned no anchor id")
	}
	return out.AnchorID, nil
}

// Poll checks whether the anchor identified by handle has confirmed.
// While the service reports it pending, Poll returns ErrStillPending.
func (a *Anchor) Poll(ctx context.Context, handle string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/anchors/"+handle, nil)
	if err != nil {
		return nil, fmt.Errorf("build anchor status request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll anchor %s: %w", handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anchoring service returned HTTP %d", resp.StatusCode)
	}

	var out anchorStatusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode anchor status: %w", err)
	}

	switch out.Status {
	case "pending":
		return nil, ErrStillPending
	case "confirmed":
		if len(out.Attestation) == 0 {
			return nil, fmt.Errorf("anchor %s confirmed without attestation", handle)
		}
		return out.Attestation, nil
	default:
		return nil, fmt.Errorf("anchor %s in unexpected state %q", handle, out.Status)
	}
}

// Verify checks the service signature over the attestation and that it
// covers hash, returning the anchoring time.
func (a *Anchor) Verify(attestation []byte, hash [32]byte) (time.Time, error) {
	var att anchorAttestation
	if err := json.Unmarshal(attestation, &att); err != nil {
		return time.Time{}, fmt.Errorf("decode attestation: %w", err)
	}

	attested, err := hex.DecodeString(att.Digest)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode attested digest: %w", err)
	}
	if !bytes.Equal(attested, hash[:]) {
		return time.Time{}, fmt.Errorf("attestation covers a different digest")
	}
	if att.AnchoredAt.IsZero() {
		return time.Time{}, fmt.Errorf("attestation carries no anchoring time")
	}

	msg := signingMessage(attested, att.AnchoredAt)
	if !ed25519.Verify(a.publicKey, msg, att.Signature) {
		return time.Time{}, fmt.Errorf("attestation signature does not verify")
	}
	return att.AnchoredAt.UTC(), nil
}

// signingMessage is the canonical byte string the service signs:
// context prefix, raw digest, anchoring time at nanosecond precision.
func signingMessage(digest []byte, anchoredAt time.Time) []byte {
	msg := make([]byte, 0, len(anchorSigningContext)+len(digest)+40)
	msg = append(msg, anchorSigningContext...)
	msg = append(msg, digest...)
	msg = append(msg, anchoredAt.UTC().Format(time.RFC3339Nano)...)
	return msg
}
