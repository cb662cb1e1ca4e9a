package tsa

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/pkg/platform/circuit"
)

func TestFakeConfirmsAfterPendingPolls(t *testing.T) {
	ctx := context.Background()
	attestedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	fake := NewFake()
	fake.PendingPolls = 2
	fake.Now = func() time.Time { return attestedAt }

	hash := sha256.Sum256([]byte("entry payload"))
	handle, err := fake.Submit(ctx, hash)
	require.NoError(t, err)

	_, err = fake.Poll(ctx, handle)
	require.ErrorIs(t, err, ErrStillPending)
	_, err = fake.Poll(ctx, handle)
	require.ErrorIs(t, err, ErrStillPending)

	att, err := fake.Poll(ctx, handle)
	require.NoError(t, err)

	got, err := fake.Verify(att, hash)
	require.NoError(t, err)
	assert.Equal(t, attestedAt, got)

	other := sha256.Sum256([]byte("different payload"))
	_, err = fake.Verify(att, other)
	assert.Error(t, err)
}

func TestFakePollUnknownHandle(t *testing.T) {
	fake := NewFake()
	_, err := fake.Poll(context.Background(), "no-such-handle")
	assert.Error(t, err)
}

func TestAnchorSubmitPollVerify(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	anchoredAt := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	hash := sha256.Sum256([]byte("merkle root"))

	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/anchors":
			var req anchorSubmitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, hex.EncodeToString(hash[:]), req.Digest)
			assert.Equal(t, "sha256", req.Algorithm)
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(anchorSubmitResponse{AnchorID: "tx-1"})

		case r.Method == http.MethodGet && r.URL.Path == "/anchors/tx-1":
			polls++
			if polls == 1 {
				json.NewEncoder(w).Encode(anchorStatusResponse{Status: "pending"})
				return
			}
			att := anchorAttestation{
				Digest:     hex.EncodeToString(hash[:]),
				AnchoredAt: anchoredAt,
				TxRef:      "0xabc",
				Signature:  ed25519.Sign(priv, signingMessage(hash[:], anchoredAt)),
			}
			raw, err := json.Marshal(att)
			require.NoError(t, err)
			json.NewEncoder(w).Encode(anchorStatusResponse{Status: "confirmed", Attestation: raw})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	anchor := NewAnchor("anchor-test", srv.URL, pub, srv.Client())

	handle, err := anchor.Submit(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", handle)

	_, err = anchor.Poll(ctx, handle)
	require.ErrorIs(t, err, ErrStillPending)

	att, err := anchor.Poll(ctx, handle)
	require.NoError(t, err)

	got, err := anchor.Verify(att, hash)
	require.NoError(t, err)
	assert.Equal(t, anchoredAt, got)
}

func TestAnchorVerifyRejectsTampering(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	anchor := NewAnchor("anchor-test", "http://unused", pub, nil)

	anchoredAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hash := sha256.Sum256([]byte("merkle root"))

	encode := func(att anchorAttestation) []byte {
		raw, err := json.Marshal(att)
		require.NoError(t, err)
		return raw
	}
	valid := anchorAttestation{
		Digest:     hex.EncodeToString(hash[:]),
		AnchoredAt: anchoredAt,
		Signature:  ed25519.Sign(priv, signingMessage(hash[:], anchoredAt)),
	}

	t.Run("valid attestation verifies", func(t *testing.T) {
		_, err := anchor.Verify(encode(valid), hash)
		require.NoError(t, err)
	})

	t.Run("flipped signature bit rejected", func(t *testing.T) {
		bad := valid
		bad.Signature = append([]byte(nil), valid.Signature...)
		bad.Signature[0] ^= 0x01
		_, err := anchor.Verify(encode(bad), hash)
		assert.Error(t, err)
	})

	t.Run("moved anchoring time rejected", func(t *testing.T) {
		bad := valid
		bad.AnchoredAt = anchoredAt.Add(time.Hour)
		_, err := anchor.Verify(encode(bad), hash)
		assert.Error(t, err)
	})

	t.Run("different hash rejected", func(t *testing.T) {
		other := sha256.Sum256([]byte("other root"))
		_, err := anchor.Verify(encode(valid), other)
		assert.Error(t, err)
	})
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	CertReq        bool `asn1:"optional"`
}

func TestRFC3161SubmitEncodesRequestAndUnwrapsToken(t *testing.T) {
	ctx := context.Background()
	hash := sha256.Sum256([]byte("merkle root"))
	tokenDER, err := asn1.Marshal(struct{ Marker int }{42})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/timestamp-query", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req timeStampReq
		_, err = asn1.Unmarshal(body, &req)
		require.NoError(t, err)
		assert.Equal(t, 1, req.Version)
		assert.True(t, req.MessageImprint.HashAlgorithm.Algorithm.Equal(oidSHA256))
		assert.Equal(t, hash[:], req.MessageImprint.HashedMessage)
		assert.True(t, req.CertReq)

		resp, err := asn1.Marshal(struct {
			Status struct{ Status int }
			Token  asn1.RawValue
		}{Token: asn1.RawValue{FullBytes: tokenDER}})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/timestamp-reply")
		w.Write(resp)
	}))
	defer srv.Close()

	authority := NewRFC3161(srv.URL, srv.Client())

	handle, err := authority.Submit(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(tokenDER), handle)

	token, err := authority.Poll(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, tokenDER, token)
}

func TestRFC3161RejectedStatusSurfaces(t *testing.T) {
	der, err := asn1.Marshal(struct {
		Status struct{ Status int }
	}{Status: struct{ Status int }{Status: 2}})
	require.NoError(t, err)

	_, err = tokenFromResponse(der)
	assert.ErrorContains(t, err, "PKIStatus 2")
}

func TestBreakerShortCircuitsSubmit(t *testing.T) {
	ctx := context.Background()
	errTSADown := errors.New("tsa down")
	fake := NewFake()

	breaker := circuit.New("attestation", circuit.WithFailureThreshold(2))
	authority := WithBreaker(fake, breaker, slog.New(slog.DiscardHandler))

	hash := sha256.Sum256([]byte("entry"))
	fake.SubmitErr = errTSADown
	_, err := authority.Submit(ctx, hash)
	require.ErrorIs(t, err, errTSADown)
	fake.SubmitErr = errTSADown
	_, err = authority.Submit(ctx, hash)
	require.ErrorIs(t, err, errTSADown)

	// Threshold reached: further submits fail fast without touching the
	// authority.
	_, err = authority.Submit(ctx, hash)
	require.ErrorIs(t, err, ErrAuthorityOpen)

	// A recovered authority closes the breaker through the poll probe path.
	fake.SubmitErr = nil
	handle, err := fake.Submit(ctx, hash)
	require.NoError(t, err)
	_, err = authority.Poll(ctx, handle)
	require.NoError(t, err)

	_, err = authority.Submit(ctx, hash)
	require.NoError(t, err)
}
