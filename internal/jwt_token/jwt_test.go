package jwttoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/pkg/domain"
	dErrors "veritas/pkg/domain-errors"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("test-signing-key", "veritas", "veritas-api")
	principal := domain.Principal{
		ActorID: "participant-17",
		Role:    "participant",
		Site:    "site-oslo",
		Sponsor: "sponsor-a",
	}

	token, err := svc.GenerateToken(principal, time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, principal, claims.Principal())
	assert.NotEmpty(t, claims.ID)
}

func TestValidateTokenRejections(t *testing.T) {
	svc := NewService("test-signing-key", "veritas", "veritas-api")
	principal := domain.Principal{ActorID: "participant-17"}

	t.Run("expired token", func(t *testing.T) {
		token, err := svc.GenerateToken(principal, -time.Minute)
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other := NewService("another-key", "veritas", "veritas-api")
		token, err := other.GenerateToken(principal, time.Hour)
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := NewService("test-signing-key", "veritas", "some-other-api")
		token, err := other.GenerateToken(principal, time.Hour)
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken("not-a-token")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("principal without actor id never signs", func(t *testing.T) {
		_, err := svc.GenerateToken(domain.Principal{}, time.Hour)
		assert.Error(t, err)
	})
}
