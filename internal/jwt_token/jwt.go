// Package jwttoken validates the access tokens the external auth layer
// mints for participants, site staff, and sponsor investigators. The core
// does not issue end-user tokens in production; GenerateToken exists for
// development setups and tests, signed with the same shared key.
package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"veritas/pkg/domain"
	dErrors "veritas/pkg/domain-errors"
)

// Claims carries the identity claims the ledger records with every event.
// Role, site, and sponsor are opaque here: the authorization hook and the
// audit record are their only consumers.
type Claims struct {
	Role    string `json:"role,omitempty"`
	Site    string `json:"site,omitempty"`
	Sponsor string `json:"sponsor,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts validated claims to the acting identity.
func (c *Claims) Principal() domain.Principal {
	return domain.Principal{
		ActorID: c.Subject,
		Role:    c.Role,
		Site:    c.Site,
		Sponsor: c.Sponsor,
	}
}

// Service validates (and for dev setups, mints) HS256 access tokens.
type Service struct {
	signingKey []byte
	issuer     string
	audience   string
}

func NewService(signingKey, issuer, audience string) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
	}
}

// GenerateToken mints a signed token for the principal.
func (s *Service) GenerateToken(p domain.Principal, expiresIn time.Duration) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:    p.Role,
		Site:    p.Site,
		Sponsor: p.Sponsor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ActorID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

// ValidateToken parses and verifies a token, returning its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	if claims.Subject == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token carries no subject")
	}
	return claims, nil
}
