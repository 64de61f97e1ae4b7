package security

import (
	"strings"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/google/uuid"
)

type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (TokenClaims, error)
}

// CredentialVerifier turns a signed credential into the acting user.
type CredentialVerifier interface {
	VerifyCredential(token string) (domain.Actor, error)
}

// Credentials adapts an AccessTokenVerifier, enforcing the issuer and a uuid user id.
type Credentials struct {
	verifier       AccessTokenVerifier
	expectedIssuer string
}

func NewCredentials(v AccessTokenVerifier, expectedIssuer string) *Credentials {
	return &Credentials{verifier: v, expectedIssuer: strings.TrimSpace(expectedIssuer)}
}

func (c *Credentials) VerifyCredential(token string) (domain.Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Actor{}, ErrTokenMissing
	}
	claims, err := c.verifier.VerifyAccessToken(token)
	if err != nil {
		return domain.Actor{}, err
	}
	if c.expectedIssuer != "" && claims.Issuer != c.expectedIssuer {
		return domain.Actor{}, ErrTokenInvalid
	}

	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	id, err := uuid.Parse(uid)
	if err != nil {
		return domain.Actor{}, ErrTokenInvalid
	}
	return domain.Actor{ID: id, Name: claims.Name}, nil
}
