// Package auth verifies bearer identity tokens. Token issuance and user
// management belong to the identity provider; this package only checks
// signatures and extracts claims.
package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the identity fields the service relies on.
type Claims struct {
	UserID string
	Email  string
	OrgID  string
}

// Verifier checks a bearer token and returns its claims.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// JWTVerifier verifies HS256-signed tokens.
type JWTVerifier struct {
	Secret string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	OrgID string `json:"orgId,omitempty"`
}

// Verify parses and validates the token. The subject claim is the user id
// and is required.
func (v JWTVerifier) Verify(token string) (Claims, error) {
	if strings.TrimSpace(token) == "" {
		return Claims{}, errors.New("token is required")
	}
	if strings.TrimSpace(v.Secret) == "" {
		return Claims{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &tokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("subject claim required")
	}
	return Claims{
		UserID: claims.Subject,
		Email:  claims.Email,
		OrgID:  claims.OrgID,
	}, nil
}
