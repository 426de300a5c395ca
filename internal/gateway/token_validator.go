package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medrex/dlt-keyx/pkg/types"
)

// TokenValidator checks the bearer tokens the portal front-end presents.
// The token subject is the identity the caller acts as.
type TokenValidator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenValidator creates a validator for HS256 tokens. An empty issuer
// accepts any issuer.
func NewTokenValidator(secret, issuer string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Validate parses tokenString and returns its subject identity
func (tv *TokenValidator) Validate(tokenString string) (types.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tv.now),
	}
	if tv.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tv.issuer))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return tv.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	return types.ParseIdentity(claims.Subject)
}

// Issue signs a token for identity, for local tooling and tests
func (tv *TokenValidator) Issue(identity types.Identity, ttl time.Duration) (string, error) {
	now := tv.now()
	claims := jwt.RegisteredClaims{
		Subject:   identity.Normalize().String(),
		Issuer:    tv.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tv.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
