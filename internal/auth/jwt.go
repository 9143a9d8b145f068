// Package auth validates the token a client presents in the first
// handshake message.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any token that does not pass validation.
var ErrUnauthorized = errors.New("unauthorized")

// Claims represents the JWT claims of a session client.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// Validator checks handshake auth tokens.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// AllowAll accepts any token. Used when no JWKS endpoint is configured.
type AllowAll struct{}

func (AllowAll) Validate(string) (*Claims, error) {
	return &Claims{}, nil
}

// JWTValidator validates JWTs against a key source.
type JWTValidator struct {
	keyfunc  jwt.Keyfunc
	audience string
	issuer   string
	cancel   context.CancelFunc
}

// NewJWKSValidator creates a validator that fetches and refreshes keys from
// the JWKS endpoint until Close is called.
func NewJWKSValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	ctx, cancel := context.WithCancel(context.Background())
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}
	v := NewJWTValidator(k.Keyfunc, issuer, audience)
	v.cancel = cancel
	return v, nil
}

// NewJWTValidator creates a validator using kf to look up signing keys.
// Empty issuer or audience disables that check.
func NewJWTValidator(kf jwt.Keyfunc, issuer, audience string) *JWTValidator {
	return &JWTValidator{keyfunc: kf, issuer: issuer, audience: audience}
}

// Validate validates a JWT token and returns the claims if valid.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims, nil
}

// Close stops background key refreshes.
func (v *JWTValidator) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}
