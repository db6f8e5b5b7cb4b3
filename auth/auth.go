// Package auth implements §6.4's authorization contract:
// authorize(token, space, capability) -> {ok, unauthorized, forbidden}. The
// concrete implementation verifies a JWT bearer token and checks its claims
// against the requested space and capability.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// Capability is one of the two access levels this service grants.
type Capability string

const (
	CapabilityRead  Capability = "read"
	CapabilityWrite Capability = "write"
)

// Result is the three-way outcome the core consumes before dispatch.
type Result string

const (
	ResultOK           Result = "ok"
	ResultUnauthorized Result = "unauthorized"
	ResultForbidden    Result = "forbidden"
)

// Authorizer is the narrow contract the transport layer depends on.
type Authorizer interface {
	Authorize(ctx context.Context, token string, space string, capability Capability) Result
}

// claims is the JWT payload this implementation expects: a subject
// identifying the caller, the space it's scoped to, and the capabilities
// it was issued for.
type claims struct {
	jwt.RegisteredClaims
	Space        string   `json:"space"`
	Capabilities []string `json:"capabilities"`
}

// JWTAuthorizer verifies HS256-signed tokens against a shared secret. It is
// deliberately narrow -- the Non-goals exclude a full authorization
// service, so this exists only to exercise the §6.4 contract with a real
// token format rather than a stub that always returns ok.
type JWTAuthorizer struct {
	secret []byte
}

func NewJWTAuthorizer(secret []byte) *JWTAuthorizer {
	return &JWTAuthorizer{secret: secret}
}

// DenyAllAuthorizer rejects every request. It is the safe default when no
// JWT secret has been configured, so an operator who forgets to set one
// gets a closed service rather than an accidentally open one.
type DenyAllAuthorizer struct{}

func (DenyAllAuthorizer) Authorize(ctx context.Context, token string, space string, capability Capability) Result {
	return ResultUnauthorized
}

func (a *JWTAuthorizer) Authorize(ctx context.Context, token string, space string, capability Capability) Result {
	if token == "" {
		return ResultUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return ResultUnauthorized
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return ResultUnauthorized
	}
	if c.Space != space {
		return ResultForbidden
	}
	for _, granted := range c.Capabilities {
		if granted == string(capability) {
			return ResultOK
		}
	}
	return ResultForbidden
}
