package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret []byte, space string, caps []string, expired bool) string {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
		Space:            space,
		Capabilities:     caps,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestAuthorizeGrantsMatchingCapability(t *testing.T) {
	secret := []byte("test-secret")
	a := NewJWTAuthorizer(secret)
	tok := signToken(t, secret, "did:key:s1", []string{"read", "write"}, false)

	require.Equal(t, ResultOK, a.Authorize(context.Background(), tok, "did:key:s1", CapabilityWrite))
}

func TestAuthorizeForbidsWrongSpace(t *testing.T) {
	secret := []byte("test-secret")
	a := NewJWTAuthorizer(secret)
	tok := signToken(t, secret, "did:key:s1", []string{"read", "write"}, false)

	require.Equal(t, ResultForbidden, a.Authorize(context.Background(), tok, "did:key:other", CapabilityRead))
}

func TestAuthorizeForbidsMissingCapability(t *testing.T) {
	secret := []byte("test-secret")
	a := NewJWTAuthorizer(secret)
	tok := signToken(t, secret, "did:key:s1", []string{"read"}, false)

	require.Equal(t, ResultForbidden, a.Authorize(context.Background(), tok, "did:key:s1", CapabilityWrite))
}

func TestAuthorizeUnauthorizedOnMissingToken(t *testing.T) {
	a := NewJWTAuthorizer([]byte("test-secret"))
	require.Equal(t, ResultUnauthorized, a.Authorize(context.Background(), "", "did:key:s1", CapabilityRead))
}

func TestAuthorizeUnauthorizedOnExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	a := NewJWTAuthorizer(secret)
	tok := signToken(t, secret, "did:key:s1", []string{"read"}, true)

	require.Equal(t, ResultUnauthorized, a.Authorize(context.Background(), tok, "did:key:s1", CapabilityRead))
}

func TestAuthorizeUnauthorizedOnWrongSecret(t *testing.T) {
	a := NewJWTAuthorizer([]byte("test-secret"))
	tok := signToken(t, []byte("different-secret"), "did:key:s1", []string{"read"}, false)

	require.Equal(t, ResultUnauthorized, a.Authorize(context.Background(), tok, "did:key:s1", CapabilityRead))
}
