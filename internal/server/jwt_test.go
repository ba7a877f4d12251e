package server

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/textbook-forge/internal/config"
)

func newTestJWTService(secret string) *JWTService {
	return NewJWTService(config.JWTConfig{Secret: secret, ExpirationHours: 2})
}

func unauthorizedReason(t *testing.T, err error) string {
	t.Helper()
	var ue *ErrUnauthorized
	require.True(t, errors.As(err, &ue), "got %v", err)
	return ue.Reason
}

func TestJWTService_RoundTrip(t *testing.T) {
	svc := newTestJWTService(testSecret)
	token, err := svc.GenerateToken("ci-bot")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", claims.Subject)
	assert.Equal(t, TokenIssuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), claims.ExpiresAt.Time, time.Minute)

	subject, err := svc.AsTokenValidator().ValidateToken(token)
	require.NoError(t, err)
	got, err := subject.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", got)
}

func TestJWTService_EmptySubject(t *testing.T) {
	_, err := newTestJWTService(testSecret).GenerateToken("")
	assert.Error(t, err)
}

func TestJWTService_Rejects(t *testing.T) {
	svc := newTestJWTService(testSecret)

	t.Run("empty", func(t *testing.T) {
		_, err := svc.ValidateToken("")
		assert.Equal(t, "token string is empty", unauthorizedReason(t, err))
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := svc.ValidateToken("not.a.jwt")
		assert.Equal(t, "malformed token", unauthorizedReason(t, err))
	})

	t.Run("expired", func(t *testing.T) {
		issuer := newTestJWTService(testSecret)
		issuer.now = func() time.Time { return time.Now().Add(-3 * time.Hour) }
		token, err := issuer.GenerateToken("ci-bot")
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.Equal(t, "token expired", unauthorizedReason(t, err))
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := newTestJWTService("another-secret-of-16").GenerateToken("ci-bot")
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.Equal(t, "invalid token signature", unauthorizedReason(t, err))
	})

	t.Run("unsigned", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   "ci-bot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.Error(t, err)
		assert.Equal(t, 401, HTTPStatus(err))
	})

	t.Run("foreign issuer", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "ci-bot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.Equal(t, "failed to parse token", unauthorizedReason(t, err))
	})
}
