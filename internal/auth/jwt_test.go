package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipagent/internal/types"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newTestAuthenticator(t *testing.T, issuer string) (*JWTAuthenticator, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a, err := NewJWTAuthenticator("test-secret", issuer, clock, nil)
	require.NoError(t, err)
	return a, clock
}

func TestNewJWTAuthenticator_EmptySecret(t *testing.T) {
	_, err := NewJWTAuthenticator("", "", nil, nil)
	assert.Error(t, err)
}

func TestResolveToken_RoundTrip(t *testing.T) {
	a, _ := newTestAuthenticator(t, "pip")

	token, err := a.IssueToken("user-1", "traveler@example.com", time.Hour)
	require.NoError(t, err)

	actor, err := a.ResolveToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", actor.ID)
	assert.Equal(t, "traveler@example.com", actor.Email)
	assert.True(t, actor.IsAuthenticated())
}

func TestResolveToken_Expired(t *testing.T) {
	a, clock := newTestAuthenticator(t, "")

	token, err := a.IssueToken("user-1", "", time.Minute)
	require.NoError(t, err)

	clock.now = clock.now.Add(time.Hour)
	_, err = a.ResolveToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeAuthTokenExpired))
}

func TestResolveToken_Rejections(t *testing.T) {
	a, clock := newTestAuthenticator(t, "pip")

	other, err := NewJWTAuthenticator("other-secret", "pip", clock, nil)
	require.NoError(t, err)
	wrongSecret, err := other.IssueToken("user-1", "", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "pip",
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "pip"},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not-a-jwt",
		"wrong secret": wrongSecret,
		"wrong issuer": wrongIssuer,
		"no subject":   noSubject,
		"wrong alg":    wrongAlg,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := a.ResolveToken(context.Background(), token)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrCodeAuthTokenInvalid), "got %v", err)
		})
	}
}

func TestResolveToken_UIDClaimFallback(t *testing.T) {
	a, clock := newTestAuthenticator(t, "")

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UID: "legacy-uid",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	actor, err := a.ResolveToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "legacy-uid", actor.ID)
}
