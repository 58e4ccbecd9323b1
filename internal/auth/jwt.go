// Package auth verifies the bearer tokens presented by the travel app.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pipagent/internal/types"
)

// clockSkew tolerates small drift between the issuer and this service.
const clockSkew = 30 * time.Second

// Claims is the token payload. The user id is read from sub, falling back to
// user_id and then uid for tokens minted by older clients.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	UID    string `json:"uid,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) userID() string {
	switch {
	case c.Subject != "":
		return c.Subject
	case c.UserID != "":
		return c.UserID
	default:
		return c.UID
	}
}

// JWTAuthenticator verifies HS256 tokens and resolves them to an Actor.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	clock  types.Clock
	logger *slog.Logger
}

// NewJWTAuthenticator returns an authenticator for the given shared secret.
// When issuer is non-empty the iss claim must match it.
func NewJWTAuthenticator(secret, issuer string, clock types.Clock, logger *slog.Logger) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTAuthenticator{
		secret: []byte(secret),
		issuer: issuer,
		clock:  clock,
		logger: logger,
	}, nil
}

// ResolveToken implements core.Authenticator.
func (a *JWTAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithLeeway(clockSkew),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "token expired", err)
		}
		a.logger.DebugContext(ctx, "token rejected", "error", err)
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid token", err)
	}

	uid := claims.userID()
	if uid == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no subject", nil)
	}

	return &types.Actor{
		ID:    uid,
		Type:  types.ActorTypeUser,
		Email: claims.Email,
	}, nil
}

// IssueToken mints a token for uid that expires after ttl. Used by the
// agent-runner tool and tests to talk to a local API.
func (a *JWTAuthenticator) IssueToken(uid, email string, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
