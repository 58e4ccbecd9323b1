package core

import (
	"context"

	"pipagent/internal/types"
)

// Authenticator resolves a bearer token to an Actor.
//
// Implementations return an AppError with ErrCodeAuthTokenExpired for expired
// tokens and ErrCodeAuthTokenInvalid for anything else that fails to verify.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}
