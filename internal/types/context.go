package types

import (
	"context"
)

// ActorType identifies how the caller's identity was established.
type ActorType string

const (
	// ActorTypeUser is a caller authenticated with a bearer token.
	ActorTypeUser ActorType = "user"
	// ActorTypeTrusted is a caller that supplied its uid directly (query or
	// body). Only accepted on routes that allow the uid fallback.
	ActorTypeTrusted ActorType = "trusted"
	ActorTypeSystem  ActorType = "system"
)

// Actor represents the entity performing an operation.
type Actor struct {
	ID    string
	Type  ActorType
	Email string
}

// IsAuthenticated reports whether the actor was verified from a credential.
func (a Actor) IsAuthenticated() bool {
	return a.Type == ActorTypeUser
}

type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
