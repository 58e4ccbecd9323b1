package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"pipagent/internal/types"
)

// AuthMiddleware attaches the caller's Actor when a bearer token is present.
//
// A request without an Authorization header passes through with no Actor, so
// routes that accept a trusted uid can still serve it; routes that need a
// verified caller wrap themselves in RequireAuth. A header that is present but
// malformed, or a token that fails verification, is always a 401.
//
// With no Authenticator configured every request passes through anonymously.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil || actor.ID == "" {
			writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

// RequireAuth rejects requests that did not present a verified bearer token.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok || !actor.IsAuthenticated() {
			writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token from "Bearer <token>", matching the
// scheme case-insensitively, or "" when the header has another shape.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeAuthTokenExpired {
		s.Logger.WarnContext(r.Context(), "authentication failed: token expired",
			slog.String("path", r.URL.Path),
		)
		writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
		return
	}

	s.Logger.WarnContext(r.Context(), "authentication failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
}

func writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	Error(w, r, types.NewAppError(code, message, nil))
}
