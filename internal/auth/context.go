package auth

import (
	"context"

	"github.com/vaultapi/vaultapi/internal/model"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	sessionContextKey contextKey = "session_context"
	keyContextKey     contextKey = "key_context"
)

// ContextWithSession adds a SessionContext to the context.
func ContextWithSession(ctx context.Context, session *model.SessionContext) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext retrieves the SessionContext from the context.
// Returns nil if not present.
func SessionFromContext(ctx context.Context) *model.SessionContext {
	session, ok := ctx.Value(sessionContextKey).(*model.SessionContext)
	if !ok {
		return nil
	}
	return session
}

// MustSessionFromContext retrieves the SessionContext from the context.
// Panics if not present (use only when session middleware has run).
func MustSessionFromContext(ctx context.Context) *model.SessionContext {
	session := SessionFromContext(ctx)
	if session == nil {
		panic("session context not found - ensure session middleware is applied")
	}
	return session
}

// ContextWithKey adds the identity of a validated API key to the context.
func ContextWithKey(ctx context.Context, key *model.KeyContext) context.Context {
	return context.WithValue(ctx, keyContextKey, key)
}

// KeyFromContext retrieves the KeyContext from the context.
func KeyFromContext(ctx context.Context) *model.KeyContext {
	key, ok := ctx.Value(keyContextKey).(*model.KeyContext)
	if !ok {
		return nil
	}
	return key
}

// UserIDFromContext returns the user ID from a session or API key, or "".
func UserIDFromContext(ctx context.Context) string {
	if session := SessionFromContext(ctx); session != nil {
		return session.UserID
	}
	if key := KeyFromContext(ctx); key != nil {
		return key.UserID
	}
	return ""
}
