package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vaultapi/vaultapi/internal/auth"
	"github.com/vaultapi/vaultapi/internal/model"
)

// Authenticator resolves a session token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.SessionContext, error)
}

// KeyVerifier resolves a presented API key.
type KeyVerifier interface {
	Verify(ctx context.Context, rawKey string) (*model.KeyContext, error)
}

// SessionAuthConfig holds configuration for the session middleware.
type SessionAuthConfig struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	CookieName    string
	// InvalidSession is the error the authenticator returns for bad tokens.
	// Any other error is treated as a backend failure.
	InvalidSession error
}

// SessionAuth requires a valid session cookie and injects the session context.
func SessionAuth(cfg SessionAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(cfg.CookieName)
			if err != nil || cookie.Value == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}

			session, err := cfg.Authenticator.Authenticate(r.Context(), cookie.Value)
			if err != nil {
				if cfg.InvalidSession != nil && !errors.Is(err, cfg.InvalidSession) {
					cfg.Logger.Error("session lookup failed",
						slog.String("error", err.Error()),
						slog.String("request_id", GetRequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
					return
				}
				cfg.Logger.Warn("authentication failed",
					slog.String("reason", "invalid_session"),
					slog.String("ip", r.RemoteAddr),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session is invalid or expired")
				return
			}

			ctx := auth.ContextWithSession(r.Context(), session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// KeyAuthConfig holds configuration for the API key middleware.
type KeyAuthConfig struct {
	Logger   *slog.Logger
	Verifier KeyVerifier
	// InvalidKey is the error the verifier returns for unknown or revoked keys.
	InvalidKey error
}

// KeyAuth requires a valid API key and injects the key context.
// Every kind of rejection gets the same response to prevent enumeration.
func KeyAuth(cfg KeyAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAPIKey(r)
			if key == "" {
				cfg.Logger.Warn("authentication failed",
					slog.String("reason", "missing_key"),
					slog.String("ip", r.RemoteAddr),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				writeKeyAuthError(w)
				return
			}

			kc, err := cfg.Verifier.Verify(r.Context(), key)
			if err != nil {
				if cfg.InvalidKey != nil && !errors.Is(err, cfg.InvalidKey) {
					cfg.Logger.Error("database error during auth",
						slog.String("error", err.Error()),
						slog.String("request_id", GetRequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
					return
				}
				cfg.Logger.Warn("authentication failed",
					slog.String("reason", "invalid_key"),
					slog.String("ip", r.RemoteAddr),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				writeKeyAuthError(w)
				return
			}

			cfg.Logger.Info("authentication successful",
				slog.String("key_id", kc.KeyID),
				slog.String("key_prefix", kc.Prefix),
				slog.String("user_id", kc.UserID),
				slog.String("request_id", GetRequestID(r.Context())),
			)

			ctx := auth.ContextWithKey(r.Context(), kc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractAPIKey reads "Authorization: Bearer <key>" or "X-API-Key: <key>".
func extractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeKeyAuthError(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key")
}
