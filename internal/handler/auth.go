package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vaultapi/vaultapi/internal/auth"
	"github.com/vaultapi/vaultapi/internal/model"
	"github.com/vaultapi/vaultapi/internal/service"
)

// AuthService is the account surface used by AuthHandler.
type AuthService interface {
	Signup(ctx context.Context, email, password string) (*model.User, error)
	Login(ctx context.Context, email, password string) (*service.LoginResult, error)
	Logout(ctx context.Context, session *model.SessionContext) error
	Authenticate(ctx context.Context, token string) (*model.SessionContext, error)
	Me(ctx context.Context, userID string) (*model.User, error)
}

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	TTL    time.Duration
}

// AuthHandler handles signup, login and session endpoints.
type AuthHandler struct {
	logger *slog.Logger
	svc    AuthService
	cookie CookieConfig
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(logger *slog.Logger, svc AuthService, cookie CookieConfig) *AuthHandler {
	return &AuthHandler{logger: logger, svc: svc, cookie: cookie}
}

// UserEnvelope wraps a user in responses.
type UserEnvelope struct {
	User model.UserResponse `json:"user"`
}

// Signup handles POST /api/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req model.Credentials
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	user, err := h.svc.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, UserEnvelope{User: user.ToResponse()})
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req model.Credentials
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	http.SetCookie(w, h.sessionCookie(res.Token, res.Session.ExpiresAt))
	writeJSON(w, http.StatusOK, UserEnvelope{User: res.User.ToResponse()})
}

// Logout handles POST /api/auth/logout. It always clears the cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(h.cookie.Name); err == nil && c.Value != "" {
		if session, err := h.svc.Authenticate(r.Context(), c.Value); err == nil {
			if err := h.svc.Logout(r.Context(), session); err != nil {
				h.logger.Warn("failed to revoke session", slog.String("error", err.Error()))
			}
		}
	}

	http.SetCookie(w, h.sessionCookie("", time.Unix(0, 0)))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	session := auth.MustSessionFromContext(r.Context())

	user, err := h.svc.Me(r.Context(), session.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, UserEnvelope{User: user.ToResponse()})
}

func (h *AuthHandler) sessionCookie(value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     h.cookie.Name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  expires,
	}
	if value == "" {
		c.MaxAge = -1
	} else {
		c.MaxAge = int(time.Until(expires).Seconds())
	}
	return c
}
