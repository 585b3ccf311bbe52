package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/vaultapi/vaultapi/internal/auth"
	"github.com/vaultapi/vaultapi/internal/metrics"
	"github.com/vaultapi/vaultapi/internal/model"
	"github.com/vaultapi/vaultapi/internal/repository"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 128
	maxEmailLen    = 255
)

// AuthService handles signup, login and session validation.
type AuthService struct {
	users    UserStore
	sessions SessionStore
	issuer   *auth.SessionIssuer
	metrics  metrics.Recorder
	logger   *slog.Logger

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService creates a new AuthService. sessions may be nil to disable logout denylisting.
func NewAuthService(users UserStore, sessions SessionStore, issuer *auth.SessionIssuer, recorder metrics.Recorder, logger *slog.Logger) *AuthService {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		users:    users,
		sessions: sessions,
		issuer:   issuer,
		metrics:  recorder,
		logger:   logger,
	}
}

// LoginResult is a freshly issued session.
type LoginResult struct {
	Token   string
	Session *model.SessionContext
	User    *model.User
}

// Signup registers a FREE user.
func (s *AuthService) Signup(ctx context.Context, email, password string) (*model.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		ID:           newID(),
		Email:        email,
		PasswordHash: hash,
		Plan:         model.PlanFree,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.metrics.IncSignup()
	s.logger.Info("user signed up", slog.String("user_id", user.ID))
	return user, nil
}

// Login checks credentials and issues a session token.
// Unknown emails and wrong passwords are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		s.metrics.IncLogin(metrics.OutcomeFailure)
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("load user: %w", err)
		}
		// Spend the same hashing time as a real comparison.
		_, _ = auth.VerifyPassword(password, s.timingHash())
		s.metrics.IncLogin(metrics.OutcomeFailure)
		return nil, ErrInvalidCredentials
	}

	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		s.logger.Error("stored password hash unreadable",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		s.metrics.IncLogin(metrics.OutcomeFailure)
		return nil, ErrInvalidCredentials
	}
	if !ok {
		s.metrics.IncLogin(metrics.OutcomeFailure)
		return nil, ErrInvalidCredentials
	}

	token, session, err := s.issuer.Issue(user)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	s.metrics.IncLogin(metrics.OutcomeSuccess)
	return &LoginResult{Token: token, Session: session, User: user}, nil
}

// Authenticate validates a session token and refreshes the user's plan.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*model.SessionContext, error) {
	session, err := s.issuer.Parse(token)
	if err != nil {
		return nil, ErrInvalidSession
	}

	if s.sessions != nil {
		revoked, err := s.sessions.IsSessionRevoked(ctx, session.TokenID)
		if err != nil {
			// Redis outage: fall back to token validity alone.
			s.logger.Warn("session denylist unavailable", slog.String("error", err.Error()))
		} else if revoked {
			return nil, ErrInvalidSession
		}
	}

	user, err := s.users.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("load session user: %w", err)
	}

	session.Email = user.Email
	session.Plan = user.Plan
	return session, nil
}

// Logout denylists the session token until it would have expired.
func (s *AuthService) Logout(ctx context.Context, session *model.SessionContext) error {
	if s.sessions == nil || session == nil {
		return nil
	}
	if err := s.sessions.RevokeSession(ctx, session.TokenID, time.Until(session.ExpiresAt)); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Me returns the current user.
func (s *AuthService) Me(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// SessionTTL returns the lifetime of issued tokens.
func (s *AuthService) SessionTTL() time.Duration {
	return s.issuer.TTL()
}

func (s *AuthService) timingHash() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = auth.HashPassword("timing-equalizer-password")
	})
	return s.dummyHash
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(email) > maxEmailLen {
		return "", ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", ErrInvalidEmail
	}
	if at := strings.LastIndexByte(email, '@'); at < 1 || !strings.Contains(email[at:], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func validatePassword(password string) error {
	if n := len(password); n < minPasswordLen || n > maxPasswordLen {
		return ErrWeakPassword
	}
	return nil
}
