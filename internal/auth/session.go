package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vaultapi/vaultapi/internal/model"
)

const sessionIssuer = "vaultapi"

var (
	// ErrInvalidToken indicates a malformed, forged or otherwise unusable session token.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrTokenExpired indicates the session token is past its expiry.
	ErrTokenExpired = errors.New("session token expired")
	// ErrEmptySecret is returned when constructing an issuer without a signing secret.
	ErrEmptySecret = errors.New("session signing secret is empty")
)

type sessionClaims struct {
	Email string     `json:"email"`
	Plan  model.Plan `json:"plan"`
	jwt.RegisteredClaims
}

// SessionIssuer signs and validates HS256 session tokens.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionIssuer creates an issuer with the given secret and token lifetime.
func NewSessionIssuer(secret string, ttl time.Duration) (*SessionIssuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &SessionIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns the token lifetime.
func (s *SessionIssuer) TTL() time.Duration {
	return s.ttl
}

// Issue creates a signed token for the user and returns it with its session context.
func (s *SessionIssuer) Issue(user *model.User) (string, *model.SessionContext, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	tokenID := uuid.NewString()

	claims := sessionClaims{
		Email: user.Email,
		Plan:  user.Plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        tokenID,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session: %w", err)
	}

	return signed, &model.SessionContext{
		UserID:    user.ID,
		Email:     user.Email,
		Plan:      user.Plan,
		TokenID:   tokenID,
		ExpiresAt: expiresAt.Truncate(time.Second),
	}, nil
}

// Parse validates a token and returns the session it carries.
func (s *SessionIssuer) Parse(tokenStr string) (*model.SessionContext, error) {
	claims := &sessionClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	if !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	return &model.SessionContext{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Plan:      claims.Plan,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
