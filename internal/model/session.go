package model

import "time"

// SessionContext holds the authenticated user for a cookie session.
// This is injected into the request context by session middleware.
type SessionContext struct {
	UserID    string
	Email     string
	Plan      Plan
	TokenID   string
	ExpiresAt time.Time
}
