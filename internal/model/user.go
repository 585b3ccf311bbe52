// Package model defines domain entities for the application.
package model

import "time"

// Plan is a subscription tier.
type Plan string

const (
	PlanFree Plan = "FREE"
	PlanPro  Plan = "PRO"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	return p == PlanFree || p == PlanPro
}

// Rate limit tier names used by the limiter.
const (
	TierFree = "free"
	TierPro  = "pro"
)

// RateLimitConfig defines rate limit parameters per tier.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// TierConfigs maps tier names to their rate limit configurations.
var TierConfigs = map[string]RateLimitConfig{
	TierFree: {RequestsPerMinute: 60, Burst: 10},
	TierPro:  {RequestsPerMinute: 600, Burst: 50},
}

// RateLimitTier returns the limiter tier for the plan.
func (p Plan) RateLimitTier() string {
	if p == PlanPro {
		return TierPro
	}
	return TierFree
}

// KeyLimit returns the active key ceiling for the plan. Zero means unlimited.
func (p Plan) KeyLimit(freeLimit int) int {
	if p == PlanPro {
		return 0
	}
	return freeLimit
}

// User is an account holder.
type User struct {
	ID               string
	Email            string
	PasswordHash     string
	Plan             Plan
	StripeCustomerID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UserResponse is the public view of a user.
type UserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Plan  Plan   `json:"plan"`
}

// ToResponse converts a User to UserResponse.
func (u *User) ToResponse() UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, Plan: u.Plan}
}

// Credentials is the signup and login request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
