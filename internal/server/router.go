package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vaultapi/vaultapi/internal/handler"
	"github.com/vaultapi/vaultapi/internal/metrics"
	"github.com/vaultapi/vaultapi/internal/middleware"
)

// RouterConfig holds the HTTP policy knobs taken from configuration.
type RouterConfig struct {
	IsDevelopment      bool
	CookieName         string
	AllowedOrigins     []string
	MaxRequestBodySize int64

	RateLimitEnabled       bool
	RateLimitAuthPerMinute int
	RateLimitVerifyRPS     int
	RateLimitVerifyBurst   int

	// TrustProxyHeaders takes the client IP from forwarding headers.
	TrustProxyHeaders bool
}

// Deps wires handlers and the services middleware depends on.
type Deps struct {
	Config  RouterConfig
	Logger  *slog.Logger
	Metrics metrics.Recorder

	Health  *handler.HealthHandler
	Auth    *handler.AuthHandler
	Keys    *handler.APIKeyHandler
	Billing *handler.BillingHandler

	Sessions middleware.Authenticator
	Verifier middleware.KeyVerifier
	Limiter  middleware.RateLimiter

	// InvalidSession and InvalidKey are the service errors that mean
	// "reject with 401" rather than "backend failure".
	InvalidSession error
	InvalidKey     error

	// Optional. Nil leaves the route unregistered.
	OpenAPI        http.Handler
	MetricsHandler http.Handler
}

// NewRouter configures the chi router with all routes and middleware.
func NewRouter(d Deps) *chi.Mux {
	recorder := d.Metrics
	if recorder == nil {
		recorder = metrics.NewNoop()
	}

	r := chi.NewRouter()

	// Global middleware
	if d.Config.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.Logger, recorder))
	r.Use(middleware.Recoverer(d.Logger))
	r.Use(middleware.Security(middleware.SecurityConfig{IsDevelopment: d.Config.IsDevelopment}))
	r.Use(middleware.CORS(d.Config.AllowedOrigins))
	if d.Config.MaxRequestBodySize > 0 {
		r.Use(middleware.MaxBodySize(d.Config.MaxRequestBodySize))
	}

	// Probes
	r.Get("/healthz", d.Health.Healthz)
	r.Get("/readyz", d.Health.Readyz)
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}
	if d.OpenAPI != nil {
		r.Method(http.MethodGet, "/api/openapi.json", d.OpenAPI)
	}

	sessionAuth := middleware.SessionAuth(middleware.SessionAuthConfig{
		Logger:         d.Logger,
		Authenticator:  d.Sessions,
		CookieName:     d.Config.CookieName,
		InvalidSession: d.InvalidSession,
	})
	keyAuth := middleware.KeyAuth(middleware.KeyAuthConfig{
		Logger:     d.Logger,
		Verifier:   d.Verifier,
		InvalidKey: d.InvalidKey,
	})
	rateLimitCfg := middleware.RateLimitConfig{
		Logger:  d.Logger,
		Limiter: d.Limiter,
		Enabled: d.Config.RateLimitEnabled,
		IPRPS:   d.Config.RateLimitVerifyRPS,
		IPBurst: d.Config.RateLimitVerifyBurst,
	}
	userLimit := middleware.RateLimitUser(rateLimitCfg)

	r.Route("/api/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitAuth(d.Config.RateLimitAuthPerMinute))
			r.Post("/signup", d.Auth.Signup)
			r.Post("/login", d.Auth.Login)
		})
		r.Post("/logout", d.Auth.Logout)
		r.With(sessionAuth).Get("/me", d.Auth.Me)
	})

	r.Route("/api/keys", func(r chi.Router) {
		// Machine callers present the stored key itself.
		r.With(
			middleware.RateLimitIP(rateLimitCfg),
			keyAuth,
			userLimit,
		).Post("/verify", d.Keys.Verify)

		r.Group(func(r chi.Router) {
			r.Use(sessionAuth, userLimit)
			r.Get("/", d.Keys.List)
			r.Post("/", d.Keys.Create)
			r.Get("/{id}/decrypt", d.Keys.Reveal)
			r.Delete("/{id}", d.Keys.Revoke)
		})
	})

	r.Route("/api/billing", func(r chi.Router) {
		// Stripe authenticates with the signature header.
		r.Post("/webhook", d.Billing.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(sessionAuth, userLimit)
			r.Post("/checkout", d.Billing.Checkout)
			r.Get("/invoices", d.Billing.Invoices)
			r.Get("/subscription", d.Billing.Subscription)
		})
	})

	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)

	return r
}
