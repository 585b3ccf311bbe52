package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS allows the web client to call the API with its session cookie.
// Origins must be listed explicitly because credentials are allowed.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		// An empty list means "*" to the cors package; treat it as same-origin only.
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept",
			"Content-Type",
			"Authorization",
			"X-API-Key",
			RequestIDHeader,
		},
		ExposedHeaders: []string{
			RequestIDHeader,
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           86400,
	})
}
