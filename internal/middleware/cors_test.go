package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		allowedOrigins  []string
		requestOrigin   string
		preflight       bool
		wantOrigin      string
		wantCredentials string
	}{
		{
			name:           "no origins configured adds nothing",
			allowedOrigins: nil,
			requestOrigin:  "https://app.example.com",
		},
		{
			name:            "allowed origin gets credentials",
			allowedOrigins:  []string{"https://app.example.com"},
			requestOrigin:   "https://app.example.com",
			wantOrigin:      "https://app.example.com",
			wantCredentials: "true",
		},
		{
			name:           "disallowed origin gets no header",
			allowedOrigins: []string{"https://app.example.com"},
			requestOrigin:  "https://evil.example.net",
		},
		{
			name:            "preflight from allowed origin",
			allowedOrigins:  []string{"https://app.example.com"},
			requestOrigin:   "https://app.example.com",
			preflight:       true,
			wantOrigin:      "https://app.example.com",
			wantCredentials: "true",
		},
		{
			name:           "preflight from disallowed origin",
			allowedOrigins: []string{"https://app.example.com"},
			requestOrigin:  "https://evil.example.net",
			preflight:      true,
		},
		{
			name:            "case insensitive origin match",
			allowedOrigins:  []string{"HTTPS://APP.EXAMPLE.COM"},
			requestOrigin:   "https://app.example.com",
			wantOrigin:      "https://app.example.com",
			wantCredentials: "true",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := CORS(tt.allowedOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			method := http.MethodGet
			if tt.preflight {
				method = http.MethodOptions
			}
			req := httptest.NewRequest(method, "/api/keys", nil)
			req.Header.Set("Origin", tt.requestOrigin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCredentials {
				t.Errorf("Access-Control-Allow-Credentials = %q, want %q", got, tt.wantCredentials)
			}
		})
	}
}
