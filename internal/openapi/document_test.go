package openapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoad_Validates(t *testing.T) {
	doc, err := Load(context.Background(), Options{BaseURL: "http://localhost:8080"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc.OpenAPI != Version {
		t.Errorf("OpenAPI = %s, want %s", doc.OpenAPI, Version)
	}
}

func TestDocument_Paths(t *testing.T) {
	doc := Document(Options{})

	tests := []struct {
		path   string
		method string
	}{
		{"/healthz", http.MethodGet},
		{"/readyz", http.MethodGet},
		{"/api/openapi.json", http.MethodGet},
		{"/api/auth/signup", http.MethodPost},
		{"/api/auth/login", http.MethodPost},
		{"/api/auth/logout", http.MethodPost},
		{"/api/auth/me", http.MethodGet},
		{"/api/keys", http.MethodGet},
		{"/api/keys", http.MethodPost},
		{"/api/keys/{id}", http.MethodDelete},
		{"/api/keys/{id}/decrypt", http.MethodGet},
		{"/api/keys/verify", http.MethodPost},
		{"/api/billing/checkout", http.MethodPost},
		{"/api/billing/invoices", http.MethodGet},
		{"/api/billing/subscription", http.MethodGet},
		{"/api/billing/webhook", http.MethodPost},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			item := doc.Paths.Value(tt.path)
			if item == nil {
				t.Fatalf("path %s missing", tt.path)
			}
			op := item.GetOperation(tt.method)
			if op == nil {
				t.Fatalf("%s %s missing", tt.method, tt.path)
			}
			if op.Responses.Value("500") == nil {
				t.Errorf("%s %s has no 500 response", tt.method, tt.path)
			}
		})
	}
}

func TestDocument_ErrorStatuses(t *testing.T) {
	doc := Document(Options{})

	tests := []struct {
		path   string
		method string
		status string
	}{
		{"/api/auth/signup", http.MethodPost, "409"},
		{"/api/auth/login", http.MethodPost, "401"},
		{"/api/keys", http.MethodPost, "403"},
		{"/api/keys/{id}/decrypt", http.MethodGet, "404"},
		{"/api/keys/verify", http.MethodPost, "401"},
		{"/api/billing/checkout", http.MethodPost, "409"},
		{"/api/billing/webhook", http.MethodPost, "400"},
	}

	for _, tt := range tests {
		op := doc.Paths.Value(tt.path).GetOperation(tt.method)
		if op.Responses.Value(tt.status) == nil {
			t.Errorf("%s %s missing %s response", tt.method, tt.path, tt.status)
		}
	}
}

func TestDocument_CookieScheme(t *testing.T) {
	doc := Document(Options{CookieName: "vault_session"})

	scheme := doc.Components.SecuritySchemes[securityCookie]
	if scheme == nil || scheme.Value == nil {
		t.Fatal("cookie security scheme missing")
	}
	if scheme.Value.In != "cookie" || scheme.Value.Name != "vault_session" {
		t.Errorf("cookie scheme = %s/%s", scheme.Value.In, scheme.Value.Name)
	}
}

func TestHandler_ServesJSON(t *testing.T) {
	h, err := Handler(Document(Options{}))
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/openapi.json", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}

	body, _ := io.ReadAll(rr.Body)
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if parsed["openapi"] != Version {
		t.Errorf("openapi = %v", parsed["openapi"])
	}
}
