// Package openapi describes the HTTP API as an OpenAPI 3 document.
package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

const (
	// Version is the OpenAPI version emitted by Document.
	Version = "3.0.3"

	securityCookie = "cookieAuth"
	securityAPIKey = "apiKey"
	securityBearer = "bearerAuth"
)

// Options controls values that vary per deployment.
type Options struct {
	BaseURL    string
	CookieName string
}

// Document builds the OpenAPI description of the VaultAPI HTTP surface.
func Document(opts Options) *openapi3.T {
	if opts.CookieName == "" {
		opts.CookieName = "token"
	}

	doc := &openapi3.T{
		OpenAPI: Version,
		Info: &openapi3.Info{
			Title:       "VaultAPI",
			Description: "Store, reveal and verify third-party API keys per account.",
			Version:     "1.0.0",
		},
		Paths: openapi3.NewPaths(),
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		securityCookie: &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "apiKey", In: "cookie", Name: opts.CookieName},
		},
		securityAPIKey: &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "apiKey", In: "header", Name: "X-API-Key"},
		},
		securityBearer: &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer"},
		},
	}
	doc.Components = &components

	addOpsPaths(doc)
	addAuthPaths(doc)
	addKeyPaths(doc)
	addBillingPaths(doc)

	return doc
}

// Load builds the document, resolves its component references and
// validates it.
func Load(ctx context.Context, opts Options) (*openapi3.T, error) {
	body, err := json.Marshal(Document(opts))
	if err != nil {
		return nil, fmt.Errorf("encode openapi document: %w", err)
	}

	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(body)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	return doc, nil
}

// Handler returns an http.Handler serving doc as JSON. The document is
// encoded once.
func Handler(doc *openapi3.T) (http.Handler, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode openapi document: %w", err)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}), nil
}

func addOpsPaths(doc *openapi3.T) {
	health := schemaRef("Health")

	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"ops"},
			Summary:     "Liveness probe",
			OperationID: "healthz",
			Security:    noSecurity(),
			Responses:   newResponses(http.StatusOK, "Process is up", health),
		},
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"ops"},
			Summary:     "Readiness probe",
			Description: "Checks PostgreSQL and Redis connectivity.",
			OperationID: "readyz",
			Security:    noSecurity(),
			Responses: newResponses(http.StatusOK, "All dependencies reachable", health,
				withJSON(http.StatusServiceUnavailable, "A dependency is unreachable", health)),
		},
	})
	doc.Paths.Set("/api/openapi.json", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"ops"},
			Summary:     "This document",
			OperationID: "openapi",
			Security:    noSecurity(),
			Responses: newResponses(http.StatusOK, "OpenAPI document",
				openapi3.NewObjectSchema().NewRef()),
		},
	})
}

func addAuthPaths(doc *openapi3.T) {
	creds := requestBody("Account credentials", schemaRef("Credentials"))
	user := schemaRef("UserEnvelope")

	doc.Paths.Set("/api/auth/signup", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"auth"},
			Summary:     "Create an account on the FREE plan",
			OperationID: "signup",
			Security:    noSecurity(),
			RequestBody: creds,
			Responses: newResponses(http.StatusCreated, "Account created", user,
				withError(http.StatusBadRequest, "Invalid email or password"),
				withError(http.StatusConflict, "Email already registered"),
				withError(http.StatusTooManyRequests, "Rate limited")),
		},
	})

	setCookie := "Session token cookie (httpOnly, SameSite=Strict)"
	login := newResponses(http.StatusOK, "Logged in", user,
		withError(http.StatusBadRequest, "Malformed request"),
		withError(http.StatusUnauthorized, "Invalid email or password"),
		withError(http.StatusTooManyRequests, "Rate limited"))
	login.Value("200").Value.Headers = openapi3.Headers{
		"Set-Cookie": &openapi3.HeaderRef{
			Value: &openapi3.Header{
				Parameter: openapi3.Parameter{
					Description: setCookie,
					Schema:      openapi3.NewStringSchema().NewRef(),
				},
			},
		},
	}
	doc.Paths.Set("/api/auth/login", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"auth"},
			Summary:     "Log in and receive a session cookie",
			OperationID: "login",
			Security:    noSecurity(),
			RequestBody: creds,
			Responses:   login,
		},
	})
	doc.Paths.Set("/api/auth/logout", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"auth"},
			Summary:     "Clear the session cookie and revoke its token",
			OperationID: "logout",
			Security:    noSecurity(),
			Responses:   newResponses(http.StatusOK, "Logged out", schemaRef("Success")),
		},
	})
	doc.Paths.Set("/api/auth/me", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"auth"},
			Summary:     "Current user",
			OperationID: "me",
			Security:    cookieSecurity(),
			Responses: newResponses(http.StatusOK, "Current user", user,
				withError(http.StatusUnauthorized, "Missing or invalid session")),
		},
	})
}

func addKeyPaths(doc *openapi3.T) {
	idParam := &openapi3.ParameterRef{
		Value: openapi3.NewPathParameter("id").
			WithDescription("API key id").
			WithSchema(openapi3.NewStringSchema()),
	}
	unauthorized := withError(http.StatusUnauthorized, "Missing or invalid session")
	limited := withError(http.StatusTooManyRequests, "Rate limited")

	doc.Paths.Set("/api/keys", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "List keys, newest first",
			OperationID: "listKeys",
			Security:    cookieSecurity(),
			Responses: newResponses(http.StatusOK, "Keys without secrets", schemaRef("APIKeyList"),
				unauthorized, limited),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Store or generate a key",
			Description: "The plaintext key is returned once. FREE accounts are limited to a fixed number of active keys.",
			OperationID: "createKey",
			Security:    cookieSecurity(),
			RequestBody: requestBody("Key to store", schemaRef("APIKeyCreateRequest")),
			Responses: newResponses(http.StatusCreated, "Key created", schemaRef("APIKeyCreated"),
				withError(http.StatusBadRequest, "Invalid name, value or provider config"),
				unauthorized,
				withError(http.StatusForbidden, "Plan key limit reached"),
				withError(http.StatusConflict, "Key value already stored"),
				limited),
		},
	})
	doc.Paths.Set("/api/keys/{id}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParam},
		Delete: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Revoke a key",
			OperationID: "revokeKey",
			Security:    cookieSecurity(),
			Responses: newResponses(http.StatusOK, "Key revoked", schemaRef("Success"),
				unauthorized,
				withError(http.StatusNotFound, "Unknown key"),
				limited),
		},
	})
	doc.Paths.Set("/api/keys/{id}/decrypt", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParam},
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Reveal the plaintext of an active key",
			OperationID: "revealKey",
			Security:    cookieSecurity(),
			Responses: newResponses(http.StatusOK, "Decrypted key", schemaRef("APIKeyReveal"),
				unauthorized,
				withError(http.StatusNotFound, "Unknown or revoked key"),
				limited),
		},
	})
	doc.Paths.Set("/api/keys/verify", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Verify a presented key",
			Description: "Send the key as X-API-Key or as an Authorization bearer token.",
			OperationID: "verifyKey",
			Security: &openapi3.SecurityRequirements{
				{securityAPIKey: {}},
				{securityBearer: {}},
			},
			Responses: newResponses(http.StatusOK, "Key is valid", schemaRef("VerifyResponse"),
				withError(http.StatusUnauthorized, "Invalid or missing API key"),
				limited),
		},
	})
}

func addBillingPaths(doc *openapi3.T) {
	unauthorized := withError(http.StatusUnauthorized, "Missing or invalid session")

	doc.Paths.Set("/api/billing/checkout", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"billing"},
			Summary:     "Start a PRO checkout session",
			OperationID: "createCheckout",
			Security:    cookieSecurity(),
			Responses: newResponses(http.StatusOK, "Checkout URL", schemaRef("CheckoutResponse"),
				unauthorized,
				withError(http.StatusConflict, "Already on PRO"),
				withError(http.StatusBadGateway, "Payment provider unavailable"),
				withError(http.StatusServiceUnavailable, "Billing not configured")),
		},
	})
	doc.Paths.Set("/api/billing/invoices", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"billing"},
			Summary:     "List invoices",
			OperationID: "listInvoices",
			Security:    cookieSecurity(),
			Responses: newResponses(http.StatusOK, "Invoices, newest first", schemaRef("InvoiceList"),
				unauthorized),
		},
	})
	doc.Paths.Set("/api/billing/subscription", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"billing"},
			Summary:     "Plan and key usage",
			OperationID: "subscription",
			Security:    cookieSecurity(),
			Responses: newResponses(http.StatusOK, "Subscription summary", schemaRef("Subscription"),
				unauthorized),
		},
	})

	signature := &openapi3.ParameterRef{
		Value: openapi3.NewHeaderParameter("Stripe-Signature").
			WithRequired(true).
			WithSchema(openapi3.NewStringSchema()),
	}
	doc.Paths.Set("/api/billing/webhook", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"billing"},
			Summary:     "Stripe webhook receiver",
			OperationID: "stripeWebhook",
			Security:    noSecurity(),
			Parameters:  openapi3.Parameters{signature},
			RequestBody: requestBody("Stripe event", openapi3.NewObjectSchema().NewRef()),
			Responses: newResponses(http.StatusOK, "Event accepted", schemaRef("WebhookAck"),
				withError(http.StatusBadRequest, "Bad signature or payload"),
				withError(http.StatusConflict, "Event is still being processed by another delivery"),
				withError(http.StatusServiceUnavailable, "Billing not configured")),
		},
	})
}

func componentSchemas() openapi3.Schemas {
	str := openapi3.NewStringSchema
	dateTime := openapi3.NewDateTimeSchema
	plan := openapi3.NewStringSchema().WithEnum("FREE", "PRO")
	provider := openapi3.NewStringSchema().WithEnum("CUSTOM", "SUPABASE")

	errorDetail := openapi3.NewObjectSchema().
		WithProperty("code", str()).
		WithProperty("message", str())
	errorDetail.Required = []string{"code", "message"}

	user := openapi3.NewObjectSchema().
		WithProperty("id", str()).
		WithProperty("email", openapi3.NewStringSchema().WithFormat("email")).
		WithProperty("plan", plan)
	user.Required = []string{"id", "email", "plan"}

	credentials := openapi3.NewObjectSchema().
		WithProperty("email", str()).
		WithProperty("password", str())
	credentials.Required = []string{"email", "password"}

	apiKey := openapi3.NewObjectSchema().
		WithProperty("id", str()).
		WithProperty("name", str()).
		WithProperty("provider", provider).
		WithProperty("providerConfig", openapi3.NewObjectSchema()).
		WithProperty("prefix", str()).
		WithProperty("last4", str()).
		WithProperty("revoked", openapi3.NewBoolSchema()).
		WithProperty("lastUsedAt", dateTime()).
		WithProperty("createdAt", dateTime()).
		WithProperty("updatedAt", dateTime())
	apiKey.Required = []string{"id", "name", "provider", "prefix", "last4", "revoked", "createdAt", "updatedAt"}

	created := openapi3.NewSchema()
	created.AllOf = openapi3.SchemaRefs{
		schemaRef("APIKey"),
		openapi3.NewObjectSchema().WithProperty("key", str()).WithRequired([]string{"key"}).NewRef(),
	}

	supabase := openapi3.NewObjectSchema().
		WithProperty("url", openapi3.NewStringSchema().WithFormat("uri")).
		WithProperty("anonKey", str()).
		WithProperty("serviceRoleKey", str())
	supabase.Required = []string{"url", "anonKey", "serviceRoleKey"}

	createReq := openapi3.NewObjectSchema().
		WithProperty("name", openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(50)).
		WithProperty("provider", provider).
		WithProperty("value", openapi3.NewStringSchema().WithMaxLength(200)).
		WithPropertyRef("providerConfig", schemaRef("SupabaseConfig"))
	createReq.Required = []string{"name"}

	reveal := openapi3.NewObjectSchema().
		WithProperty("id", str()).
		WithProperty("key", str()).
		WithProperty("serviceRoleKey", str())
	reveal.Required = []string{"id", "key"}

	keyContext := openapi3.NewObjectSchema().
		WithProperty("keyId", str()).
		WithProperty("userId", str()).
		WithProperty("name", str()).
		WithProperty("plan", plan).
		WithProperty("prefix", str()).
		WithProperty("last4", str())
	keyContext.Required = []string{"keyId", "userId", "plan"}

	verify := openapi3.NewObjectSchema().
		WithProperty("valid", openapi3.NewBoolSchema()).
		WithPropertyRef("key", schemaRef("KeyContext"))
	verify.Required = []string{"valid", "key"}

	invoice := openapi3.NewObjectSchema().
		WithProperty("id", str()).
		WithProperty("stripeInvoiceId", str()).
		WithProperty("amount", openapi3.NewInt64Schema()).
		WithProperty("currency", str()).
		WithProperty("status", openapi3.NewStringSchema().WithEnum("paid", "open", "void", "draft", "uncollectible")).
		WithProperty("invoicePdf", str()).
		WithProperty("hostedInvoiceUrl", str()).
		WithProperty("description", str()).
		WithProperty("periodStart", dateTime()).
		WithProperty("periodEnd", dateTime()).
		WithProperty("createdAt", dateTime()).
		WithProperty("updatedAt", dateTime())
	invoice.Required = []string{"id", "stripeInvoiceId", "amount", "currency", "status", "createdAt"}

	subscription := openapi3.NewObjectSchema().
		WithProperty("plan", plan).
		WithProperty("customerLinked", openapi3.NewBoolSchema()).
		WithProperty("activeKeys", openapi3.NewIntegerSchema()).
		WithProperty("keyLimit", openapi3.NewIntegerSchema())
	subscription.Properties["keyLimit"].Value.Description = "Zero means unlimited"
	subscription.Required = []string{"plan", "customerLinked", "activeKeys", "keyLimit"}

	health := openapi3.NewObjectSchema().
		WithProperty("status", openapi3.NewStringSchema().WithEnum("ok", "unhealthy")).
		WithProperty("checks", openapi3.NewObjectSchema().WithAdditionalProperties(str()))
	health.Required = []string{"status"}

	return openapi3.Schemas{
		"ErrorResponse": openapi3.NewObjectSchema().
			WithPropertyRef("error", errorDetail.NewRef()).
			WithRequired([]string{"error"}).NewRef(),
		"User":                user.NewRef(),
		"UserEnvelope":        requiredObject("user", schemaRef("User")),
		"Credentials":         credentials.NewRef(),
		"Success":             requiredObject("success", openapi3.NewBoolSchema().NewRef()),
		"APIKey":              apiKey.NewRef(),
		"APIKeyCreated":       created.NewRef(),
		"APIKeyList":          requiredObject("apiKeys", arrayOf("APIKey")),
		"APIKeyReveal":        reveal.NewRef(),
		"SupabaseConfig":      supabase.NewRef(),
		"APIKeyCreateRequest": createReq.NewRef(),
		"KeyContext":          keyContext.NewRef(),
		"VerifyResponse":      verify.NewRef(),
		"Invoice":             invoice.NewRef(),
		"InvoiceList":         requiredObject("invoices", arrayOf("Invoice")),
		"Subscription":        subscription.NewRef(),
		"CheckoutResponse":    requiredObject("url", openapi3.NewStringSchema().WithFormat("uri").NewRef()),
		"WebhookAck":          requiredObject("received", openapi3.NewBoolSchema().NewRef()),
		"Health":              health.NewRef(),
	}
}

// responseOption adds a response to an operation's Responses.
type responseOption func(*openapi3.Responses)

// newResponses builds a Responses map with a success response plus the
// given error responses. Every operation may fail with 500.
func newResponses(status int, description string, schema *openapi3.SchemaRef, opts ...responseOption) *openapi3.Responses {
	responses := openapi3.NewResponses(
		openapi3.WithStatus(status, jsonResponse(description, schema)),
	)
	for _, opt := range opts {
		opt(responses)
	}
	withError(http.StatusInternalServerError, "Internal server error")(responses)
	return responses
}

func withJSON(status int, description string, schema *openapi3.SchemaRef) responseOption {
	return func(r *openapi3.Responses) {
		r.Set(fmt.Sprint(status), jsonResponse(description, schema))
	}
}

func withError(status int, description string) responseOption {
	return withJSON(status, description, schemaRef("ErrorResponse"))
}

func jsonResponse(description string, schema *openapi3.SchemaRef) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithContent(openapi3.NewContentWithJSONSchemaRef(schema)),
	}
}

func requestBody(description string, schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().
			WithDescription(description).
			WithRequired(true).
			WithContent(openapi3.NewContentWithJSONSchemaRef(schema)),
	}
}

// schemaRef references a component schema. The returned ref carries no
// value; the loader resolves it when the document is round-tripped.
func schemaRef(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func arrayOf(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: schemaRef(name),
		},
	}
}

func requiredObject(property string, schema *openapi3.SchemaRef) *openapi3.SchemaRef {
	return openapi3.NewObjectSchema().
		WithPropertyRef(property, schema).
		WithRequired([]string{property}).
		NewRef()
}

func cookieSecurity() *openapi3.SecurityRequirements {
	return &openapi3.SecurityRequirements{{securityCookie: {}}}
}

// noSecurity marks an operation as public.
func noSecurity() *openapi3.SecurityRequirements {
	return &openapi3.SecurityRequirements{}
}
