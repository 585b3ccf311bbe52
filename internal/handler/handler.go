// Package handler provides HTTP request handlers.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/vaultapi/vaultapi/internal/middleware"
	"github.com/vaultapi/vaultapi/internal/service"
)

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NotFound handles 404 responses.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
}

// MethodNotAllowed handles 405 responses.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// decodeJSON reads a single JSON object from the body.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

func writeBadRequest(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
		return
	}
	if errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body is required")
		return
	}
	writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// serviceErrors maps service sentinels to HTTP responses. The sentinel's
// message is safe to show to clients.
var serviceErrors = []errorMapping{
	{service.ErrInvalidEmail, http.StatusBadRequest, "VALIDATION_ERROR"},
	{service.ErrWeakPassword, http.StatusBadRequest, "VALIDATION_ERROR"},
	{service.ErrInvalidName, http.StatusBadRequest, "VALIDATION_ERROR"},
	{service.ErrInvalidValue, http.StatusBadRequest, "VALIDATION_ERROR"},
	{service.ErrInvalidProvider, http.StatusBadRequest, "VALIDATION_ERROR"},
	{service.ErrInvalidProviderConfig, http.StatusBadRequest, "VALIDATION_ERROR"},
	{service.ErrInvalidWebhook, http.StatusBadRequest, "INVALID_WEBHOOK"},

	{service.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
	{service.ErrInvalidSession, http.StatusUnauthorized, "UNAUTHORIZED"},
	{service.ErrInvalidAPIKey, http.StatusUnauthorized, "UNAUTHORIZED"},

	{service.ErrPlanLimitReached, http.StatusForbidden, "PLAN_LIMIT_REACHED"},

	{service.ErrKeyNotFound, http.StatusNotFound, "KEY_NOT_FOUND"},
	{service.ErrUserNotFound, http.StatusNotFound, "USER_NOT_FOUND"},

	{service.ErrUserExists, http.StatusConflict, "USER_EXISTS"},
	{service.ErrDuplicateKey, http.StatusConflict, "DUPLICATE_KEY"},
	{service.ErrAlreadyPro, http.StatusConflict, "ALREADY_PRO"},
	{service.ErrWebhookInFlight, http.StatusConflict, "WEBHOOK_IN_FLIGHT"},

	{service.ErrCheckoutUnavailable, http.StatusBadGateway, "CHECKOUT_UNAVAILABLE"},
	{service.ErrBillingDisabled, http.StatusServiceUnavailable, "BILLING_DISABLED"},
}

// writeServiceError maps err to a response, logging anything unexpected.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	for _, m := range serviceErrors {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, m.err.Error())
			return
		}
	}

	logger.Error("request failed",
		slog.String("error", err.Error()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetRequestID(r.Context())),
	)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
}
