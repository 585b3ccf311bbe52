package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vaultapi/vaultapi/internal/auth"
	"github.com/vaultapi/vaultapi/internal/model"
)

// APIKeyService is the key surface used by APIKeyHandler.
type APIKeyService interface {
	Create(ctx context.Context, userID string, input model.APIKeyCreateRequest) (*model.APIKeyCreateResponse, error)
	List(ctx context.Context, userID string) ([]model.APIKeyResponse, error)
	Revoke(ctx context.Context, userID, id string) error
	Reveal(ctx context.Context, userID, id string) (*model.APIKeyRevealResponse, error)
}

// APIKeyHandler handles API key management endpoints.
type APIKeyHandler struct {
	logger *slog.Logger
	svc    APIKeyService
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(logger *slog.Logger, svc APIKeyService) *APIKeyHandler {
	return &APIKeyHandler{logger: logger, svc: svc}
}

// APIKeyList is the listing response.
type APIKeyList struct {
	APIKeys []model.APIKeyResponse `json:"apiKeys"`
}

// VerifyResponse is returned for a valid presented key.
type VerifyResponse struct {
	Valid bool              `json:"valid"`
	Key   *model.KeyContext `json:"key"`
}

// List handles GET /api/keys
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	session := auth.MustSessionFromContext(r.Context())

	keys, err := h.svc.List(r.Context(), session.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, APIKeyList{APIKeys: keys})
}

// Create handles POST /api/keys. The plaintext key is in this response only.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	session := auth.MustSessionFromContext(r.Context())

	var req model.APIKeyCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	created, err := h.svc.Create(r.Context(), session.UserID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// Reveal handles GET /api/keys/{id}/decrypt
func (h *APIKeyHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	session := auth.MustSessionFromContext(r.Context())

	revealed, err := h.svc.Reveal(r.Context(), session.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, revealed)
}

// Revoke handles DELETE /api/keys/{id}
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	session := auth.MustSessionFromContext(r.Context())

	if err := h.svc.Revoke(r.Context(), session.UserID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Verify handles POST /api/keys/verify. KeyAuth has already resolved the key.
func (h *APIKeyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	kc := auth.KeyFromContext(r.Context())
	if kc == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key")
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{Valid: true, Key: kc})
}
