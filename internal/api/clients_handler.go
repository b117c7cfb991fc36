package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/auth"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/client"
)

// clientsHandler groups client registry HTTP handlers.
type clientsHandler struct {
	store ClientStore
}

func newClientsHandler(store ClientStore) *clientsHandler {
	return &clientsHandler{store: store}
}

// createClientRequest is the JSON body for registering a client.
type createClientRequest struct {
	Name      string `json:"name" validate:"required"`
	RateLimit int    `json:"rate_limit" validate:"gte=0"`
}

// CreateClient handles POST /api/v1/admin/clients (admin).
// Generates an API key and returns the plaintext key in the response (only
// time it is shown).
func (h *clientsHandler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}

	cl, err := h.store.Create(r.Context(), client.CreateClientInput{
		Name:         req.Name,
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		RateLimit:    req.RateLimit,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to create client")
		return
	}

	auditLog(r, "create", "client", cl.ID, "name", cl.Name)

	resp := map[string]interface{}{
		"id":             cl.ID,
		"name":           cl.Name,
		"api_key_prefix": cl.APIKeyPrefix,
		"api_key":        plaintext,
		"rate_limit":     cl.RateLimit,
		"created_at":     cl.CreatedAt,
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListClients handles GET /api/v1/admin/clients (admin).
func (h *clientsHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to list clients")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": clients})
}

// DeleteClient handles DELETE /api/v1/admin/clients/{id} (admin). Revoking a
// client invalidates its key on the next auth lookup.
func (h *clientsHandler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "client id is required")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to delete client")
		return
	}

	auditLog(r, "delete", "client", id)

	w.WriteHeader(http.StatusNoContent)
}
