// Package handlers provides HTTP handlers for credential management.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/crypto"
	"github.com/krwquant/ats/internal/modules/credentials"
)

// CredentialHandlers contains HTTP handlers for the credentials API
type CredentialHandlers struct {
	repo *credentials.Repository
	log  zerolog.Logger
}

// NewCredentialHandlers creates a new credential handlers instance
func NewCredentialHandlers(repo *credentials.Repository, log zerolog.Logger) *CredentialHandlers {
	return &CredentialHandlers{
		repo: repo,
		log:  log.With().Str("handler", "credentials").Logger(),
	}
}

// RegisterRoutes registers all credential routes
func (h *CredentialHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/credentials", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Delete("/{name}", h.HandleDelete)
		r.Get("/{name}/decrypt", h.HandleDecrypt)
	})
}

// HandleList returns credential names only, never key material
// GET /api/credentials
func (h *CredentialHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.List()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list credentials")
		h.writeError(w, http.StatusInternalServerError, "failed to list credentials")
		return
	}

	response := make([]map[string]interface{}, 0, len(list))
	for _, c := range list {
		response = append(response, map[string]interface{}{
			"name":       c.Name,
			"created_at": c.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleCreate stores a new encrypted credential
// POST /api/credentials
func (h *CredentialHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		AccessKey string `json:"access_key"`
		SecretKey string `json:"secret_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.AccessKey == "" || req.SecretKey == "" {
		h.writeError(w, http.StatusBadRequest, "name, access_key and secret_key are required")
		return
	}

	if err := h.repo.Create(req.Name, req.AccessKey, req.SecretKey); err != nil {
		h.log.Error().Err(err).Str("name", req.Name).Msg("Failed to create credential")
		h.writeError(w, http.StatusInternalServerError, "failed to create credential")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "name": req.Name})
}

// HandleDelete removes a credential
// DELETE /api/credentials/{name}
func (h *CredentialHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := h.repo.Delete(name)
	if errors.Is(err, credentials.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("name", name).Msg("Failed to delete credential")
		h.writeError(w, http.StatusInternalServerError, "failed to delete credential")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleDecrypt returns plaintext keys for a trader worker
// GET /api/credentials/{name}/decrypt
func (h *CredentialHandlers) HandleDecrypt(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	accessKey, secretKey, err := h.repo.Decrypt(name)
	if errors.Is(err, credentials.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	if errors.Is(err, crypto.ErrKeyMismatch) {
		h.writeError(w, http.StatusBadRequest, "CRYPTO_MASTER_KEY mismatch")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("name", name).Msg("Failed to decrypt credential")
		h.writeError(w, http.StatusInternalServerError, "failed to decrypt credential")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"name":       name,
		"access_key": accessKey,
		"secret_key": secretKey,
	})
}

// writeJSON writes a JSON response
func (h *CredentialHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *CredentialHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
