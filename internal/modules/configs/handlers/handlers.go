// Package handlers provides HTTP handlers for config versioning.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/configs"
)

// ConfigHandlers contains HTTP handlers for the config API
type ConfigHandlers struct {
	repo *configs.Repository
	log  zerolog.Logger
}

// NewConfigHandlers creates a new config handlers instance
func NewConfigHandlers(repo *configs.Repository, log zerolog.Logger) *ConfigHandlers {
	return &ConfigHandlers{
		repo: repo,
		log:  log.With().Str("handler", "configs").Logger(),
	}
}

// RegisterRoutes registers all config routes
func (h *ConfigHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/configs", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Get("/active", h.HandleGetActive)
		r.Post("/{id}/activate", h.HandleActivate)
	})
}

func configResponse(c *domain.ConfigVersion) map[string]interface{} {
	return map[string]interface{}{
		"id":          c.ID,
		"strategy_id": c.StrategyID,
		"version":     c.Version,
		"params_json": c.ParamsJSON,
		"created_at":  c.CreatedAt.Format(time.RFC3339),
		"is_active":   c.IsActive,
	}
}

// HandleList returns config versions, newest first
// GET /api/configs
func (h *ConfigHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	list, err := h.repo.List(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list config versions")
		h.writeError(w, http.StatusInternalServerError, "failed to list config versions")
		return
	}

	items := make([]map[string]interface{}, 0, len(list))
	for i := range list {
		items = append(items, configResponse(&list[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// HandleCreate registers a new inactive version for a strategy
// POST /api/configs
func (h *ConfigHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyID string          `json:"strategy_id"`
		Params     json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StrategyID == "" {
		h.writeError(w, http.StatusBadRequest, "strategy_id is required")
		return
	}

	created, err := h.repo.Create(req.StrategyID, string(req.Params))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create config version")
		h.writeError(w, http.StatusInternalServerError, "failed to create config version")
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"created": true,
		"id":      created.ID,
		"version": created.Version,
	})
}

// HandleGetActive returns the active version for a strategy
// GET /api/configs/active?strategy_id=
func (h *ConfigHandlers) HandleGetActive(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy_id")
	if strategyID == "" {
		h.writeError(w, http.StatusBadRequest, "strategy_id is required")
		return
	}

	active, err := h.repo.GetActive(strategyID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get active config")
		h.writeError(w, http.StatusInternalServerError, "failed to get active config")
		return
	}
	if active == nil {
		h.writeError(w, http.StatusNotFound, "no active config for strategy")
		return
	}
	h.writeJSON(w, http.StatusOK, configResponse(active))
}

// HandleActivate makes one version the active one for its strategy
// POST /api/configs/{id}/activate
func (h *ConfigHandlers) HandleActivate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}

	err = h.repo.Activate(id)
	if errors.Is(err, configs.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "config version not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to activate config version")
		h.writeError(w, http.StatusInternalServerError, "failed to activate config version")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"activated": true, "id": id})
}

// writeJSON writes a JSON response
func (h *ConfigHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *ConfigHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
