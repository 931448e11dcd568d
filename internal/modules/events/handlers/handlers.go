// Package handlers provides HTTP handlers for the event log.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/events"
)

// EventHandlers contains HTTP handlers for the events API
type EventHandlers struct {
	repo *events.Repository
	log  zerolog.Logger
}

// NewEventHandlers creates a new event handlers instance
func NewEventHandlers(repo *events.Repository, log zerolog.Logger) *EventHandlers {
	return &EventHandlers{
		repo: repo,
		log:  log.With().Str("handler", "events").Logger(),
	}
}

// RegisterRoutes registers all event routes
func (h *EventHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/events", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleAppend)
	})
}

// HandleList returns recent events
// GET /api/events?trader_name=&limit=
func (h *EventHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	list, err := h.repo.List(r.URL.Query().Get("trader_name"), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list events")
		h.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	response := make([]map[string]interface{}, 0, len(list))
	for _, e := range list {
		response = append(response, map[string]interface{}{
			"id":          e.ID,
			"ts":          e.TS.Format(time.RFC3339),
			"trader_name": e.TraderName,
			"level":       e.Level,
			"kind":        e.Kind,
			"message":     e.Message,
		})
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleAppend records one event
// POST /api/events
func (h *EventHandlers) HandleAppend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TraderName *string `json:"trader_name"`
		Level      string  `json:"level"`
		Kind       string  `json:"kind"`
		Message    string  `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Level == "" {
		req.Level = "INFO"
	}
	if req.Kind == "" {
		req.Kind = "system"
	}

	err := h.repo.Append(domain.Event{
		TraderName: req.TraderName,
		Level:      req.Level,
		Kind:       req.Kind,
		Message:    req.Message,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to append event")
		h.writeError(w, http.StatusInternalServerError, "failed to append event")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// writeJSON writes a JSON response
func (h *EventHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *EventHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
