// Package handlers provides HTTP handlers for the runtime guard.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/safety"
)

// SafetyHandlers contains HTTP handlers for the safety API
type SafetyHandlers struct {
	service *safety.Service
	log     zerolog.Logger
}

// NewSafetyHandlers creates a new safety handlers instance
func NewSafetyHandlers(service *safety.Service, log zerolog.Logger) *SafetyHandlers {
	return &SafetyHandlers{
		service: service,
		log:     log.With().Str("handler", "safety").Logger(),
	}
}

// RegisterRoutes registers all safety routes
func (h *SafetyHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/safety", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/{name}", h.HandleGet)
		r.Post("/{name}/update_pnl", h.HandleUpdatePnL)
		r.Post("/{name}/slippage", h.HandleSlippage)
		r.Post("/{name}/api_error", h.HandleAPIError)
		r.Post("/{name}/db_error", h.HandleDBError)
		r.Get("/{name}/entry-blocked", h.HandleEntryBlocked)
		r.Post("/{name}/panic_block", h.HandlePanicBlock)
		r.Post("/{name}/reset", h.HandleReset)
	})
}

func safetyResponse(s *domain.TraderSafetyState) map[string]interface{} {
	var lastLossAt *string
	if s.LastLossAt != nil {
		ts := s.LastLossAt.Format(time.RFC3339)
		lastLossAt = &ts
	}
	updatedAt := ""
	if !s.UpdatedAt.IsZero() {
		updatedAt = s.UpdatedAt.Format(time.RFC3339)
	}
	return map[string]interface{}{
		"trader_name":            s.TraderName,
		"daily_loss_krw":         s.DailyLossKRW,
		"consecutive_losses":     s.ConsecutiveLosses,
		"last_loss_at":           lastLossAt,
		"blocked":                s.Blocked,
		"block_reason":           s.BlockReason,
		"slippage_anomaly_count": s.SlippageAnomalyCount,
		"api_error_count":        s.APIErrorCount,
		"db_error_count":         s.DBErrorCount,
		"updated_at":             updatedAt,
	}
}

// HandleList returns all safety rows
// GET /api/safety
func (h *SafetyHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list safety states")
		h.writeError(w, http.StatusInternalServerError, "failed to list safety states")
		return
	}

	items := make([]map[string]interface{}, 0, len(list))
	for i := range list {
		items = append(items, safetyResponse(&list[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// HandleGet returns one trader's safety state
// GET /api/safety/{name}
func (h *SafetyHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.Get(chi.URLParam(r, "name"))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get safety state")
		h.writeError(w, http.StatusInternalServerError, "failed to get safety state")
		return
	}
	h.writeJSON(w, http.StatusOK, safetyResponse(state))
}

// HandleUpdatePnL accumulates a realized loss report
// POST /api/safety/{name}/update_pnl
func (h *SafetyHandlers) HandleUpdatePnL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LossKRW     float64 `json:"loss_krw"`
		Consecutive bool    `json:"consecutive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LossKRW < 0 {
		h.writeError(w, http.StatusBadRequest, "loss_krw must be >= 0")
		return
	}

	result, err := h.service.UpdatePnL(chi.URLParam(r, "name"), req.LossKRW, req.Consecutive)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to update pnl")
		h.writeError(w, http.StatusInternalServerError, "failed to update pnl")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "blocked": result.Blocked})
}

// HandleSlippage reports one fill's expected vs actual price
// POST /api/safety/{name}/slippage
func (h *SafetyHandlers) HandleSlippage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectedPrice float64 `json:"expected_price"`
		ActualPrice   float64 `json:"actual_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	anomaly, err := h.service.CheckSlippage(chi.URLParam(r, "name"), req.ExpectedPrice, req.ActualPrice)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to check slippage")
		h.writeError(w, http.StatusInternalServerError, "failed to check slippage")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "anomaly": anomaly})
}

// HandleAPIError records one exchange API failure
// POST /api/safety/{name}/api_error
func (h *SafetyHandlers) HandleAPIError(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RecordAPIError(chi.URLParam(r, "name")); err != nil {
		h.log.Error().Err(err).Msg("Failed to record api error")
		h.writeError(w, http.StatusInternalServerError, "failed to record api error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleDBError records one control-store failure
// POST /api/safety/{name}/db_error
func (h *SafetyHandlers) HandleDBError(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RecordDBError(chi.URLParam(r, "name")); err != nil {
		h.log.Error().Err(err).Msg("Failed to record db error")
		h.writeError(w, http.StatusInternalServerError, "failed to record db error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleEntryBlocked applies the soft error thresholds
// GET /api/safety/{name}/entry-blocked
func (h *SafetyHandlers) HandleEntryBlocked(w http.ResponseWriter, r *http.Request) {
	blocked, reason, err := h.service.EntryBlockedByErrors(chi.URLParam(r, "name"))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to check entry block")
		h.writeError(w, http.StatusInternalServerError, "failed to check entry block")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"blocked": blocked, "reason": reason})
}

// HandlePanicBlock applies the PANIC auto-block for a trader
// POST /api/safety/{name}/panic_block
func (h *SafetyHandlers) HandlePanicBlock(w http.ResponseWriter, r *http.Request) {
	tripped, err := h.service.PanicBlock(chi.URLParam(r, "name"))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to apply panic block")
		h.writeError(w, http.StatusInternalServerError, "failed to apply panic block")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "tripped": tripped})
}

// HandleReset clears the block and counters
// POST /api/safety/{name}/reset
func (h *SafetyHandlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	err := h.service.Reset(chi.URLParam(r, "name"))
	if errors.Is(err, safety.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to reset safety state")
		h.writeError(w, http.StatusInternalServerError, "failed to reset safety state")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// writeJSON writes a JSON response
func (h *SafetyHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *SafetyHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
