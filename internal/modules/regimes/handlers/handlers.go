// Package handlers provides HTTP handlers for regime snapshots and weights.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/regimes"
)

// RegimeHandlers contains HTTP handlers for the regimes API
type RegimeHandlers struct {
	service *regimes.Service
	log     zerolog.Logger
}

// NewRegimeHandlers creates a new regime handlers instance
func NewRegimeHandlers(service *regimes.Service, log zerolog.Logger) *RegimeHandlers {
	return &RegimeHandlers{
		service: service,
		log:     log.With().Str("handler", "regimes").Logger(),
	}
}

// RegisterRoutes registers all regime routes
func (h *RegimeHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/regimes", func(r chi.Router) {
		r.Post("/snapshot", h.HandlePostSnapshot)
		r.Get("/snapshots", h.HandleListSnapshots)
		r.Get("/current", h.HandleCurrent)
		r.Get("/entry-blocked", h.HandleEntryBlocked)
		r.Get("/regime-weight/{label}", h.HandleRegimeWeight)
		r.Get("/weight/{label}/{strategy}", h.HandleBanditWeight)
		r.Post("/bandit/update", h.HandleBanditUpdate)
	})
}

// HandlePostSnapshot appends a classification sample
// POST /api/regimes/snapshot
func (h *RegimeHandlers) HandlePostSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Market      string                 `json:"market"`
		RegimeID    int                    `json:"regime_id"`
		RegimeLabel string                 `json:"regime_label"`
		Confidence  float64                `json:"confidence"`
		Metrics     map[string]interface{} `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Market == "" {
		req.Market = "KRW-BTC"
	}
	if req.RegimeLabel == "" {
		h.writeError(w, http.StatusBadRequest, "regime_label required")
		return
	}

	metricsJSON := "{}"
	if req.Metrics != nil {
		if b, err := json.Marshal(req.Metrics); err == nil {
			metricsJSON = string(b)
		}
	}

	err := h.service.AppendSnapshot(domain.RegimeSnapshot{
		Market:      req.Market,
		RegimeID:    req.RegimeID,
		RegimeLabel: req.RegimeLabel,
		Confidence:  req.Confidence,
		MetricsJSON: metricsJSON,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to append snapshot")
		h.writeError(w, http.StatusInternalServerError, "failed to append snapshot")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleListSnapshots returns the latest N snapshots
// GET /api/regimes/snapshots?limit=N
func (h *RegimeHandlers) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	list, err := h.service.ListSnapshots(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list snapshots")
		h.writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}

	items := make([]map[string]interface{}, 0, len(list))
	for _, s := range list {
		items = append(items, map[string]interface{}{
			"ts":           s.TS.Format(time.RFC3339),
			"market":       s.Market,
			"regime_id":    s.RegimeID,
			"regime_label": s.RegimeLabel,
			"confidence":   s.Confidence,
			"metrics":      json.RawMessage(s.MetricsJSON),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// HandleCurrent returns the most recent snapshot for a market
// GET /api/regimes/current?market=
func (h *RegimeHandlers) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")
	if market == "" {
		market = "KRW-BTC"
	}

	current, err := h.service.Current(market)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get current regime")
		h.writeError(w, http.StatusInternalServerError, "failed to get current regime")
		return
	}
	if current == nil {
		h.writeError(w, http.StatusNotFound, "no snapshot recorded")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ts":           current.TS.Format(time.RFC3339),
		"market":       current.Market,
		"regime_id":    current.RegimeID,
		"regime_label": current.RegimeLabel,
		"confidence":   current.Confidence,
		"metrics":      json.RawMessage(current.MetricsJSON),
	})
}

// HandleEntryBlocked reports whether new entries are blocked for a market
// GET /api/regimes/entry-blocked?market=
func (h *RegimeHandlers) HandleEntryBlocked(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")
	if market == "" {
		market = "KRW-BTC"
	}

	blocked, reason, err := h.service.EntryBlocked(market)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to check entry block")
		h.writeError(w, http.StatusInternalServerError, "failed to check entry block")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"blocked": blocked, "reason": reason})
}

// HandleRegimeWeight returns the confidence-scaled applied weight
// GET /api/regimes/regime-weight/{label}?base_weight=w&market=
func (h *RegimeHandlers) HandleRegimeWeight(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	market := r.URL.Query().Get("market")
	if market == "" {
		market = "KRW-BTC"
	}

	baseWeight := 1.0
	if param := r.URL.Query().Get("base_weight"); param != "" {
		if parsed, err := strconv.ParseFloat(param, 64); err == nil {
			baseWeight = parsed
		}
	}

	applied, err := h.service.RegimeWeight(market, label, baseWeight, -1)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to compute regime weight")
		h.writeError(w, http.StatusInternalServerError, "failed to compute regime weight")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"regime_label":   label,
		"base_weight":    baseWeight,
		"applied_weight": applied,
	})
}

// HandleBanditWeight Thompson-samples the bandit posterior for an arm
// GET /api/regimes/weight/{label}/{strategy}
func (h *RegimeHandlers) HandleBanditWeight(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	strategy := chi.URLParam(r, "strategy")

	weight, err := h.service.BanditWeight(label, strategy)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to sample bandit weight")
		h.writeError(w, http.StatusInternalServerError, "failed to sample bandit weight")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"regime":      label,
		"strategy_id": strategy,
		"weight":      weight,
	})
}

// HandleBanditUpdate records one realized reward for an arm
// POST /api/regimes/bandit/update
func (h *RegimeHandlers) HandleBanditUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Regime         string `json:"regime"`
		StrategyID     string `json:"strategy_id"`
		RewardPositive bool   `json:"reward_positive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Regime == "" || req.StrategyID == "" {
		h.writeError(w, http.StatusBadRequest, "regime and strategy_id required")
		return
	}

	if err := h.service.UpdateBandit(req.Regime, req.StrategyID, req.RewardPositive); err != nil {
		h.log.Error().Err(err).Msg("Failed to update bandit")
		h.writeError(w, http.StatusInternalServerError, "failed to update bandit")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// writeJSON writes a JSON response
func (h *RegimeHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *RegimeHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
