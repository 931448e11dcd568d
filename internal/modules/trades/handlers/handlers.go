// Package handlers provides HTTP handlers for the trade ledger.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/trades"
)

// TradeHandlers contains HTTP handlers for the trades API
type TradeHandlers struct {
	repo *trades.Repository
	log  zerolog.Logger
}

// NewTradeHandlers creates a new trade handlers instance
func NewTradeHandlers(repo *trades.Repository, log zerolog.Logger) *TradeHandlers {
	return &TradeHandlers{
		repo: repo,
		log:  log.With().Str("handler", "trades").Logger(),
	}
}

// RegisterRoutes registers all trade ledger routes
func (h *TradeHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/trades", func(r chi.Router) {
		r.Get("/", h.HandleListOrders)
		r.Post("/signal", h.HandlePostSignal)
		r.Get("/signals", h.HandleListSignals)
		r.Post("/order", h.HandlePostOrder)
		r.Get("/holdings", h.HandleHoldings)
		r.Get("/positions", h.HandleListPositions)
		r.Post("/position", h.HandleUpsertPosition)
		r.Post("/position/close", h.HandleClosePosition)
	})
}

func parseLimit(r *http.Request, fallback int) int {
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// HandlePostSignal appends one signal row
// POST /api/trades/signal
func (h *TradeHandlers) HandlePostSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TraderName  string             `json:"trader_name"`
		Symbol      string             `json:"symbol"`
		TotalScore  float64            `json:"total_score"`
		Scores      map[string]float64 `json:"scores"`
		Regime      string             `json:"regime"`
		Action      string             `json:"action"`
		ReasonCodes []string           `json:"reason_codes"`
		RawMetrics  json.RawMessage    `json:"raw_metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TraderName == "" || req.Symbol == "" || req.Action == "" {
		h.writeError(w, http.StatusBadRequest, "trader_name, symbol and action required")
		return
	}

	scoresJSON := "{}"
	if req.Scores != nil {
		if b, err := json.Marshal(req.Scores); err == nil {
			scoresJSON = string(b)
		}
	}
	reasonsJSON := "[]"
	if req.ReasonCodes != nil {
		if b, err := json.Marshal(req.ReasonCodes); err == nil {
			reasonsJSON = string(b)
		}
	}
	rawJSON := "{}"
	if len(req.RawMetrics) > 0 {
		rawJSON = string(req.RawMetrics)
	}

	err := h.repo.AppendSignal(domain.Signal{
		TraderName:     req.TraderName,
		Symbol:         req.Symbol,
		TotalScore:     req.TotalScore,
		ScoresJSON:     scoresJSON,
		Regime:         req.Regime,
		Action:         req.Action,
		ReasonCodes:    reasonsJSON,
		RawMetricsJSON: rawJSON,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to append signal")
		h.writeError(w, http.StatusInternalServerError, "failed to append signal")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleListSignals returns recent signals
// GET /api/trades/signals?trader_name=&limit=
func (h *TradeHandlers) HandleListSignals(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListSignals(r.URL.Query().Get("trader_name"), parseLimit(r, 100))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list signals")
		h.writeError(w, http.StatusInternalServerError, "failed to list signals")
		return
	}

	items := make([]map[string]interface{}, 0, len(list))
	for _, s := range list {
		items = append(items, map[string]interface{}{
			"id":           s.ID,
			"trader_name":  s.TraderName,
			"symbol":       s.Symbol,
			"ts":           s.TS.Format(time.RFC3339),
			"total_score":  s.TotalScore,
			"scores":       json.RawMessage(s.ScoresJSON),
			"regime":       s.Regime,
			"action":       s.Action,
			"reason_codes": json.RawMessage(s.ReasonCodes),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// HandlePostOrder records one terminal order outcome
// POST /api/trades/order
func (h *TradeHandlers) HandlePostOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID    string   `json:"order_id"`
		TraderName string   `json:"trader_name"`
		Symbol     string   `json:"symbol"`
		Side       string   `json:"side"`
		Price      float64  `json:"price"`
		Size       float64  `json:"size"`
		Status     string   `json:"status"`
		FilledQty  float64  `json:"filled_qty"`
		AvgPrice   *float64 `json:"avg_price"`
		Error      *string  `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderID == "" || req.TraderName == "" || req.Symbol == "" {
		h.writeError(w, http.StatusBadRequest, "order_id, trader_name and symbol required")
		return
	}
	if req.Status == "" {
		req.Status = domain.OrderPending
	}

	err := h.repo.AppendOrder(domain.Order{
		OrderID:    req.OrderID,
		TraderName: req.TraderName,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Price:      req.Price,
		Size:       req.Size,
		Status:     req.Status,
		FilledQty:  req.FilledQty,
		AvgPrice:   req.AvgPrice,
		Error:      req.Error,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to append order")
		h.writeError(w, http.StatusInternalServerError, "failed to append order")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleListOrders returns recent orders
// GET /api/trades?trader_name=&limit=
func (h *TradeHandlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListOrders(r.URL.Query().Get("trader_name"), parseLimit(r, 100))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list orders")
		h.writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	items := make([]map[string]interface{}, 0, len(list))
	for _, o := range list {
		items = append(items, map[string]interface{}{
			"id":          o.ID,
			"order_id":    o.OrderID,
			"trader_name": o.TraderName,
			"symbol":      o.Symbol,
			"side":        o.Side,
			"price":       o.Price,
			"size":        o.Size,
			"status":      o.Status,
			"filled_qty":  o.FilledQty,
			"avg_price":   o.AvgPrice,
			"error":       o.Error,
			"created_at":  o.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// HandleHoldings reconstructs net holdings from FILLED orders
// GET /api/trades/holdings?trader_name=
func (h *TradeHandlers) HandleHoldings(w http.ResponseWriter, r *http.Request) {
	traderName := r.URL.Query().Get("trader_name")
	if traderName == "" {
		h.writeError(w, http.StatusBadRequest, "trader_name required")
		return
	}

	holdings, err := h.repo.Holdings(traderName)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to reconstruct holdings")
		h.writeError(w, http.StatusInternalServerError, "failed to reconstruct holdings")
		return
	}

	items := make([]map[string]interface{}, 0, len(holdings))
	for _, hd := range holdings {
		items = append(items, map[string]interface{}{"symbol": hd.Symbol, "qty": hd.Qty})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// HandleListPositions returns persisted positions
// GET /api/trades/positions?trader_name=&status=
func (h *TradeHandlers) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListPositions(
		r.URL.Query().Get("trader_name"),
		r.URL.Query().Get("status"),
		parseLimit(r, 200),
	)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list positions")
		h.writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	items := make([]map[string]interface{}, 0, len(list))
	for _, p := range list {
		items = append(items, map[string]interface{}{
			"id":              p.ID,
			"trader_name":     p.TraderName,
			"symbol":          p.Symbol,
			"open_time":       p.OpenTime.Format(time.RFC3339),
			"avg_entry_price": p.AvgEntryPrice,
			"size":            p.Size,
			"current_price":   p.CurrentPrice,
			"unreal_pnl":      p.UnrealPnL,
			"unreal_pnl_pct":  p.UnrealPnLPct,
			"stop_price":      p.StopPrice,
			"take_prices":     json.RawMessage(p.TakePricesJSON),
			"tags":            p.Tags,
			"status":          p.Status,
			"updated_at":      p.UpdatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// HandleUpsertPosition writes the persisted view of an open position
// POST /api/trades/position
func (h *TradeHandlers) HandleUpsertPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TraderName    string    `json:"trader_name"`
		Symbol        string    `json:"symbol"`
		AvgEntryPrice float64   `json:"avg_entry_price"`
		Size          float64   `json:"size"`
		CurrentPrice  float64   `json:"current_price"`
		UnrealPnL     float64   `json:"unreal_pnl"`
		UnrealPnLPct  float64   `json:"unreal_pnl_pct"`
		StopPrice     *float64  `json:"stop_price"`
		TakePrices    []float64 `json:"take_prices"`
		Tags          *string   `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TraderName == "" || req.Symbol == "" {
		h.writeError(w, http.StatusBadRequest, "trader_name and symbol required")
		return
	}

	takesJSON := "[]"
	if req.TakePrices != nil {
		if b, err := json.Marshal(req.TakePrices); err == nil {
			takesJSON = string(b)
		}
	}

	err := h.repo.UpsertPosition(domain.Position{
		TraderName:     req.TraderName,
		Symbol:         req.Symbol,
		AvgEntryPrice:  req.AvgEntryPrice,
		Size:           req.Size,
		CurrentPrice:   req.CurrentPrice,
		UnrealPnL:      req.UnrealPnL,
		UnrealPnLPct:   req.UnrealPnLPct,
		StopPrice:      req.StopPrice,
		TakePricesJSON: takesJSON,
		Tags:           req.Tags,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to upsert position")
		h.writeError(w, http.StatusInternalServerError, "failed to upsert position")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleClosePosition marks a position CLOSED
// POST /api/trades/position/close
func (h *TradeHandlers) HandleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TraderName string `json:"trader_name"`
		Symbol     string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TraderName == "" || req.Symbol == "" {
		h.writeError(w, http.StatusBadRequest, "trader_name and symbol required")
		return
	}

	if err := h.repo.ClosePosition(req.TraderName, req.Symbol); err != nil {
		h.log.Error().Err(err).Msg("Failed to close position")
		h.writeError(w, http.StatusInternalServerError, "failed to close position")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// writeJSON writes a JSON response
func (h *TradeHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *TradeHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
