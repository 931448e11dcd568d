// Package handlers provides HTTP handlers for the training pipeline.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/modules/trainer"
)

// TrainerHandlers contains HTTP handlers for the trainer API
type TrainerHandlers struct {
	service *trainer.Service
	log     zerolog.Logger
}

// NewTrainerHandlers creates a new trainer handlers instance
func NewTrainerHandlers(service *trainer.Service, log zerolog.Logger) *TrainerHandlers {
	return &TrainerHandlers{
		service: service,
		log:     log.With().Str("handler", "trainer").Logger(),
	}
}

// RegisterRoutes registers all trainer routes
func (h *TrainerHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/trainer", func(r chi.Router) {
		r.Post("/scan", h.HandleScan)
		r.Post("/update-labels", h.HandleUpdateLabels)
		r.Post("/evaluate", h.HandleEvaluate)
		r.Post("/tune", h.HandleTune)
	})
}

// HandleScan collects features for a strategy
// POST /api/trainer/scan
func (h *TrainerHandlers) HandleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyID string          `json:"strategy_id"`
		Markets    []string        `json:"markets"`
		TopN       int             `json:"top_n"`
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

	runID, count, err := h.service.Scan(req.StrategyID, req.Markets, req.TopN, string(req.Params))
	if err != nil {
		h.log.Error().Err(err).Msg("Scan failed")
		h.writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"scan_run_id":    runID,
		"snapshot_count": count,
	})
}

// HandleUpdateLabels attaches forward-return labels to a scan run
// POST /api/trainer/update-labels
func (h *TrainerHandlers) HandleUpdateLabels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScanRunID int64 `json:"scan_run_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ScanRunID <= 0 {
		h.writeError(w, http.StatusBadRequest, "scan_run_id is required")
		return
	}

	updated, err := h.service.UpdateLabels(req.ScanRunID)
	if err != nil {
		h.log.Error().Err(err).Msg("Label update failed")
		h.writeError(w, http.StatusInternalServerError, "label update failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "updated_count": updated})
}

// HandleEvaluate runs the promotion gate over the latest scan run
// POST /api/trainer/evaluate
func (h *TrainerHandlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyID string `json:"strategy_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StrategyID == "" {
		h.writeError(w, http.StatusBadRequest, "strategy_id is required")
		return
	}

	status, reason, metrics, err := h.service.Evaluate(req.StrategyID)
	if errors.Is(err, trainer.ErrNoScanRun) {
		h.writeError(w, http.StatusNotFound, "no scan run for strategy")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Evaluation failed")
		h.writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"status":  status,
		"reason":  reason,
		"metrics": metrics,
	})
}

// HandleTune runs the TPE hyperparameter search
// POST /api/trainer/tune
func (h *TrainerHandlers) HandleTune(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyID string `json:"strategy_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StrategyID == "" {
		h.writeError(w, http.StatusBadRequest, "strategy_id is required")
		return
	}

	best, err := h.service.Tune(req.StrategyID, nil)
	if errors.Is(err, trainer.ErrNoScanRun) {
		h.writeError(w, http.StatusNotFound, "no scan run for strategy")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Tuning failed")
		h.writeError(w, http.StatusInternalServerError, "tuning failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "best_params": best})
}

// writeJSON writes a JSON response
func (h *TrainerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *TrainerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
