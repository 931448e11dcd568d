// Package handlers provides HTTP handlers for the model lifecycle.
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
	"github.com/krwquant/ats/internal/modules/models"
)

// ModelHandlers contains HTTP handlers for the model API
type ModelHandlers struct {
	service *models.Service
	log     zerolog.Logger
}

// NewModelHandlers creates a new model handlers instance
func NewModelHandlers(service *models.Service, log zerolog.Logger) *ModelHandlers {
	return &ModelHandlers{
		service: service,
		log:     log.With().Str("handler", "models").Logger(),
	}
}

// RegisterRoutes registers all model routes
func (h *ModelHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/models", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Get("/{id}", h.HandleGet)
		r.Post("/{id}/validate", h.HandleValidate)
		r.Post("/{id}/deploy", h.HandleDeploy)
		r.Post("/{id}/check_eligible", h.HandleCheckEligible)
		r.Post("/{id}/arm", h.HandleArm)
		r.Post("/{id}/rollback", h.HandleRollback)
		r.Post("/{id}/metrics_24h", h.HandleRecordMetrics24h)
		r.Post("/drift-check", h.HandleDriftCheck)
	})
}

func modelResponse(m *domain.ModelVersion) map[string]interface{} {
	formatTime := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.Format(time.RFC3339)
		return &s
	}
	return map[string]interface{}{
		"id":              m.ID,
		"strategy_id":     m.StrategyID,
		"version":         m.Version,
		"status":          m.Status,
		"metrics_json":    m.MetricsJSON,
		"created_at":      m.CreatedAt.Format(time.RFC3339),
		"deployed_at":     formatTime(m.DeployedAt),
		"rolled_back_at":  formatTime(m.RolledBackAt),
		"rollback_reason": m.RollbackReason,
	}
}

func (h *ModelHandlers) modelID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid model id")
		return 0, false
	}
	return id, true
}

func (h *ModelHandlers) writeServiceError(w http.ResponseWriter, err error, action string) {
	var transition *models.TransitionError
	switch {
	case errors.Is(err, models.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "model version not found")
	case errors.As(err, &transition):
		h.writeError(w, http.StatusBadRequest, transition.Message)
	default:
		h.log.Error().Err(err).Msg("Failed to " + action)
		h.writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// HandleList returns model versions, newest first
// GET /api/models?strategy_id=&limit=
func (h *ModelHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	list, err := h.service.List(r.URL.Query().Get("strategy_id"), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list model versions")
		h.writeError(w, http.StatusInternalServerError, "failed to list model versions")
		return
	}

	items := make([]map[string]interface{}, 0, len(list))
	for i := range list {
		items = append(items, modelResponse(&list[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// HandleCreate registers a new DRAFT model version
// POST /api/models
func (h *ModelHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyID string          `json:"strategy_id"`
		Version    string          `json:"version"`
		Metrics    json.RawMessage `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StrategyID == "" || req.Version == "" {
		h.writeError(w, http.StatusBadRequest, "strategy_id and version are required")
		return
	}

	created, err := h.service.Create(req.StrategyID, req.Version, string(req.Metrics))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create model version")
		h.writeError(w, http.StatusInternalServerError, "failed to create model version")
		return
	}
	h.writeJSON(w, http.StatusCreated, modelResponse(created))
}

// HandleGet returns one model version
// GET /api/models/{id}
func (h *ModelHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}

	m, err := h.service.Get(id)
	if err != nil {
		h.writeServiceError(w, err, "get model version")
		return
	}
	h.writeJSON(w, http.StatusOK, modelResponse(m))
}

// HandleValidate runs the evaluation gate
// POST /api/models/{id}/validate
func (h *ModelHandlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}

	status, message, err := h.service.Validate(id)
	if err != nil {
		h.writeServiceError(w, err, "validate model")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"gate": status, "message": message})
}

// HandleDeploy moves a VALIDATED model into paper deployment
// POST /api/models/{id}/deploy
func (h *ModelHandlers) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}

	if err := h.service.Deploy(id); err != nil {
		h.writeServiceError(w, err, "deploy model")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"deployed": true, "id": id})
}

// HandleCheckEligible applies the 24h auto-promotion rule
// POST /api/models/{id}/check_eligible
func (h *ModelHandlers) HandleCheckEligible(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}

	status, err := h.service.CheckEligible(id)
	if err != nil {
		h.writeServiceError(w, err, "check model eligibility")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

// HandleArm moves a LIVE_ELIGIBLE model to LIVE_ARMED
// POST /api/models/{id}/arm
func (h *ModelHandlers) HandleArm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}

	if err := h.service.Arm(id); err != nil {
		h.writeServiceError(w, err, "arm model")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"armed": true, "id": id})
}

// HandleRollback returns a model to DRAFT
// POST /api/models/{id}/rollback
func (h *ModelHandlers) HandleRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.service.Rollback(id, req.Reason); err != nil {
		h.writeServiceError(w, err, "roll back model")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rolled_back": true, "id": id})
}

// HandleRecordMetrics24h stores one rolling performance observation
// POST /api/models/{id}/metrics_24h
func (h *ModelHandlers) HandleRecordMetrics24h(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}

	var req struct {
		StrategyID   string          `json:"strategy_id"`
		NetReturn24h float64         `json:"net_return_24h"`
		Metrics      json.RawMessage `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.service.RecordMetrics24h(domain.ModelMetrics24h{
		ModelID:      id,
		StrategyID:   req.StrategyID,
		NetReturn24h: req.NetReturn24h,
		MetricsJSON:  string(req.Metrics),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to record 24h metrics")
		h.writeError(w, http.StatusInternalServerError, "failed to record 24h metrics")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleDriftCheck compares current performance against the pinned baseline
// POST /api/models/drift-check
func (h *ModelHandlers) HandleDriftCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyID    string  `json:"strategy_id"`
		CurrentSharpe float64 `json:"current_sharpe"`
		CurrentMean   float64 `json:"current_mean"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StrategyID == "" {
		h.writeError(w, http.StatusBadRequest, "strategy_id is required")
		return
	}

	drifted, count, err := h.service.CheckDrift(req.StrategyID, req.CurrentSharpe, req.CurrentMean)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to run drift check")
		h.writeError(w, http.StatusInternalServerError, "failed to run drift check")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"drifted": drifted, "drift_warn_count": count})
}

// writeJSON writes a JSON response
func (h *ModelHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *ModelHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
