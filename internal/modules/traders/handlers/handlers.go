// Package handlers provides HTTP handlers for trader lifecycle management.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/traders"
)

// TraderHandlers contains HTTP handlers for the traders API
type TraderHandlers struct {
	service *traders.Service
	log     zerolog.Logger
}

// NewTraderHandlers creates a new trader handlers instance
func NewTraderHandlers(service *traders.Service, log zerolog.Logger) *TraderHandlers {
	return &TraderHandlers{
		service: service,
		log:     log.With().Str("handler", "traders").Logger(),
	}
}

// RegisterRoutes registers all trader routes
func (h *TraderHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/traders", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Get("/{name}", h.HandleGet)
		r.Post("/{name}/run", h.HandleRun)
		r.Post("/{name}/arm", h.HandleArm)
		r.Post("/{name}/stop", h.HandleStop)
		r.Post("/{name}/heartbeat", h.HandleHeartbeat)
		r.Delete("/{name}", h.HandleDelete)
	})
}

func (h *TraderHandlers) traderResponse(t *domain.Trader) map[string]interface{} {
	var pnlPct *float64
	if t.SeedKRW != nil && *t.SeedKRW > 0 {
		pct := t.PnLKRW / *t.SeedKRW
		pnlPct = &pct
	} else if t.PnLKRW != 0 {
		zero := 0.0
		pnlPct = &zero
	}

	return map[string]interface{}{
		"name":                        t.Name,
		"strategy":                    t.Strategy,
		"risk_mode":                   t.RiskMode,
		"run_mode":                    t.RunMode,
		"credential_name":             t.CredentialName,
		"status":                      t.Status,
		"container_name":              t.ContainerName,
		"seed_krw":                    t.SeedKRW,
		"pnl_krw":                     t.PnLKRW,
		"pnl":                         pnlPct,
		"paper_started_at":            formatTimePtr(t.PaperStartedAt),
		"armed_at":                    formatTimePtr(t.ArmedAt),
		"paper_protect_remaining_sec": h.service.ProtectRemainingSec(t),
		"last_heartbeat_at":           formatTimePtr(t.LastHeartbeatAt),
		"created_at":                  t.CreatedAt.Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// HandleList returns all traders with derived PnL percent
// GET /api/traders
func (h *TraderHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list traders")
		h.writeError(w, http.StatusInternalServerError, "failed to list traders")
		return
	}

	items := make([]map[string]interface{}, 0, len(list))
	for i := range list {
		items = append(items, h.traderResponse(&list[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// HandleGet returns one trader's self-config
// GET /api/traders/{name}
func (h *TraderHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Get(chi.URLParam(r, "name"))
	if errors.Is(err, traders.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get trader")
		h.writeError(w, http.StatusInternalServerError, "failed to get trader")
		return
	}
	h.writeJSON(w, http.StatusOK, h.traderResponse(t))
}

// HandleCreate registers a new trader (always PAPER at creation)
// POST /api/traders
func (h *TraderHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TraderName     string   `json:"trader_name"`
		Strategy       string   `json:"strategy"`
		RiskMode       string   `json:"risk_mode"`
		SeedKRW        *float64 `json:"seed_krw"`
		CredentialName *string  `json:"credential_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name := strings.TrimSpace(req.TraderName)
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "trader_name required")
		return
	}
	if req.Strategy == "" {
		req.Strategy = "default"
	}
	if req.RiskMode == "" {
		req.RiskMode = domain.RiskStandard
	}

	err := h.service.Create(name, req.Strategy, req.RiskMode, req.SeedKRW, req.CredentialName)
	if errors.Is(err, traders.ErrAlreadyExists) {
		h.writeError(w, http.StatusBadRequest, "trader already exists")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("name", name).Msg("Failed to create trader")
		h.writeError(w, http.StatusInternalServerError, "failed to create trader")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"created": true, "name": name})
}

// HandleRun starts a trader in the requested run mode
// POST /api/traders/{name}/run
func (h *TraderHandlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunMode string `json:"run_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.service.Run(chi.URLParam(r, "name"), req.RunMode)
	var transErr *traders.TransitionError
	switch {
	case errors.Is(err, traders.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &transErr):
		h.writeError(w, http.StatusBadRequest, transErr.Message)
	case err != nil:
		h.log.Error().Err(err).Msg("Failed to run trader")
		h.writeError(w, http.StatusInternalServerError, "failed to run trader")
	default:
		h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// HandleArm authorizes the PAPER to LIVE transition
// POST /api/traders/{name}/arm
func (h *TraderHandlers) HandleArm(w http.ResponseWriter, r *http.Request) {
	armedAt, alreadyArmed, err := h.service.Arm(chi.URLParam(r, "name"))
	var transErr *traders.TransitionError
	switch {
	case errors.Is(err, traders.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &transErr):
		h.writeError(w, http.StatusBadRequest, transErr.Message)
	case err != nil:
		h.log.Error().Err(err).Msg("Failed to arm trader")
		h.writeError(w, http.StatusInternalServerError, "failed to arm trader")
	default:
		resp := map[string]interface{}{"ok": true, "armed_at": armedAt.Format(time.RFC3339)}
		if alreadyArmed {
			resp["already_armed"] = true
		}
		h.writeJSON(w, http.StatusOK, resp)
	}
}

// HandleStop stops a trader
// POST /api/traders/{name}/stop
func (h *TraderHandlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	err := h.service.Stop(chi.URLParam(r, "name"))
	if errors.Is(err, traders.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to stop trader")
		h.writeError(w, http.StatusInternalServerError, "failed to stop trader")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleHeartbeat stamps worker liveness
// POST /api/traders/{name}/heartbeat
func (h *TraderHandlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := h.service.Heartbeat(chi.URLParam(r, "name"))
	if errors.Is(err, traders.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to record heartbeat")
		h.writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleDelete removes a trader
// DELETE /api/traders/{name}
func (h *TraderHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	err := h.service.Delete(chi.URLParam(r, "name"))
	if errors.Is(err, traders.ErrNotFound) {
		h.writeJSON(w, http.StatusOK, map[string]bool{"deleted": false})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to delete trader")
		h.writeError(w, http.StatusInternalServerError, "failed to delete trader")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// writeJSON writes a JSON response
func (h *TraderHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *TraderHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
