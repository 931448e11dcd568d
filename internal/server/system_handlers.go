package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/krwquant/ats/internal/database"
)

// SystemHandlers serves process and database health.
type SystemHandlers struct {
	log zerolog.Logger
	db  *database.DB
}

// NewSystemHandlers creates system handlers.
func NewSystemHandlers(log zerolog.Logger, db *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log: log.With().Str("handler", "system").Logger(),
		db:  db,
	}
}

// HandleHealth reports process resource usage and database liveness.
// GET /api/system/health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	dbStatus := "ok"
	if h.db != nil {
		if err := h.db.QuickCheck(ctx); err != nil {
			h.log.Error().Err(err).Msg("Database ping failed")
			dbStatus = "down"
		}
	}

	cpuPct := 0.0
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}

	memPct := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}

	diskPct := 0.0
	if usage, err := disk.Usage("/"); err == nil {
		diskPct = usage.UsedPercent
	}

	status := http.StatusOK
	if dbStatus != "ok" {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, map[string]interface{}{
		"status":           dbStatus,
		"cpu_percent":      cpuPct,
		"mem_used_percent": memPct,
		"disk_used_pct":    diskPct,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleDatabaseStats reports SQLite file and page statistics.
// GET /api/system/database/stats
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no database"})
		return
	}
	stats, err := h.db.GetStats()
	if err != nil {
		h.log.Error().Err(err).Msg("Database stats failed")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"size_bytes":     stats.SizeBytes,
		"wal_size_bytes": stats.WALSizeBytes,
		"page_count":     stats.PageCount,
		"page_size":      stats.PageSize,
		"freelist_count": stats.FreelistCount,
	})
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
