// Package handlers provides HTTP handlers for paper execution and the target audit trail.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/billmoling/allocator/internal/modules/trading"
	"github.com/rs/zerolog"
)

// Handler handles trading HTTP requests
type Handler struct {
	targets  *trading.TargetRepository
	executor *trading.PaperExecutor
	log      zerolog.Logger
}

// NewHandler creates a new trading handler
func NewHandler(targets *trading.TargetRepository, executor *trading.PaperExecutor, log zerolog.Logger) *Handler {
	return &Handler{
		targets:  targets,
		executor: executor,
		log:      log.With().Str("handler", "trading").Logger(),
	}
}

// HandleGetTargets handles GET /api/trading/targets
// Optional query parameters: symbol, limit (default 100)
func (h *Handler) HandleGetTargets(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	var (
		records []trading.TargetRecord
		err     error
	)
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		records, err = h.targets.BySymbol(r.Context(), symbol, limit)
	} else {
		records, err = h.targets.Recent(r.Context(), limit)
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load allocation targets")
		h.writeError(w, http.StatusInternalServerError, "Failed to load allocation targets")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"targets": records,
			"count":   len(records),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetLastExecution handles GET /api/trading/last-execution
func (h *Handler) HandleGetLastExecution(w http.ResponseWriter, r *http.Request) {
	report := h.executor.LastReport()
	if report == nil {
		h.writeError(w, http.StatusNotFound, "No execution yet")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": report,
		"metadata": map[string]interface{}{
			"timestamp":    time.Now().Format(time.RFC3339),
			"realized_pnl": report.RealizedPnL(),
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
