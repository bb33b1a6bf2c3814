// Package handlers provides HTTP handlers for universe management.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/modules/universe"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// UniverseHandlers handles universe HTTP requests
type UniverseHandlers struct {
	securities *universe.SecurityRepository
	clock      domain.Clock
	validate   *validator.Validate
	log        zerolog.Logger
}

// NewUniverseHandlers creates a new universe handlers instance
func NewUniverseHandlers(securities *universe.SecurityRepository, clock domain.Clock, log zerolog.Logger) *UniverseHandlers {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &UniverseHandlers{
		securities: securities,
		clock:      clock,
		validate:   validator.New(),
		log:        log.With().Str("handler", "universe").Logger(),
	}
}

// AddSecurityRequest is the body of POST /api/universe/securities
type AddSecurityRequest struct {
	Symbol string `json:"symbol" validate:"required,max=32"`
	Name   string `json:"name" validate:"max=128"`
}

// HandleGetSecurities handles GET /api/universe/securities
// Pass ?all=true to include removed securities.
func (h *UniverseHandlers) HandleGetSecurities(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("all") == "true"

	securities, err := h.securities.GetAll(r.Context(), includeInactive)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to fetch securities")
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch securities")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"securities": securities,
			"count":      len(securities),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleAddSecurity handles POST /api/universe/securities
func (h *UniverseHandlers) HandleAddSecurity(w http.ResponseWriter, r *http.Request) {
	var req AddSecurityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Symbol = strings.TrimSpace(req.Symbol)
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	added, err := h.securities.Add(r.Context(), req.Symbol, req.Name, h.clock.Now())
	if err != nil {
		h.log.Error().Err(err).Str("symbol", req.Symbol).Msg("Failed to add security")
		h.writeError(w, http.StatusInternalServerError, "Failed to add security")
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	security, err := h.securities.GetBySymbol(r.Context(), req.Symbol)
	if err != nil || security == nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to load security")
		return
	}

	h.writeJSON(w, status, map[string]interface{}{
		"data": map[string]interface{}{
			"security": security,
			"added":    added,
		},
	})
}

// HandleRemoveSecurity handles DELETE /api/universe/securities/{symbol}
// The removal reaches the allocator on its next cycle, which flattens the position.
func (h *UniverseHandlers) HandleRemoveSecurity(w http.ResponseWriter, r *http.Request, symbol string) {
	removed, err := h.securities.Remove(r.Context(), symbol, h.clock.Now())
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to remove security")
		h.writeError(w, http.StatusInternalServerError, "Failed to remove security")
		return
	}
	if !removed {
		h.writeError(w, http.StatusNotFound, "Security not found in universe")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"symbol":  strings.ToUpper(strings.TrimSpace(symbol)),
			"removed": true,
		},
	})
}

func (h *UniverseHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *UniverseHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
