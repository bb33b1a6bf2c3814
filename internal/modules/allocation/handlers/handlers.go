// Package handlers provides HTTP handlers for allocation operations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/modules/allocation"
	"github.com/billmoling/allocator/internal/modules/optimization"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// defaultSignalTTL applies when a submitted signal carries neither ttl nor expires_at
const defaultSignalTTL = 24 * time.Hour

// Handler handles allocation HTTP requests
type Handler struct {
	service  *allocation.Service
	clock    domain.Clock
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates a new allocation handler
func NewHandler(service *allocation.Service, clock domain.Clock, log zerolog.Logger) *Handler {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Handler{
		service:  service,
		clock:    clock,
		validate: validator.New(),
		log:      log.With().Str("handler", "allocation").Logger(),
	}
}

// SignalRequest is one signal in a POST /api/allocation/signals body
type SignalRequest struct {
	Symbol    string           `json:"symbol" validate:"required,max=32"`
	Direction domain.Direction `json:"direction"`
	// TTL is a Go duration string such as "36h".
	TTL       string     `json:"ttl,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Source    string     `json:"source,omitempty" validate:"max=64"`
}

// SubmitSignalsRequest is the body of POST /api/allocation/signals
type SubmitSignalsRequest struct {
	Signals []SignalRequest `json:"signals" validate:"required,min=1,dive"`
}

type weightEntry struct {
	Symbol string  `json:"symbol"`
	Weight float64 `json:"weight"`
}

// HandleGetWeights handles GET /api/allocation/weights
// Returns the current weight baseline, sorted by symbol
func (h *Handler) HandleGetWeights(w http.ResponseWriter, r *http.Request) {
	weights := h.service.CurrentWeights()

	entries := make([]weightEntry, 0, len(weights))
	total := 0.0
	for symbol, weight := range weights {
		entries = append(entries, weightEntry{Symbol: symbol, Weight: weight})
		total += weight
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Symbol < entries[j].Symbol })

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"weights": entries,
			"count":   len(entries),
			"total":   total,
		},
		"metadata": metadata(),
	})
}

// HandleGetSignals handles GET /api/allocation/signals
// Returns the active signal per security and the signals queued for the next cycle
func (h *Handler) HandleGetSignals(w http.ResponseWriter, r *http.Request) {
	active := h.service.ActiveSignals()

	list := make([]domain.Signal, 0, len(active))
	for _, s := range active {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Symbol < list[j].Symbol })

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"active":  list,
			"pending": h.service.PendingSignals(),
		},
		"metadata": metadata(),
	})
}

// HandleSubmitSignals handles POST /api/allocation/signals
// Queues externally produced signals for the next cycle
func (h *Handler) HandleSubmitSignals(w http.ResponseWriter, r *http.Request) {
	var req SubmitSignalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock.Now()
	signals := make([]domain.Signal, 0, len(req.Signals))
	for _, s := range req.Signals {
		signal, err := s.toSignal(now)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		signals = append(signals, signal)
	}

	if err := h.service.Submit(signals...); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Info().Int("count", len(signals)).Msg("Signals queued")
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{
			"queued":  len(signals),
			"signals": signals,
		},
		"metadata": metadata(),
	})
}

// HandleRunCycle handles POST /api/allocation/cycle
// Runs one allocation cycle immediately
func (h *Handler) HandleRunCycle(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunCycle(r.Context())
	if result == nil {
		h.log.Error().Err(err).Msg("Allocation cycle failed")
		h.writeError(w, http.StatusInternalServerError, "Allocation cycle failed")
		return
	}

	status := http.StatusOK
	resp := map[string]interface{}{
		"data":     result,
		"metadata": metadata(),
	}
	if err != nil {
		if errors.Is(err, optimization.ErrDegenerateVariance) {
			status = http.StatusUnprocessableEntity
		} else {
			status = http.StatusBadGateway
		}
		resp["error"] = err.Error()
	}

	h.writeJSON(w, status, resp)
}

// HandleGetLastCycle handles GET /api/allocation/last-cycle
func (h *Handler) HandleGetLastCycle(w http.ResponseWriter, r *http.Request) {
	last := h.service.LastCycle()
	if last == nil {
		h.writeError(w, http.StatusNotFound, "No cycle has run yet")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":     last,
		"metadata": metadata(),
	})
}

// HandleGetStatus handles GET /api/allocation/status
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":     h.service.Status(),
		"metadata": metadata(),
	})
}

func (s SignalRequest) toSignal(now time.Time) (domain.Signal, error) {
	source := s.Source
	if source == "" {
		source = "api"
	}
	symbol := strings.ToUpper(strings.TrimSpace(s.Symbol))

	if s.ExpiresAt != nil {
		signal := domain.NewSignal(symbol, s.Direction, now, s.ExpiresAt.Sub(now), source)
		signal.ExpiresAt = s.ExpiresAt.UTC()
		return signal, signal.Validate()
	}

	ttl := defaultSignalTTL
	if s.TTL != "" {
		parsed, err := time.ParseDuration(s.TTL)
		if err != nil {
			return domain.Signal{}, err
		}
		ttl = parsed
	}
	signal := domain.NewSignal(symbol, s.Direction, now, ttl, source)
	return signal, signal.Validate()
}

func metadata() map[string]interface{} {
	return map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
	}
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
