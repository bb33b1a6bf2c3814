// Package handlers provides HTTP handlers for historical data operations.
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/billmoling/allocator/internal/modules/historical"
	"github.com/billmoling/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
)

// maxImportBytes caps the size of an uploaded CSV
const maxImportBytes = 32 << 20

// Handler handles historical data HTTP requests
type Handler struct {
	repo *historical.Repository
	log  zerolog.Logger
}

// NewHandler creates a new historical data handler
func NewHandler(repo *historical.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		log:  log.With().Str("handler", "historical").Logger(),
	}
}

// HandleGetSymbols handles GET /api/historical/symbols
func (h *Handler) HandleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.repo.Symbols(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list symbols")
		http.Error(w, "Failed to list symbols", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"symbols": symbols,
			"count":   len(symbols),
		},
		"metadata": metadata(),
	})
}

// HandleGetDailyPrices handles GET /api/historical/prices/{symbol}
func (h *Handler) HandleGetDailyPrices(w http.ResponseWriter, r *http.Request, symbol string) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	prices, err := h.repo.GetDailyPrices(r.Context(), symbol, limit)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to get daily prices")
		http.Error(w, "Failed to get daily prices", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"symbol": symbol,
			"prices": prices,
			"count":  len(prices),
		},
		"metadata": metadata(),
	})
}

// HandleGetReturns handles GET /api/historical/returns?symbols=A,B&lookback=253&as_of=2024-01-31
// Returns the log-return series the optimizer would see, plus per-symbol exclusions
func (h *Handler) HandleGetReturns(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		http.Error(w, "symbols parameter is required", http.StatusBadRequest)
		return
	}
	symbols := strings.Split(raw, ",")
	for i := range symbols {
		symbols[i] = strings.TrimSpace(symbols[i])
	}

	lookback := optimization.DefaultLookbackPeriods
	if s := r.URL.Query().Get("lookback"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 3 {
			http.Error(w, "lookback must be an integer of at least 3", http.StatusBadRequest)
			return
		}
		lookback = parsed
	}

	asOf := time.Now().UTC()
	if s := r.URL.Query().Get("as_of"); s != "" {
		parsed, err := time.Parse(historical.DateLayout, s)
		if err != nil {
			http.Error(w, "as_of must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		asOf = parsed
	}

	history, err := h.repo.History(r.Context(), symbols, lookback, asOf)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load price history")
		http.Error(w, "Failed to load price history", http.StatusInternalServerError)
		return
	}

	calc := optimization.NewReturnSeriesCalculator(lookback)
	series, failures := calc.CalculateAll(history, symbols)

	excluded := make(map[string]string, len(failures))
	for symbol, err := range failures {
		excluded[symbol] = err.Error()
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Symbol < series[j].Symbol })

	returns := make(map[string][]float64, len(series))
	for _, s := range series {
		returns[s.Symbol] = s.LogReturns
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"as_of":    asOf.Format(historical.DateLayout),
			"lookback": lookback,
			"returns":  returns,
			"excluded": excluded,
		},
		"metadata": metadata(),
	})
}

// HandleImportCSV handles POST /api/historical/import/{symbol} with a Yahoo-style CSV body
func (h *Handler) HandleImportCSV(w http.ResponseWriter, r *http.Request, symbol string) {
	body := http.MaxBytesReader(w, r.Body, maxImportBytes)
	n, err := h.repo.ImportCSV(r.Context(), symbol, body)
	if err != nil {
		h.log.Warn().Err(err).Str("symbol", symbol).Msg("CSV import rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data": map[string]interface{}{
			"symbol":   strings.ToUpper(symbol),
			"imported": n,
		},
		"metadata": metadata(),
	})
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
