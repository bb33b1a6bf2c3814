package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/modules/allocation"
	"github.com/billmoling/allocator/internal/modules/optimization"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)

type noHoldings struct{}

func (noHoldings) Holdings(context.Context, []string) (map[string]domain.Holding, error) {
	return map[string]domain.Holding{}, nil
}

func setupHandler(t *testing.T) (*Handler, *allocation.Service) {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	builder, err := allocation.NewBuilder(allocation.Config{
		Objective: optimization.ObjectiveEqual,
		MinWeight: 0,
		MaxWeight: 1,
	}, allocation.Dependencies{Holdings: noHoldings{}}, logger)
	require.NoError(t, err)

	clock := domain.NewManualClock(now)
	service := allocation.NewService(allocation.ServiceDeps{Builder: builder, Clock: clock}, logger)
	return NewHandler(service, clock, logger), service
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestHandleSubmitSignals(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedQueued int
	}{
		{
			name:           "ttl signal",
			body:           `{"signals":[{"symbol":"AAPL","direction":"up","ttl":"36h"}]}`,
			expectedStatus: http.StatusAccepted,
			expectedQueued: 1,
		},
		{
			name:           "default ttl and explicit expiry",
			body:           `{"signals":[{"symbol":"AAPL","direction":"down"},{"symbol":"MSFT","direction":"flat","expires_at":"2024-03-02T16:00:00Z"}]}`,
			expectedStatus: http.StatusAccepted,
			expectedQueued: 2,
		},
		{
			name:           "malformed json",
			body:           `{"signals":`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown direction",
			body:           `{"signals":[{"symbol":"AAPL","direction":"sideways"}]}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing symbol",
			body:           `{"signals":[{"direction":"up"}]}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "empty list",
			body:           `{"signals":[]}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad ttl",
			body:           `{"signals":[{"symbol":"AAPL","direction":"up","ttl":"soon"}]}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "expiry in the past",
			body:           `{"signals":[{"symbol":"AAPL","direction":"up","expires_at":"2024-02-01T00:00:00Z"}]}`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, service := setupHandler(t)

			req := httptest.NewRequest("POST", "/api/allocation/signals", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.HandleSubmitSignals(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Len(t, service.PendingSignals(), tt.expectedQueued)
			if tt.expectedStatus == http.StatusAccepted {
				data := decode(t, w)["data"].(map[string]interface{})
				assert.Equal(t, float64(tt.expectedQueued), data["queued"])
			}
		})
	}
}

func TestHandleRunCycleAndReadBack(t *testing.T) {
	handler, service := setupHandler(t)
	require.NoError(t, service.Submit(domain.NewSignal("AAPL", domain.DirectionUp, now, time.Hour, "test")))

	w := httptest.NewRecorder()
	handler.HandleRunCycle(w, httptest.NewRequest("POST", "/api/allocation/cycle", nil))
	require.Equal(t, http.StatusOK, w.Code)

	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "targets_emitted", data["state"])
	targets := data["targets"].([]interface{})
	require.Len(t, targets, 1)
	target := targets[0].(map[string]interface{})
	assert.Equal(t, "AAPL", target["symbol"])
	assert.Equal(t, 1.0, target["weight"])
	assert.Equal(t, "optimized", target["reason"])

	w = httptest.NewRecorder()
	handler.HandleGetWeights(w, httptest.NewRequest("GET", "/api/allocation/weights", nil))
	require.Equal(t, http.StatusOK, w.Code)
	weights := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), weights["count"])
	assert.Equal(t, 1.0, weights["total"])

	w = httptest.NewRecorder()
	handler.HandleGetLastCycle(w, httptest.NewRequest("GET", "/api/allocation/last-cycle", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.HandleGetSignals(w, httptest.NewRequest("GET", "/api/allocation/signals", nil))
	require.Equal(t, http.StatusOK, w.Code)
	signals := decode(t, w)["data"].(map[string]interface{})
	active := signals["active"].([]interface{})
	require.Len(t, active, 1)
	assert.Equal(t, "up", active[0].(map[string]interface{})["direction"])
}

func TestHandleGetLastCycle_NotFound(t *testing.T) {
	handler, _ := setupHandler(t)

	w := httptest.NewRecorder()
	handler.HandleGetLastCycle(w, httptest.NewRequest("GET", "/api/allocation/last-cycle", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandleGetStatus(t *testing.T) {
	handler, _ := setupHandler(t)

	w := httptest.NewRecorder()
	handler.HandleGetStatus(w, httptest.NewRequest("GET", "/api/allocation/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "idle", data["state"])
	assert.Equal(t, "equal", data["objective"])
}

func TestRegisterRoutes(t *testing.T) {
	handler, _ := setupHandler(t)
	router := chi.NewRouter()
	router.Route("/api", handler.RegisterRoutes)

	req := httptest.NewRequest("GET", "/api/allocation/weights", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("POST", "/api/allocation/cycle", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
