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
	"github.com/billmoling/allocator/internal/modules/universe"
	testingpkg "github.com/billmoling/allocator/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (chi.Router, *universe.SecurityRepository, *domain.ManualClock) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "universe")
	t.Cleanup(cleanup)

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	repo := universe.NewSecurityRepository(db.Conn(), logger)
	clock := domain.NewManualClock(time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC))

	router := chi.NewRouter()
	router.Route("/api", NewUniverseHandlers(repo, clock, logger).RegisterRoutes)
	return router, repo, clock
}

func do(router chi.Router, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAddSecurity(t *testing.T) {
	router, _, _ := setupRouter(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"new security", `{"symbol":"ry.to","name":"Royal Bank"}`, http.StatusCreated},
		{"already active", `{"symbol":"RY.TO"}`, http.StatusOK},
		{"missing symbol", `{"name":"nothing"}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, "POST", "/api/universe/securities", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestRemoveSecurityFeedsChanges(t *testing.T) {
	router, repo, clock := setupRouter(t)

	w := do(router, "POST", "/api/universe/securities", `{"symbol":"AAA"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	clock.Advance(time.Hour)
	w = do(router, "DELETE", "/api/universe/securities/aaa", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, "DELETE", "/api/universe/securities/aaa", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	changes, err := repo.Changes(context.Background(), clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, changes.Removed)

	w = do(router, "GET", "/api/universe/securities", "")
	require.Equal(t, http.StatusOK, w.Code)
	var active map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Equal(t, 0.0, active["data"].(map[string]interface{})["count"])

	w = do(router, "GET", "/api/universe/securities?all=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, 1.0, all["data"].(map[string]interface{})["count"])
}
