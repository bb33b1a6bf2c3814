package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/billmoling/allocator/internal/config"
	"github.com/billmoling/allocator/internal/di"
	"github.com/billmoling/allocator/internal/events"
)

func setupServer(t *testing.T) (*Server, *di.Container) {
	t.Helper()
	strategy := config.DefaultStrategy()
	strategy.Universe = []string{"AAA", "BBB"}
	strategy.Allocation.Objective = "equal"
	cfg := &config.Config{
		DataDir:       t.TempDir(),
		CycleSchedule: config.DefaultCycleSchedule,
		Strategy:      strategy,
	}

	log := zerolog.New(nil).Level(zerolog.Disabled)
	container, jobs, err := di.Wire(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { container.Close() })

	srv := New(Config{
		Log:       log,
		Port:      0,
		DevMode:   true,
		Version:   "test",
		DataDir:   cfg.DataDir,
		Container: container,
		Jobs:      jobs,
	})
	return srv, container
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	srv, _ := setupServer(t)

	w := doRequest(t, srv, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "allocator", body["service"])
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := setupServer(t)

	w := doRequest(t, srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_SystemStatus(t *testing.T) {
	srv, _ := setupServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/system/status")
	require.Equal(t, http.StatusOK, w.Code)

	var status SystemStatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.Len(t, status.Databases, 4)
	assert.Equal(t, "equal", status.Allocation.Objective)
	assert.Positive(t, status.Goroutines)
}

func TestServer_Jobs(t *testing.T) {
	srv, _ := setupServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/system/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs JobsStatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&jobs))
	require.Len(t, jobs.Jobs, 3)
	assert.Equal(t, "allocation_cycle", jobs.Jobs[0].Job)

	w = doRequest(t, srv, http.MethodPost, "/api/system/jobs/check_databases/run")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	w = doRequest(t, srv, http.MethodPost, "/api/system/jobs/nope/run")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ModuleRoutes(t *testing.T) {
	srv, _ := setupServer(t)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/allocation/weights", http.StatusOK},
		{http.MethodGet, "/api/allocation/status", http.StatusOK},
		{http.MethodGet, "/api/universe/securities", http.StatusOK},
		{http.MethodGet, "/api/historical/symbols", http.StatusOK},
		{http.MethodGet, "/api/portfolio", http.StatusOK},
		{http.MethodGet, "/api/trading/targets", http.StatusOK},
		{http.MethodGet, "/api/trading/last-execution", http.StatusNotFound},
		{http.MethodGet, "/api/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := doRequest(t, srv, tt.method, tt.path)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func dialEvents(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return typ, data
}

func TestEventsStream_JSON(t *testing.T) {
	srv, container := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts, "?types=universe_changed")

	typ, data := readFrame(t, conn)
	assert.Equal(t, websocket.MessageText, typ)
	var connected StreamMessage
	require.NoError(t, json.Unmarshal(data, &connected))
	assert.Equal(t, "connected", connected.Type)

	container.EventBus.Emit("test", &events.RebalanceSkippedData{CycleID: "c1", Reason: "filtered"})
	container.EventBus.Emit("test", &events.UniverseChangedData{Added: []string{"AAA"}})

	_, data = readFrame(t, conn)
	var msg struct {
		Type   string                     `json:"type"`
		Module string                     `json:"module"`
		Data   events.UniverseChangedData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, string(events.UniverseChanged), msg.Type)
	assert.Equal(t, "test", msg.Module)
	assert.Equal(t, []string{"AAA"}, msg.Data.Added)
}

func TestEventsStream_Msgpack(t *testing.T) {
	srv, container := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts, "?format=msgpack")

	typ, _ := readFrame(t, conn)
	assert.Equal(t, websocket.MessageBinary, typ)

	container.EventBus.Emit("allocation", &events.AllocationTargetsEmittedData{CycleID: "c9", Count: 2})

	typ, data := readFrame(t, conn)
	assert.Equal(t, websocket.MessageBinary, typ)

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var msg StreamMessage
	require.NoError(t, dec.Decode(&msg))
	assert.Equal(t, string(events.AllocationTargetsEmitted), msg.Type)
	assert.Equal(t, "allocation", msg.Module)
	assert.False(t, msg.Timestamp.IsZero())

	payload, ok := msg.Data.(map[string]interface{})
	require.True(t, ok, "data decodes as a map, got %T", msg.Data)
	assert.Equal(t, "c9", payload["cycle_id"])
}

func TestEventsStream_BadRequest(t *testing.T) {
	srv, _ := setupServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/events/ws?format=xml")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/api/events/ws?types=NOT_A_TYPE")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown event type")
}

func TestParseEventTypes(t *testing.T) {
	allowed, err := parseEventTypes("")
	require.NoError(t, err)
	assert.Nil(t, allowed)

	allowed, err = parseEventTypes(" rebalance_skipped, CYCLE_COMPLETED ,")
	require.NoError(t, err)
	assert.Equal(t, map[events.EventType]bool{
		events.RebalanceSkipped: true,
		events.CycleCompleted:   true,
	}, allowed)
}
