package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/billmoling/allocator/internal/events"
)

const (
	streamFormatJSON    = "json"
	streamFormatMsgpack = "msgpack"

	streamBufferSize   = 100
	streamWriteTimeout = 5 * time.Second
)

// StreamMessage is one frame on the event stream
type StreamMessage struct {
	Type      string      `json:"type"`
	Module    string      `json:"module,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// EventsStreamHandler streams bus events to websocket clients.
//
// Query parameters:
//   - types: comma-separated event types to forward (default all)
//   - format: json (text frames, default) or msgpack (binary frames)
type EventsStreamHandler struct {
	bus       *events.Bus
	heartbeat time.Duration
	log       zerolog.Logger
}

// NewEventsStreamHandler creates a new events stream handler
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus:       bus,
		heartbeat: 30 * time.Second,
		log:       log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/ws
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = streamFormatJSON
	}
	if format != streamFormatJSON && format != streamFormatMsgpack {
		writeError(h.log, w, http.StatusBadRequest, "format must be json or msgpack")
		return
	}

	allowed, err := parseEventTypes(r.URL.Query().Get("types"))
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS allows every origin
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket handshake failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// Clients only listen; CloseRead handles control frames and cancels on disconnect
	ctx := conn.CloseRead(r.Context())

	eventChan := make(chan *events.Event, streamBufferSize)
	unsubscribe := h.bus.SubscribeAll(func(event *events.Event) {
		if allowed != nil && !allowed[event.Type] {
			return
		}
		select {
		case eventChan <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	})
	defer unsubscribe()

	h.log.Info().
		Str("format", format).
		Int("types", len(allowed)).
		Msg("Client connected to event stream")

	if err := h.send(ctx, conn, format, StreamMessage{
		Type:      "connected",
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"message": "Connected to allocation event stream"},
	}); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send connected message")
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("Client disconnected from event stream")
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case event := <-eventChan:
			msg := StreamMessage{
				Type:      string(event.Type),
				Module:    event.Module,
				Timestamp: event.Timestamp,
				Data:      event.Data,
			}
			if err := h.send(ctx, conn, format, msg); err != nil {
				h.log.Debug().Err(err).Str("event_type", msg.Type).Msg("Failed to send event")
				return
			}

		case <-heartbeat.C:
			if err := h.send(ctx, conn, format, StreamMessage{Type: "heartbeat", Timestamp: time.Now().UTC()}); err != nil {
				h.log.Debug().Err(err).Msg("Failed to send heartbeat")
				return
			}
		}
	}
}

func (h *EventsStreamHandler) send(ctx context.Context, conn *websocket.Conn, format string, msg StreamMessage) error {
	data, msgType, err := encodeStreamMessage(format, msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("Failed to encode event")
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, msgType, data)
}

// encodeStreamMessage encodes msg as a JSON text frame or a msgpack binary
// frame. msgpack reuses the json tags so both formats share field names.
func encodeStreamMessage(format string, msg StreamMessage) ([]byte, websocket.MessageType, error) {
	if format == streamFormatMsgpack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(msg); err != nil {
			return nil, 0, err
		}
		return buf.Bytes(), websocket.MessageBinary, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, 0, err
	}
	return data, websocket.MessageText, nil
}

// parseEventTypes parses the types filter. An empty filter means every type.
func parseEventTypes(raw string) (map[events.EventType]bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	known := make(map[events.EventType]bool, len(events.AllEventTypes))
	for _, t := range events.AllEventTypes {
		known[t] = true
	}

	allowed := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		t := events.EventType(strings.ToUpper(strings.TrimSpace(part)))
		if t == "" {
			continue
		}
		if !known[t] {
			return nil, fmt.Errorf("unknown event type: %s", t)
		}
		allowed[t] = true
	}
	return allowed, nil
}
