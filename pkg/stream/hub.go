// Package stream pushes every ingested reading to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nicktill/tinyair/pkg/config"
	"github.com/nicktill/tinyair/pkg/ingest"
)

// The HTTP API answers every origin, so the stream does too.
var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// Message is what clients receive for each committed reading.
type Message struct {
	Type       string          `json:"type"`
	DeviceID   string          `json:"device_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	RawID      int64           `json:"raw_id"`
	MetricID   int64           `json:"metric_id"`
	Values     map[string]any  `json:"values"`
	Payload    json.RawMessage `json:"raw"`
}

// Hub manages WebSocket connections for live reading updates
type Hub struct {
	// Registered clients
	clients map[*websocket.Conn]bool

	// Register requests from clients
	register chan *websocket.Conn

	// Unregister requests from clients
	unregister chan *websocket.Conn

	// Broadcast channel for reading updates
	broadcast chan []byte

	// done is closed when Run returns
	done chan struct{}

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			// Close all client connections on shutdown
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("websocket client connected", "clients", count)
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("websocket client disconnected", "clients", count)
		case message := <-h.broadcast:
			h.mu.RLock()
			// Collect failed connections to unregister after releasing lock
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Warn("websocket write failed", "error", err)
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(data any) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
	default:
		// Channel full, drop message to prevent blocking the writer
		h.logger.Warn("broadcast channel full, dropping message")
	}
	return nil
}

// OnIngest implements ingest.Listener.
func (h *Hub) OnIngest(ctx context.Context, ev ingest.Event) error {
	if !h.HasClients() {
		return nil
	}
	return h.Broadcast(NewMessage(ev))
}

// NewMessage builds the client message for ev.
func NewMessage(ev ingest.Event) Message {
	return Message{
		Type:       "reading",
		DeviceID:   ev.DeviceID,
		RecordedAt: ev.Result.RecordedAt,
		RawID:      ev.Result.RawID,
		MetricID:   ev.Result.MetricID,
		Values:     ev.Values(),
		Payload:    ev.Payload,
	}
}

// HasClients returns true if there are any connected WebSocket clients
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ServeHTTP upgrades the request and keeps the connection until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Create context for managing goroutine lifecycle
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Start ping sender to keep connection alive
	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel() // Signal ping goroutine to stop
		select {
		case h.unregister <- conn:
		case <-h.done:
			conn.Close()
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// Read messages (mostly for handling control frames)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", "error", err)
			}
			return
		}
	}
}
