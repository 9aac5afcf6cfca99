// Package order — WebSocket hub for pushing order and balance events.
package order

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oddex/exchange-core/internal/metrics"
)

// Event is a JSON message pushed to subscribed WebSocket clients.
// Channel is "user_{userID}" for balance and order-lifecycle events or
// "market_{marketID}" for market-wide events.
type Event struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Payload any    `json:"payload,omitempty"`
}

// Event types pushed over the hub.
const (
	EventOrdersUpdated  = "ordersUpdated"
	EventOrderCancelled = "orderCancelled"
	EventBalanceUpdate  = "balanceUpdate"
	EventMarketSettled  = "marketSettled"
)

// UserChannel returns the channel name carrying one user's events.
func UserChannel(userID string) string { return "user_" + userID }

// MarketChannel returns the channel name carrying one market's events.
func MarketChannel(marketID string) string { return "market_" + marketID }

type wsClient struct {
	conn     *websocket.Conn
	channels map[string]bool
	writeMu  sync.Mutex
}

// write serializes all writes to the connection; the hub loop and the
// ping ticker must never write concurrently.
func (c *wsClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// Hub fans events out to WebSocket clients by channel. Clients subscribe
// to channels at connect time via the ?channels= query parameter.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewHub creates a WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "channels", len(c.channels), "total", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			var ev Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			// Full lock: failed clients are removed during iteration.
			h.mu.Lock()
			for c := range h.clients {
				if !c.channels[ev.Channel] {
					continue
				}
				if err := c.write(websocket.TextMessage, msg); err != nil {
					c.conn.Close()
					delete(h.clients, c)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish sends an event to all clients subscribed to its channel.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking order placement.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
// Clients pass ?channels=user_u1,market_m1 to choose their subscriptions.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	channels := make(map[string]bool)
	for _, ch := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			channels[ch] = true
		}
	}
	if len(channels) == 0 {
		writeError(w, "channels query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, channels: channels}
	h.register <- c

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- c }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[c]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
