package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fryprotocol/wreckage-engine/internal/metrics"
	"github.com/fryprotocol/wreckage-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients, one per outcome.
type WSMessage struct {
	Type         string `json:"type"` // matched | routed | rejected
	EventID      string `json:"event_id"`
	Counterparty string `json:"counterparty_event_id,omitempty"`
	Asset        string `json:"asset"`
	NotionalUSD  string `json:"notional_usd"`
	Hops         int    `json:"hops,omitempty"`
	CostBps      string `json:"cost_bps,omitempty"`
	RewardMinted string `json:"reward_minted,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// MessageFor flattens an outcome into a WSMessage.
func MessageFor(o model.Outcome) WSMessage {
	switch o.Kind {
	case model.OutcomeMatched:
		p := o.Pair
		return WSMessage{
			Type:         string(o.Kind),
			EventID:      p.First.ID,
			Counterparty: p.Second.ID,
			Asset:        p.First.Asset,
			NotionalUSD:  p.NotionalUSD.String(),
			RewardMinted: p.RewardMinted.String(),
		}
	case model.OutcomeRouted:
		r := o.Route
		return WSMessage{
			Type:         string(o.Kind),
			EventID:      r.Event.ID,
			Asset:        r.Event.Asset,
			NotionalUSD:  r.FilledUSD.String(),
			Hops:         len(r.Hops),
			CostBps:      r.TotalCostBps.String(),
			RewardMinted: r.RewardMinted.String(),
		}
	}
	rj := o.Rejection
	return WSMessage{
		Type:        string(model.OutcomeRejected),
		EventID:     rj.Event.ID,
		Asset:       rj.Event.Asset,
		NotionalUSD: rj.Event.AmountUSD.String(),
		Reason:      rj.Reason,
	}
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when outcomes are committed.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called
// in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the processing pass.
	}
}

// Publish broadcasts every outcome. It never blocks and never fails, so
// the hub can sit in an engine.MultiPublisher next to durable sinks.
func (h *WSHub) Publish(_ context.Context, outcomes []model.Outcome) error {
	for _, o := range outcomes {
		h.Broadcast(MessageFor(o))
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
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
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
