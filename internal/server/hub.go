package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

const (
	clientSendBuf  = 64
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongGrace      = 45 * time.Second
	maxInboundSize = 512
)

// quoteEvent is what subscribers receive after each completed sync cycle.
type quoteEvent struct {
	Type   string        `json:"type"` // "quotes"
	TS     string        `json:"ts"`
	Count  int           `json:"count"`
	Quotes []model.Quote `json:"quotes"`
}

// Hub pushes freshly synced quotes to websocket subscribers. A slow client
// has its pending messages dropped rather than blocking a sync cycle.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]bool)}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// HandleWS upgrades the request and serves the client until it disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] ws upgrade error: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, clientSendBuf)}

	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[hub] client connected (%d total)", n)

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}

func (h *Hub) readLoop(client *wsClient) {
	defer h.drop(client)
	client.conn.SetReadLimit(maxInboundSize)
	client.conn.SetReadDeadline(time.Now().Add(pongGrace))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongGrace))
	})
	for {
		// Inbound messages are ignored; the read loop only detects close.
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(client *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				client.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeDeadline))
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// PublishQuotes broadcasts a completed cycle's quotes to every client.
// Implements syncer.QuoteSink; never blocks.
func (h *Hub) PublishQuotes(_ context.Context, fetched []model.Quote) {
	if len(fetched) == 0 {
		return
	}
	msg, err := json.Marshal(quoteEvent{
		Type:   "quotes",
		TS:     time.Now().UTC().Format(time.RFC3339),
		Count:  len(fetched),
		Quotes: fetched,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// slow client: drop the update, never block the cycle
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
