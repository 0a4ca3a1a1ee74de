// Package realtime pushes saga events to WebSocket subscribers.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

const (
	broadcastBuffer = 256
	writeTimeout    = 5 * time.Second
)

// Hub manages WebSocket clients and broadcasts messages to them. Run must be
// running for clients to be registered or messages delivered.
type Hub struct {
	log      logr.Logger
	upgrader websocket.Upgrader

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}

	mu          sync.Mutex
	connections map[*websocket.Conn]struct{}
}

func NewHub(log logr.Logger) *Hub {
	return &Hub{
		log:         log,
		register:    make(chan *websocket.Conn),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan []byte, broadcastBuffer),
		done:        make(chan struct{}),
		connections: make(map[*websocket.Conn]struct{}),
	}
}

// Run processes register/unregister/broadcast until ctx ends, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				_ = conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			_ = conn.Close()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.V(1).Info("dropping websocket client", "remote", conn.RemoteAddr().String(), "error", err.Error())
					_ = conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues msg for every client. When the queue is full the message
// is dropped so publishers never block.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Info("realtime queue full, dropping message", "bytes", len(msg))
	}
}

// Clients reports the number of registered connections.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "websocket upgrade failed")
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.drain(conn)
}

// drain discards client frames and unregisters the client once reading fails.
func (h *Hub) drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
			return
		}
	}
}
