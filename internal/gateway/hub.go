// Package gateway terminates client WebSocket connections and delivers pushes to them.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"example.com/presence/internal/domain"
)

// client is one live socket. send is never closed; done signals shutdown to the write pump.
type client struct {
	id          string
	userID      string
	connectedAt time.Time
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
}

func newClient(id, userID string, conn *websocket.Conn, buffer int, now time.Time) *client {
	return &client{
		id:          id,
		userID:      userID,
		connectedAt: now,
		conn:        conn,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ConnectionInfo describes a live connection held by this process.
type ConnectionInfo struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// Hub tracks the sockets terminated by this process and implements push.Pusher for them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	openConnections.Inc()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	current, ok := h.clients[c.id]
	if ok && current == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	if ok && current == c {
		openConnections.Dec()
	}
}

func (h *Hub) lookup(connectionID string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connectionID]
	return c, ok
}

// Push queues payload for the connection. Unknown or closing connections are gone; a full
// send buffer is a transient failure.
func (h *Hub) Push(ctx context.Context, connectionID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := h.lookup(connectionID)
	if !ok || c.closed() {
		return domain.ErrGone
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", domain.ErrTransientDelivery)
	}
}

// Disconnect closes the connection. It reports false when the connection is not held here.
func (h *Hub) Disconnect(connectionID string) bool {
	c, ok := h.lookup(connectionID)
	if !ok {
		return false
	}
	c.close()
	return true
}

// Info describes a held connection.
func (h *Hub) Info(connectionID string) (ConnectionInfo, bool) {
	c, ok := h.lookup(connectionID)
	if !ok {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{ConnectionID: c.id, UserID: c.userID, ConnectedAt: c.connectedAt}, true
}

// Len returns the number of held connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every held connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.close()
	}
}
