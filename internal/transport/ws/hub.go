// Package ws is the in-process websocket implementation of the transport
// boundary: it owns the sockets attached to this instance and exposes them
// to the delivery core as opaque connectionIds.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"relay/internal/authz"
	"relay/internal/domain"
	"relay/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	sendBufferSize = 256
)

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // connectionId -> client

	coord    *service.Coordinator
	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetCoordinator breaks the construction cycle: the coordinator needs the
// hub as its Transport, the hub needs the coordinator for connection
// lifecycle events.
func (h *Hub) SetCoordinator(c *service.Coordinator) { h.coord = c }

// Send implements transport.Transport. A connectionId not attached to this
// instance is reported as unknown; the delivery core treats that like any
// other send failure and leaves the message queued.
func (h *Hub) Send(ctx context.Context, connectionID string, payload []byte) error {
	h.mu.RLock()
	client, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownConnection, connectionID)
	}

	select {
	case client.send <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return fmt.Errorf("%w: %s", domain.ErrUnknownConnection, connectionID)
	}
}

// HandleWS upgrades an authenticated request into a transport session and
// runs the connection lifecycle: register → drain → pump until close.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.coord == nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	userID, ok := authz.SubjectFrom(r.Context())
	if !ok || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &Client{
		hub:          h,
		conn:         conn,
		userID:       userID,
		connectionID: uuid.NewString(),
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client.connectionID] = client
	h.mu.Unlock()

	// The socket must be registered locally before UserConnected: the
	// connect-triggered drain delivers through Send. The write pump starts
	// first so a backlog larger than the send buffer streams out during the
	// drain instead of stalling against a full channel.
	go client.writePump()

	ctx := context.Background()
	if err := h.coord.UserConnected(ctx, userID, client.connectionID); err != nil {
		slog.Error("connection registration failed", "user_id", userID, "error", err)
		h.remove(client) // closes done, which stops the write pump
		_ = conn.Close()
		return
	}
	slog.Info("client attached", "user_id", userID, "connection_id", client.connectionID)

	client.readPump() // blocks until the connection drops

	h.remove(client)
	if err := h.coord.UserDisconnected(ctx, client.connectionID); err != nil {
		slog.Warn("disconnect handling failed", "connection_id", client.connectionID, "error", err)
	}
	slog.Info("client detached", "user_id", userID, "connection_id", client.connectionID)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[client.connectionID]; ok && cur == client {
		delete(h.clients, client.connectionID)
	}
	h.mu.Unlock()
	client.closeOnce.Do(func() { close(client.done) })
}

// Close tears down all attached sockets.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeOnce.Do(func() { close(c.done) })
		_ = c.conn.Close()
	}
}
