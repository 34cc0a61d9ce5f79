package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client pairs one websocket with its per-connection send queue.
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	userID       string
	connectionID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// clientEvent is what peers push upstream: typing indicators and activity.
type clientEvent struct {
	Type      string `json:"type"`
	PartnerID string `json:"partner_id,omitempty"`
	Typing    bool   `json:"typing,omitempty"`
}

func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.heartbeat()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "connection_id", c.connectionID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Debug("malformed client event", "connection_id", c.connectionID, "error", err)
			continue
		}
		c.handleEvent(ev)
	}
}

func (c *Client) handleEvent(ev clientEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch ev.Type {
	case "typing":
		if ev.PartnerID == "" {
			return
		}
		if err := c.hub.coord.Typing(ctx, c.userID, ev.PartnerID, ev.Typing); err != nil {
			slog.Warn("typing update failed", "user_id", c.userID, "error", err)
		}
	case "ping", "activity":
		c.heartbeat()
	default:
		slog.Debug("unknown client event", "type", ev.Type, "connection_id", c.connectionID)
	}
}

func (c *Client) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	alive, err := c.hub.coord.Heartbeat(ctx, c.userID, c.connectionID)
	if err != nil {
		slog.Warn("heartbeat failed", "connection_id", c.connectionID, "error", err)
		return
	}
	if !alive {
		// Superseded by a newer connect somewhere; close this socket.
		c.closeOnce.Do(func() { close(c.done) })
		_ = c.conn.Close()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("websocket write error", "connection_id", c.connectionID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
