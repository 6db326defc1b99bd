package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pk-battle/internal/domain"
	"github.com/pk-battle/internal/service"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Time allowed to handle one inbound event
	dispatchTimeout = 10 * time.Second
)

// Client is one websocket connection. It is the service.Conn events are
// dispatched with.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	// guarded by hub.mu
	rooms  map[string]bool
	closed bool
}

// ClientMessage is an event sent by the client
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewClient creates a new websocket client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     uuid.New().String(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: logger,
		rooms:  make(map[string]bool),
	}
}

// ID returns the connection id
func (c *Client) ID() string {
	return c.id
}

// Join subscribes the client to room
func (c *Client) Join(room string) {
	c.hub.join(c, room)
}

// Leave unsubscribes the client from room
func (c *Client) Leave(room string) {
	c.hub.leave(c, room)
}

// Reply sends an event to this client only
func (c *Client) Reply(event string, payload any) {
	data, err := json.Marshal(Message{Event: event, Data: payload, Timestamp: time.Now()})
	if err != nil {
		c.logger.Error("failed to marshal reply", "event", event, "error", err)
		return
	}
	c.hub.deliver(c, data)
}

// readPump pumps events from the websocket connection to the dispatcher.
// Events of one connection are handled in order.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "conn_id", c.id, "error", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Event == "" {
			c.logger.Warn("invalid message format", "conn_id", c.id, "error", err)
			c.Reply(service.EventBattleError, service.ErrorPayload{Message: "invalid message format", Code: domain.CodeValidation})
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(c.hub.ctx, dispatchTimeout)
	defer cancel()
	c.hub.dispatcher.Dispatch(ctx, c, msg.Event, msg.Data)
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and attaches the connection to the hub
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h, conn, h.logger)
	h.Register(client)

	go client.writePump()
	go client.readPump()

	h.logger.Debug("new websocket connection", "conn_id", client.id)
}
