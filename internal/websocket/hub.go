package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pk-battle/internal/service"
)

// Message is the envelope of every frame sent to a client
type Message struct {
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher handles events received from clients
type Dispatcher interface {
	Dispatch(ctx context.Context, conn service.Conn, event string, data json.RawMessage)
}

// Stats is a snapshot of hub usage
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// Score, gift and vote updates are superseded by the next one for the same
// battle, so they are dropped when the broadcast queue is full. Every other
// event waits for room in the queue.
var droppable = map[string]bool{
	service.EventScoreUpdate:  true,
	service.EventGiftReceived: true,
	service.EventVoteUpdate:   true,
}

const defaultPublishTimeout = 5 * time.Second

type roomMessage struct {
	rooms []string
	data  []byte
}

// Hub tracks connected clients and the rooms they joined, and fans out
// published events to room members
type Hub struct {
	// Members of each room
	rooms map[string]map[*Client]bool

	// All connected clients
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *roomMessage

	mu sync.RWMutex

	dispatcher     Dispatcher
	upgrader       websocket.Upgrader
	publishTimeout time.Duration
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub. An empty allowedOrigins list or one containing "*"
// accepts every origin.
func NewHub(dispatcher Dispatcher, allowedOrigins []string, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *roomMessage, 256),
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetDispatcher sets the event dispatcher. Call it before serving clients.
func (h *Hub) SetDispatcher(dispatcher Dispatcher) {
	h.dispatcher = dispatcher
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("websocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			if !client.closed {
				h.clients[client] = true
			}
			h.mu.Unlock()
			h.logger.Debug("client registered", "conn_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "conn_id", client.id)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) removeLocked(client *Client) {
	if client.closed {
		return
	}
	client.closed = true
	delete(h.clients, client)
	for room := range client.rooms {
		h.leaveLocked(client, room)
	}
	close(client.send)
}

// broadcastMessage sends a message once to every client in any of its rooms
func (h *Hub) broadcastMessage(message *roomMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]bool)
	for _, room := range message.rooms {
		for client := range h.rooms[room] {
			if seen[client] {
				continue
			}
			seen[client] = true
			select {
			case client.send <- message.data:
			default:
				h.logger.Warn("client buffer full, skipping", "conn_id", client.id, "room", room)
			}
		}
	}
}

// Publish sends event to the members of rooms. A client in several of the
// rooms receives the event once. Lifecycle events such as battleEnded block
// while the queue is full, up to the publish timeout or until Stop.
func (h *Hub) Publish(event string, payload any, rooms ...string) {
	if len(rooms) == 0 {
		return
	}
	data, err := json.Marshal(Message{Event: event, Data: payload, Timestamp: time.Now()})
	if err != nil {
		h.logger.Error("failed to marshal message", "event", event, "error", err)
		return
	}

	msg := &roomMessage{rooms: rooms, data: data}
	if droppable[event] {
		select {
		case h.broadcast <- msg:
		default:
			h.logger.Warn("broadcast channel full, dropping message", "event", event)
		}
		return
	}

	timer := time.NewTimer(h.publishTimeout)
	defer timer.Stop()
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	case <-timer.C:
		h.logger.Error("broadcast channel stalled, dropping message", "event", event, "rooms", rooms)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub and all its rooms
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// join takes effect before it returns so a following publish reaches the
// client
func (h *Hub) join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.closed {
		return
	}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true
	h.logger.Debug("client joined room", "conn_id", client.id, "room", room)
}

func (h *Hub) leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, room)
	h.logger.Debug("client left room", "conn_id", client.id, "room", room)
}

func (h *Hub) leaveLocked(client *Client, room string) {
	delete(client.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// deliver queues data for one client unless it is gone or backed up
func (h *Hub) deliver(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if client.closed {
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("client buffer full, dropping reply", "conn_id", client.id)
	}
}

// SubscriberCount returns the number of clients in a room
func (h *Hub) SubscriberCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// TotalConnections returns the number of connected clients
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns connection and room counts
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.clients), Rooms: len(h.rooms)}
}
