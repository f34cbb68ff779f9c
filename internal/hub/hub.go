// Package hub provides connection management for WebSocket clients.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/metrics"
)

// sendBuffer is the per-connection outbound queue length.
const sendBuffer = 256

var (
	// ErrBufferFull is returned when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrClosed is returned once the hub has stopped.
	ErrClosed = errors.New("hub closed")
	// ErrNotRegistered is returned for connections the hub does not know.
	ErrNotRegistered = errors.New("connection not registered")
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID    string
	Owner string
	Conn  *websocket.Conn
	Send  chan []byte

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]bool
}

// Sessions returns the ids the connection is subscribed to.
func (c *Connection) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// Subscribed reports whether the connection follows sessionID.
func (c *Connection) Subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// Hub manages all WebSocket connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Sessions maps session id to the set of subscribed connection IDs
	sessions map[string]map[string]bool

	unregister chan *Connection
	broadcast  chan *SessionMessage
	done       chan struct{}

	mu     sync.RWMutex
	closed bool
	logger *zap.Logger
}

// SessionMessage is used to broadcast a message to a session, or to one
// connection when To is set.
type SessionMessage struct {
	SessionID string
	Data      []byte
	// Except skips one connection, usually the sender.
	Except string
	To     string
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *SessionMessage, sendBuffer),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run starts the hub's main loop. It returns when ctx is done, after closing
// every connection's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		h.closed = true
		for id, conn := range h.connections {
			delete(h.connections, id)
			close(conn.Send)
		}
		h.sessions = make(map[string]map[string]bool)
		h.mu.Unlock()
		metrics.GatewayConnections.Set(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				for _, sessionID := range conn.Sessions() {
					h.removeLocked(conn, sessionID)
				}
				close(conn.Send)
			}
			n := len(h.connections)
			h.mu.Unlock()
			metrics.GatewayConnections.Set(float64(n))
			h.logger.Debug("connection unregistered", zap.String("conn_id", conn.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			if msg.To != "" {
				if conn, exists := h.connections[msg.To]; exists {
					h.deliverLocked(conn, msg.Data)
				}
				h.mu.RUnlock()
				continue
			}
			for connID := range h.sessions[msg.SessionID] {
				if connID == msg.Except {
					continue
				}
				if conn, exists := h.connections[connID]; exists {
					h.deliverLocked(conn, msg.Data)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) deliverLocked(conn *Connection, data []byte) {
	select {
	case conn.Send <- data:
	default:
		// Buffer full, close the connection
		metrics.GatewayDropped.Inc()
		h.logger.Warn("connection buffer full, closing", zap.String("conn_id", conn.ID))
		go h.Unregister(conn)
	}
}

// NewConnection creates a new connection for owner. It still has to be
// registered.
func (h *Hub) NewConnection(ws *websocket.Conn, owner string) *Connection {
	return &Connection{
		ID:       uuid.New().String(),
		Owner:    owner,
		Conn:     ws,
		Send:     make(chan []byte, sendBuffer),
		sessions: make(map[string]bool),
	}
}

// Register registers a connection with the hub. The connection can be
// subscribed as soon as Register returns.
func (h *Hub) Register(conn *Connection) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.connections[conn.ID] = conn
	n := len(h.connections)
	h.mu.Unlock()
	metrics.GatewayConnections.Set(float64(n))
	h.logger.Debug("connection registered", zap.String("conn_id", conn.ID), zap.String("owner", conn.Owner))
	return nil
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Subscribe adds the connection to the session's audience.
func (h *Hub) Subscribe(conn *Connection, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return ErrNotRegistered
	}
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]bool)
	}
	h.sessions[sessionID][conn.ID] = true
	conn.mu.Lock()
	conn.sessions[sessionID] = true
	conn.mu.Unlock()
	return nil
}

// Unsubscribe removes the connection from the session's audience.
func (h *Hub) Unsubscribe(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn, sessionID)
}

func (h *Hub) removeLocked(conn *Connection, sessionID string) {
	if ids := h.sessions[sessionID]; ids != nil {
		delete(ids, conn.ID)
		if len(ids) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	conn.mu.Lock()
	delete(conn.sessions, sessionID)
	conn.mu.Unlock()
}

// Broadcast sends a message to every subscriber of a session except the
// connection with id except.
func (h *Hub) Broadcast(sessionID string, data []byte, except string) {
	select {
	case h.broadcast <- &SessionMessage{SessionID: sessionID, Data: data, Except: except}:
	case <-h.done:
	}
}

// BroadcastJSON encodes v and broadcasts it.
func (h *Hub) BroadcastJSON(sessionID string, v any, except string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(sessionID, data, except)
	return nil
}

// Enqueue sends data to one connection through the broadcast queue, so it
// is delivered after every broadcast queued before it.
func (h *Hub) Enqueue(conn *Connection, data []byte) {
	select {
	case h.broadcast <- &SessionMessage{Data: data, To: conn.ID}:
	case <-h.done:
	}
}

// EnqueueJSON encodes v and enqueues it for conn.
func (h *Hub) EnqueueJSON(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Enqueue(conn, data)
	return nil
}

// SendToConnection sends a message to a specific connection, skipping the
// broadcast queue.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return nil
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		metrics.GatewayDropped.Inc()
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// SessionCount returns the number of sessions with at least one subscriber.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HasSubscribers checks if a session has any subscribed connections.
func (h *Hub) HasSubscribers(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID]) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
