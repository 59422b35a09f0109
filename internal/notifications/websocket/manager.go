package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/notifications"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
	readLimit  = 512
)

// ErrClosed is returned once the manager has shut down.
var ErrClosed = errors.New("websocket manager closed")

// Manager handles WebSocket connections and message routing
type Manager struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	hub         *Hub
	upgrader    websocket.Upgrader
	logger      *zap.Logger
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan notifications.Message
	ConnectedAt  time.Time
	LastActivity time.Time
	UserAgent    string
	IPAddress    string

	channels map[string]bool
	mu       sync.Mutex
}

// Subscribed reports whether the connection wants messages on channel.
func (c *Connection) Subscribed(channel string) bool {
	if channel == notifications.ChannelPrivate {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels) == 0 || c.channels[channel]
}

func (c *Connection) subscribe(channels []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = make(map[string]bool)
	var accepted []string
	for _, ch := range channels {
		if notifications.KnownChannel(ch) && !c.channels[ch] {
			c.channels[ch] = true
			accepted = append(accepted, ch)
		}
	}
	return accepted
}

type direct struct {
	conn *Connection
	msg  notifications.Message
}

// Hub is the only writer to, and closer of, every connection's Send channel.
type Hub struct {
	connections map[*Connection]bool
	broadcast   chan notifications.Message
	direct      chan direct
	register    chan *Connection
	unregister  chan *Connection
	stop        chan struct{}
	done        chan struct{}
	logger      *zap.Logger
}

// NewManager creates a new WebSocket manager
func NewManager(logger *zap.Logger) *Manager {
	hub := &Hub{
		connections: make(map[*Connection]bool),
		broadcast:   make(chan notifications.Message, sendBuffer),
		direct:      make(chan direct, sendBuffer),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger,
	}

	go hub.run()

	return &Manager{
		connections: make(map[string]*Connection),
		hub:         hub,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is read-only and served to the local presentation layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and registers the connection.
// initial messages are queued ahead of any broadcast.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, initial ...notifications.Message) (*Connection, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := time.Now()
	connection := &Connection{
		ID:           uuid.New().String(),
		Conn:         conn,
		Send:         make(chan notifications.Message, sendBuffer),
		ConnectedAt:  now,
		LastActivity: now,
		UserAgent:    r.Header.Get("User-Agent"),
		IPAddress:    r.RemoteAddr,
	}
	connection.Send <- statusMessage(connection.ID, "connected", nil)
	for _, msg := range initial {
		if len(connection.Send) == cap(connection.Send) {
			break
		}
		connection.Send <- msg
	}

	m.mu.Lock()
	m.connections[connection.ID] = connection
	m.mu.Unlock()

	select {
	case m.hub.register <- connection:
	case <-m.hub.done:
		conn.Close()
		m.mu.Lock()
		delete(m.connections, connection.ID)
		m.mu.Unlock()
		return nil, ErrClosed
	}

	m.wg.Add(2)
	go m.readPump(connection)
	go m.writePump(connection)

	m.logger.Info("Feed client connected",
		zap.String("connection_id", connection.ID),
		zap.String("remote", connection.IPAddress))
	return connection, nil
}

func statusMessage(id, status string, channels []string) notifications.Message {
	data := map[string]any{"status": status, "connection_id": id}
	if channels != nil {
		data["channels"] = channels
	}
	return notifications.Message{
		Type:      notifications.TypeStatus,
		Channel:   notifications.ChannelPrivate,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// readPump reads client messages until the connection fails
func (m *Manager) readPump(conn *Connection) {
	defer func() {
		select {
		case m.hub.unregister <- conn:
		case <-m.hub.done:
		}
		conn.Conn.Close()
		m.mu.Lock()
		delete(m.connections, conn.ID)
		m.mu.Unlock()
		m.wg.Done()
	}()

	conn.Conn.SetReadLimit(readLimit)
	conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg notifications.ClientMessage
		if err := conn.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				m.logger.Warn("Feed client read failed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}

		conn.mu.Lock()
		conn.LastActivity = time.Now()
		conn.mu.Unlock()

		m.handleMessage(conn, msg)
	}
}

// writePump writes queued messages and keeps the connection alive
func (m *Manager) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
		m.wg.Done()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) handleMessage(conn *Connection, msg notifications.ClientMessage) {
	var reply notifications.Message
	switch msg.Type {
	case notifications.TypeSubscribe:
		accepted := conn.subscribe(msg.Channels)
		if accepted == nil {
			accepted = []string{}
		}
		reply = statusMessage(conn.ID, "subscribed", accepted)
	case notifications.TypePing:
		reply = statusMessage(conn.ID, "pong", nil)
	default:
		m.logger.Debug("Unknown feed message type", zap.String("type", msg.Type))
		return
	}

	select {
	case m.hub.direct <- direct{conn: conn, msg: reply}:
	case <-m.hub.done:
	}
}

// run runs the hub in its own goroutine
func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.connections[conn] = true

		case conn := <-h.unregister:
			h.drop(conn)

		case d := <-h.direct:
			if h.connections[d.conn] {
				h.deliver(d.conn, d.msg)
			}

		case message := <-h.broadcast:
			for conn := range h.connections {
				if conn.Subscribed(message.Channel) {
					h.deliver(conn, message)
				}
			}

		case <-h.stop:
			for conn := range h.connections {
				h.drop(conn)
			}
			return
		}
	}
}

// deliver queues msg, dropping a client whose buffer is full.
func (h *Hub) deliver(conn *Connection, msg notifications.Message) {
	select {
	case conn.Send <- msg:
	default:
		h.logger.Warn("Feed client too slow, dropping", zap.String("connection_id", conn.ID))
		h.drop(conn)
	}
}

func (h *Hub) drop(conn *Connection) {
	if _, ok := h.connections[conn]; ok {
		delete(h.connections, conn)
		close(conn.Send)
	}
}

// Broadcast sends a message to every subscribed connection
func (m *Manager) Broadcast(message notifications.Message) error {
	select {
	case <-m.hub.done:
		return ErrClosed
	default:
	}
	select {
	case m.hub.broadcast <- message:
		return nil
	default:
		return fmt.Errorf("broadcast channel full")
	}
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// ConnectionInfo represents connection information for monitoring
type ConnectionInfo struct {
	ConnectionID string    `json:"connection_id"`
	Channels     []string  `json:"channels"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	UserAgent    string    `json:"user_agent"`
	IPAddress    string    `json:"ip_address"`
}

// GetConnectionInfo returns information about all active connections
func (m *Manager) GetConnectionInfo() []ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := make([]ConnectionInfo, 0, len(m.connections))
	for _, conn := range m.connections {
		conn.mu.Lock()
		ci := ConnectionInfo{
			ConnectionID: conn.ID,
			ConnectedAt:  conn.ConnectedAt,
			LastActivity: conn.LastActivity,
			UserAgent:    conn.UserAgent,
			IPAddress:    conn.IPAddress,
		}
		for ch := range conn.channels {
			ci.Channels = append(ci.Channels, ch)
		}
		conn.mu.Unlock()
		info = append(info, ci)
	}
	return info
}

// Close stops the hub, closes every connection and waits for the pumps.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.hub.stop)
		<-m.hub.done

		m.mu.RLock()
		for _, conn := range m.connections {
			conn.Conn.Close()
		}
		m.mu.RUnlock()
		m.wg.Wait()
	})
}
