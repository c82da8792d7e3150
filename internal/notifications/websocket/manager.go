package websocket

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types sent to clients
const (
	MessageTypeDelivery = "delivery"
	MessageTypeDigest   = "digest"
	MessageTypeStatus   = "status"
	MessageTypePing     = "ping"
	MessageTypePong     = "pong"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

// Message is the frame format on the wire
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target,omitempty"`
}

// Connection is one client socket
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
	UserAgent   string
	IPAddress   string

	conn *websocket.Conn
	send chan Message

	mu           sync.Mutex
	lastActivity time.Time
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// ConnectionInfo describes a live connection for monitoring
type ConnectionInfo struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	UserAgent    string    `json:"user_agent"`
	IPAddress    string    `json:"ip_address"`
}

// Manager tracks client connections and routes messages to users. Only
// remove closes a connection's send channel.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	closed      bool

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewManager accepts upgrades from any origin when allowedOrigins is empty
func NewManager(allowedOrigins []string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Manager{
		connections: make(map[string]*Connection),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// Handler upgrades the request for the user set by the auth middleware
func (m *Manager) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing user"})
			return
		}
		if _, err := m.HandleConnection(c.Writer, c.Request, userID); err != nil {
			m.logger.Warn("WebSocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// HandleConnection upgrades the request and starts the read and write pumps
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) (*Connection, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := time.Now()
	c := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		ConnectedAt:  now,
		UserAgent:    r.Header.Get("User-Agent"),
		IPAddress:    r.RemoteAddr,
		conn:         conn,
		send:         make(chan Message, sendBuffer),
		lastActivity: now,
	}

	// queued before registration: once c is visible, remove may close send
	c.send <- Message{
		Type:      MessageTypeStatus,
		Data:      map[string]string{"status": "connected", "connection_id": c.ID},
		Timestamp: now,
		Target:    userID,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("websocket manager closed")
	}
	m.connections[c.ID] = c
	m.mu.Unlock()

	m.logger.Info("WebSocket connected",
		zap.String("connection_id", c.ID),
		zap.String("user_id", userID))

	go m.writePump(c)
	go m.readPump(c)
	return c, nil
}

func (m *Manager) readPump(c *Connection) {
	defer func() {
		m.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Warn("WebSocket read failed", zap.String("connection_id", c.ID), zap.Error(err))
			}
			return
		}
		c.touch()
		m.handleMessage(c, msg)
	}
}

func (m *Manager) writePump(c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage answers client pings; the stream is otherwise one-way
func (m *Manager) handleMessage(c *Connection, msg Message) {
	switch msg.Type {
	case MessageTypePing:
		m.queue(c, Message{Type: MessageTypePong, Timestamp: time.Now(), Target: c.UserID})
	default:
		m.logger.Debug("Ignoring client message",
			zap.String("connection_id", c.ID),
			zap.String("type", msg.Type))
	}
}

// queue drops the connection when its buffer is full
func (m *Manager) queue(c *Connection, msg Message) bool {
	m.mu.RLock()
	_, live := m.connections[c.ID]
	sent := false
	if live {
		select {
		case c.send <- msg:
			sent = true
		default:
		}
	}
	m.mu.RUnlock()

	if live && !sent {
		m.logger.Warn("WebSocket client too slow, disconnecting",
			zap.String("connection_id", c.ID),
			zap.String("user_id", c.UserID))
		m.remove(c)
	}
	return sent
}

func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[c.ID]; !ok {
		return
	}
	delete(m.connections, c.ID)
	close(c.send)
	m.logger.Info("WebSocket disconnected",
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.UserID))
}

func (m *Manager) userConnections(userID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Connection
	for _, c := range m.connections {
		if userID == "" || c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

// SendToUser queues msg on every connection of the user and returns how many
// accepted it. An offline user is not an error.
func (m *Manager) SendToUser(userID string, msg Message) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Target = userID
	sent := 0
	for _, c := range m.userConnections(userID) {
		if m.queue(c, msg) {
			sent++
		}
	}
	return sent
}

// Broadcast queues msg on every connection
func (m *Manager) Broadcast(msg Message) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	sent := 0
	for _, c := range m.userConnections("") {
		if m.queue(c, msg) {
			sent++
		}
	}
	return sent
}

func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *Manager) UserConnectionCount(userID string) int {
	return len(m.userConnections(userID))
}

func (m *Manager) ConnectionInfo() []ConnectionInfo {
	conns := m.userConnections("")
	info := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		info = append(info, ConnectionInfo{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.lastActivity,
			UserAgent:    c.UserAgent,
			IPAddress:    c.IPAddress,
		})
		c.mu.Unlock()
	}
	return info
}

// DisconnectUser closes every connection of the user
func (m *Manager) DisconnectUser(userID string) int {
	conns := m.userConnections(userID)
	for _, c := range conns {
		m.remove(c)
	}
	return len(conns)
}

// Close disconnects everyone and refuses new connections
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, c := range m.userConnections("") {
		m.remove(c)
	}
}
