package server

import (
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/logger"
)

// sendBufferSize is the per-connection outbound queue. A client that
// falls this many events behind is dropped rather than blocking fanout.
const sendBufferSize = 256

// Conn is one admitted WebSocket connection bound to a principal.
type Conn struct {
	ID       string
	Username string
	Origin   string

	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an upgraded WebSocket for a principal. ws may be nil in
// tests that only exercise queueing.
func NewConn(id, username, origin string, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:       id,
		Username: username,
		Origin:   origin,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// enqueue appends to the connection's outbound queue, preserving send
// order. Returns false if the connection is closed or the queue is full.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Hub is the registry of admitted connections. It indexes connections by
// identifier and by principal, where the principal index always points at
// the most recently admitted connection.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn // connection ID -> conn
	byUser map[string]*Conn // username -> most recent conn

	metrics *Metrics
}

// NewHub creates an empty connection registry.
func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*Conn),
		byUser: make(map[string]*Conn),
	}
}

// SetMetrics attaches metrics to the hub
func (h *Hub) SetMetrics(metrics *Metrics) {
	h.metrics = metrics
}

// Admit registers a connection. When the principal already has a
// connection, the new one takes over the principal index; the older
// connection stays admitted and keeps receiving broadcasts until it
// closes on its own.
func (h *Hub) Admit(conn *Conn) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.byUser[conn.Username] = conn
	count := len(h.conns)
	h.mu.Unlock()

	logger.L().Info().
		Str("conn_id", conn.ID).
		Str("username", conn.Username).
		Str("origin", conn.Origin).
		Msg("connection admitted")
	if h.metrics != nil {
		h.metrics.RecordActiveConnections(count)
		h.metrics.RecordConnectionAdmitted()
	}
}

// Remove deregisters and closes a connection. Removing an unknown or
// already-removed connection is a no-op.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	if h.byUser[conn.Username] == conn {
		delete(h.byUser, conn.Username)
	}
	count := len(h.conns)
	h.mu.Unlock()

	conn.Close()

	logger.L().Debug().
		Str("conn_id", connID).
		Str("username", conn.Username).
		Msg("connection removed")
	if h.metrics != nil {
		h.metrics.RecordActiveConnections(count)
	}
}

// Get returns a connection by ID.
func (h *Hub) Get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.conns[connID]
	return conn, ok
}

// SendTo queues an event for a single connection. A connection that
// cannot absorb the event is dropped.
func (h *Hub) SendTo(connID string, data []byte) {
	conn, ok := h.Get(connID)
	if !ok {
		return
	}
	h.deliver(conn, data)
}

// Broadcast queues an event for every admitted connection except the one
// identified by excludeConnID (empty string excludes nobody). Returns the
// number of connections the event was queued for.
func (h *Hub) Broadcast(data []byte, excludeConnID string) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for id, conn := range h.conns {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if h.deliver(conn, data) {
			sent++
		}
	}

	if h.metrics != nil {
		h.metrics.RecordBroadcast(sent)
	}
	return sent
}

// SendToOthers queues an event for every connection bound to a different
// principal than username. Returns the number of connections reached.
func (h *Hub) SendToOthers(data []byte, username string) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		if conn.Username == username {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if h.deliver(conn, data) {
			sent++
		}
	}
	return sent
}

// deliver enqueues for one connection, dropping it when the queue is
// saturated. The pumps notice the close and finish removal.
func (h *Hub) deliver(conn *Conn, data []byte) bool {
	if conn.enqueue(data) {
		return true
	}

	logger.L().Warn().
		Str("conn_id", conn.ID).
		Str("username", conn.Username).
		Msg("send queue full, dropping connection")
	h.Remove(conn.ID)
	return false
}

// CountConnections returns the number of admitted connections.
func (h *Hub) CountConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}

// ConnectedUsers returns the distinct principals with at least one
// admitted connection, sorted for stable output.
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	seen := make(map[string]bool, len(h.byUser))
	for _, conn := range h.conns {
		seen[conn.Username] = true
	}
	h.mu.RUnlock()

	users := make([]string, 0, len(seen))
	for username := range seen {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// Connections returns a snapshot of all admitted connections.
func (h *Hub) Connections() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll closes every connection and empties the registry.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Conn)
	h.byUser = make(map[string]*Conn)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	if h.metrics != nil {
		h.metrics.RecordActiveConnections(0)
	}
}
