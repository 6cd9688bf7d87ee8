// Package hub tracks the live view sockets of each user. Every connection
// has its own send queue drained by Run, so producers never wait on a slow
// socket; a connection whose queue is full is dropped.
package hub

import "sync"

const DefaultQueueSize = 16

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	User   string
	writer Writer

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(user string, w Writer, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Connection{
		User:   user,
		writer: w,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

// Send queues message and reports whether it was accepted. It never blocks.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// Run writes queued messages until the connection is closed or a write
// fails.
func (c *Connection) Run() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.writer.Write(msg); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.writer.Close()
	})
}

func (c *Connection) Done() <-chan struct{} { return c.done }

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.User] == nil {
		h.connections[conn.User] = make(map[*Connection]struct{})
	}
	h.connections[conn.User][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.User]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.User)
	}
}

func (h *Hub) Count(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[user])
}

func (h *Hub) snapshot(user string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.connections[user]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast queues message on every connection of user. Connections that
// cannot take it are closed and removed.
func (h *Hub) Broadcast(user string, message []byte) {
	var failed []*Connection
	for _, c := range h.snapshot(user) {
		if !c.Send(message) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		c.Close()
		h.Unregister(c)
	}
}

// Disconnect closes every connection of user.
func (h *Hub) Disconnect(user string) {
	for _, c := range h.snapshot(user) {
		c.Close()
		h.Unregister(c)
	}
}
