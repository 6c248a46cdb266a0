package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Hub tracks all live websocket channels.
type Hub struct {
	// Connections indexed by connection ID
	conns map[string]*Conn

	// Streams maps thread ID to the connections streaming it
	streams map[string]map[string]bool

	register   chan *Conn
	unregister chan *Conn
	done       chan struct{}

	log logrus.FieldLogger
	mu  sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		conns:      make(map[string]*Conn),
		streams:    make(map[string]map[string]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's main loop. It returns when ctx is done, after closing
// every remaining connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.conns[conn.ID] = conn
			h.mu.Unlock()
			h.log.WithField("conn_id", conn.ID).Debug("connection registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.conns[conn.ID]; ok {
				delete(h.conns, conn.ID)
				h.unbindLocked(conn)
			}
			h.mu.Unlock()
			h.log.WithField("conn_id", conn.ID).Debug("connection unregistered")

		case <-ctx.Done():
			close(h.done)
			h.CloseAll()
			return
		}
	}
}

// NewConn wraps an upgraded websocket. The caller registers and starts it.
func (h *Hub) NewConn(ws *websocket.Conn, opts Options) *Conn {
	return &Conn{
		ID:      uuid.New().String(),
		ws:      ws,
		send:    make(chan []byte, 256),
		control: make(chan []byte, 1),
		closed:  make(chan struct{}),
		opts:    opts,
		hub:     h,
	}
}

// Register registers a connection with the hub. It is a no-op once the hub
// has stopped.
func (h *Hub) Register(conn *Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Bind records that conn is streaming threadID.
func (h *Hub) Bind(conn *Conn, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unbindLocked(conn)
	conn.threadID = threadID
	if h.streams[threadID] == nil {
		h.streams[threadID] = make(map[string]bool)
	}
	h.streams[threadID][conn.ID] = true
}

func (h *Hub) unbindLocked(conn *Conn) {
	if conn.threadID == "" || h.streams[conn.threadID] == nil {
		return
	}
	delete(h.streams[conn.threadID], conn.ID)
	if len(h.streams[conn.threadID]) == 0 {
		delete(h.streams, conn.threadID)
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// StreamCount returns the number of threads with a live stream.
func (h *Hub) StreamCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// IsStreaming reports whether any connection is streaming threadID.
func (h *Hub) IsStreaming(threadID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids, ok := h.streams[threadID]
	return ok && len(ids) > 0
}

// CloseAll marks every connection closed and drops the socket.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.markClosed()
		_ = c.ws.Close()
	}
}
