package channel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/shizue/internal/domain"
)

// Options configures keepalive and limits of a connection.
type Options struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// Conn is a websocket-backed Channel. A single writer goroutine owns the
// socket writes, so events are delivered in Send order.
type Conn struct {
	ID       string
	ws       *websocket.Conn
	send     chan []byte
	control  chan []byte
	closed   chan struct{}
	opts     Options
	hub      *Hub
	threadID string

	closeOnce sync.Once

	stateMu  sync.Mutex
	finished bool

	writeMu sync.Mutex
}

// Start launches the read and write pumps.
func (c *Conn) Start() {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	go c.writePump()
	go c.readPump()
}

// Control returns the first message received from the peer. Later messages
// are discarded; the protocol carries exactly one control message.
func (c *Conn) Control() <-chan []byte {
	return c.control
}

// Send implements Channel.
func (c *Conn) Send(event domain.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.finished || IsClosed(c) {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Closed implements Channel.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Finish stops accepting events. Queued events are written, followed by a
// normal close frame.
func (c *Conn) Finish() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.finished {
		c.finished = true
		close(c.send)
	}
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// readPump reads frames until the peer goes away.
func (c *Conn) readPump() {
	defer func() {
		c.markClosed()
		c.hub.Unregister(c)
		_ = c.ws.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	first := true
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("conn_id", c.ID).Warn("websocket read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		if first {
			first = false
			c.control <- message
		}
	}
}

// writePump writes queued events and keepalive pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.writeMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.WithError(err).WithField("conn_id", c.ID).Warn("failed to write message")
				c.markClosed()
				_ = c.ws.Close()
				return
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				c.markClosed()
				_ = c.ws.Close()
				return
			}

		case <-c.closed:
			return
		}
	}
}
