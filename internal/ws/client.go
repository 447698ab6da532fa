package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one tracked WebSocket connection. All data writes go through the
// send channel into writePump; ping frames use WriteControl, which gorilla
// allows concurrently with the write pump.
type Client struct {
	ID       string
	Identity Identity

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// isAlive is flipped false by the heartbeat sweep and true by the
	// peer's pong. Two missed sweeps mean a dead connection.
	isAlive  atomic.Bool
	lastPong atomic.Int64 // unix millis

	done chan struct{}
	once sync.Once
}

// trySend queues data without blocking. False means the queue is full.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return true // already terminating; not an overflow
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Terminate force-closes the connection and removes the client from the hub.
// There is no graceful close handshake: dead peers never ack the close frame
// and would leak the socket.
func (c *Client) Terminate() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.hub.remove(c)
	})
}

// ping sends a ping control frame. Safe to call off the write pump.
func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// writePump is the only goroutine writing data frames to the connection.
func (c *Client) writePump() {
	defer c.Terminate()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.log.Warn("write failed", "id", c.ID, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump drains the connection so control frames are processed. Client
// messages carry no meaning on this channel and are discarded.
func (c *Client) readPump() {
	defer c.Terminate()

	c.conn.SetReadLimit(maxReadSize)
	c.conn.SetPongHandler(func(string) error {
		c.isAlive.Store(true)
		c.lastPong.Store(time.Now().UnixMilli())
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("read error", "id", c.ID, "error", err)
			}
			return
		}
	}
}
