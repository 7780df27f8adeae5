package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer stays considered alive.
	pongWait = 60 * time.Second
	// pingPeriod must be under pongWait so pings keep the deadline fresh.
	pingPeriod = (pongWait * 9) / 10

	// sendQueueSize is in frames; the back-pressure policy works on bytes
	// via BufferedBytes, this only caps the scheduling burst.
	sendQueueSize = 4096
)

// ErrClientClosed reports a send to a connection that is already gone.
var ErrClientClosed = errors.New("client connection closed")

// Client is one WebSocket connection. All writes funnel through the send
// queue into a single writer goroutine; the queued byte count feeds the
// media pumps' drop policy.
type Client struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	send     chan outFrame
	buffered atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

type outFrame struct {
	messageType int
	data        []byte
}

func newClient(id string, conn *websocket.Conn, log *slog.Logger) *Client {
	return &Client{
		id:   id,
		conn: conn,
		log:  log,
		send: make(chan outFrame, sendQueueSize),
		done: make(chan struct{}),
	}
}

// ID returns the server-generated connection id.
func (c *Client) ID() string {
	return c.id
}

// SendJSON queues a JSON message for the client. Ordering against binary
// frames queued from the same goroutine is preserved.
func (c *Client) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal client message")
	}
	return c.enqueue(outFrame{messageType: websocket.TextMessage, data: data})
}

// SendBinary queues one binary envelope.
func (c *Client) SendBinary(frame []byte) error {
	return c.enqueue(outFrame{messageType: websocket.BinaryMessage, data: frame})
}

// BufferedBytes reports how much payload is queued but not yet written.
// The media pumps consult it before emitting droppable frames.
func (c *Client) BufferedBytes() int {
	return int(c.buffered.Load())
}

func (c *Client) enqueue(f outFrame) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	c.buffered.Add(int64(len(f.data)))
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		c.buffered.Add(-int64(len(f.data)))
		return ErrClientClosed
	}
}

// close makes every pending and future send fail fast and closes the
// socket.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump is the connection's only writer. It drains the send queue and
// keeps the peer alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(f.messageType, f.data)
			c.buffered.Add(-int64(len(f.data)))
			if err != nil {
				c.log.Debug("client write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
