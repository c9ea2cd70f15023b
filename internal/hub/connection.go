package hub

import (
	"sync"
	"time"

	"github.com/agentmesh/chatgateway/internal/streaming"
	"github.com/gorilla/websocket"
)

const writeDeadline = 10 * time.Second

// Connection is one live WebSocket: an authenticated user_id, a
// serialization lock around the socket (only one writer may be encoding
// onto it at a time), and a closed flag that turns further sends into
// no-ops once the socket is gone. It implements streaming.Subscriber so a
// Stream State can hand it frames directly.
type Connection struct {
	id     string
	userID string
	conn   *websocket.Conn

	writerLock sync.Mutex
	closed     bool
	closedMu   sync.Mutex
}

func newConnection(id, userID string, conn *websocket.Conn) *Connection {
	return &Connection{id: id, userID: userID, conn: conn}
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// Send acquires the writer lock in a scope that guarantees release on
// every exit path, including panic, and transmits one JSON frame.
func (c *Connection) Send(frame streaming.Frame) (err error) {
	c.closedMu.Lock()
	closed := c.closed
	c.closedMu.Unlock()
	if closed {
		return errConnectionClosed
	}

	c.writerLock.Lock()
	defer c.writerLock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = errConnectionClosed
		}
	}()

	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteJSON(frame)
}

// Ping writes a WebSocket control ping frame under the same writer lock
// Send uses, so a keepalive ping can never interleave with a JSON frame
// write onto the same socket.
func (c *Connection) Ping(deadline time.Duration) (err error) {
	c.closedMu.Lock()
	closed := c.closed
	c.closedMu.Unlock()
	if closed {
		return errConnectionClosed
	}

	c.writerLock.Lock()
	defer c.writerLock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = errConnectionClosed
		}
	}()

	c.conn.SetWriteDeadline(time.Now().Add(deadline))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *Connection) markClosed() {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()
}

var errConnectionClosed = connectionClosedError{}

type connectionClosedError struct{}

func (connectionClosedError) Error() string { return "connection closed" }
