package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"booking-chat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Socket is the part of *websocket.Conn the chat core relies on.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one live chat socket and its metadata.
type Connection struct {
	ID          string
	Username    string
	ConnectedAt time.Time

	// role is guarded by the owning Registry's lock.
	role models.Role

	socket  Socket
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *Connection) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.socket.WriteMessage(websocket.TextMessage, payload)
}

// close releases the socket once; later writes become ErrConnectionClosed.
func (c *Connection) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.socket.Close()
}
