package transport

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/msglink/errors"
)

// writeWait bounds how long a frame write may block before the connection
// is considered broken
const writeWait = 10 * time.Second

// WSConn adapts a gorilla/websocket connection to the Conn contract.
// Reads stay single-threaded (the supervisor's pump); writes from link
// callers are serialized by the write mutex.
type WSConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSConn wraps an upgraded or dialed websocket connection
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// ReadText blocks until the next text frame arrives. Binary frames are a
// contract violation and surface as an error.
func (c *WSConn) ReadText() ([]byte, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, errors.New("received non-text frame on msglink connection")
	}
	return data, nil
}

// WriteText sends one text frame
func (c *WSConn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a transport-level ping frame. Control frames may interleave
// with in-flight data writes.
func (c *WSConn) Ping(payload []byte) error {
	return c.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeWait))
}

// SetPongHandler registers the transport pong callback
func (c *WSConn) SetPongHandler(fn func(payload []byte)) {
	c.conn.SetPongHandler(func(appData string) error {
		fn([]byte(appData))
		return nil
	})
}

// Close performs the websocket closing handshake with the given code and
// reason, then releases the underlying socket
func (c *WSConn) Close(code uint16, reason string) error {
	message := websocket.FormatCloseMessage(int(code), reason)
	writeErr := c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
	closeErr := c.conn.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// Terminate drops the connection without a closing handshake
func (c *WSConn) Terminate() error {
	return c.conn.Close()
}

// IsNormalClose reports whether a read error represents an orderly
// connection end rather than a failure
func IsNormalClose(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
