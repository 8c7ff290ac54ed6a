// Package transport bridges raw WebSocket connections to msglink links. It
// defines the minimal duplex-connection contract the protocol needs, an
// adapter for gorilla/websocket connections, and the connection supervisor
// that owns one link per connection: it pumps inbound frames, runs the
// keepalive timer, and translates link-raised errors into close codes.
package transport

// Conn is a text-frame-preserving duplex channel. The supervisor is the
// only reader; writes may come from any goroutine, so implementations must
// serialize them.
type Conn interface {
	// ReadText blocks until the next text frame arrives
	ReadText() ([]byte, error)

	// WriteText sends one text frame
	WriteText(data []byte) error

	// Ping sends a transport-level ping carrying the payload
	Ping(payload []byte) error

	// SetPongHandler registers the callback invoked when a transport-level
	// pong arrives. Must be called before the first ReadText.
	SetPongHandler(fn func(payload []byte))

	// Close performs the closing handshake with a code and reason
	Close(code uint16, reason string) error

	// Terminate drops the connection without a closing handshake
	Terminate() error
}
