package transport

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/link"
	"github.com/c360/msglink/metric"
	"github.com/c360/msglink/wire"
)

const (
	// DefaultPingInterval is the keepalive ping period
	DefaultPingInterval = 1000 * time.Millisecond
	// DefaultPongTimeout is how long a pong may take before the connection
	// is considered dead
	DefaultPongTimeout = 3000 * time.Millisecond
)

// Config carries everything needed to supervise one connection
type Config struct {
	// ID identifies the connection in logs and health output; empty means a
	// generated uuid
	ID string
	// Conn is the underlying duplex channel
	Conn Conn
	// Role selects the link's transaction id series
	Role link.Role
	// Protocol is the user-defined link definition
	Protocol link.Protocol
	// RequestAppPong asks the peer for application-level pong replies
	RequestAppPong bool
	// PingInterval overrides the keepalive ping period
	PingInterval time.Duration
	// PongTimeout overrides the pong deadline
	PongTimeout time.Duration
	// Logger receives supervisor diagnostics; nil means slog.Default()
	Logger *slog.Logger
	// Metrics receives core link metrics; nil disables them
	Metrics *metric.Metrics
}

// Supervisor bridges one transport connection to one link. It owns both:
// it runs the read pump, the keepalive timer, and the translation of
// link-raised errors into WebSocket close codes, and it destroys the link
// when the connection ends.
type Supervisor struct {
	id      string
	conn    Conn
	lk      *link.Link
	log     *slog.Logger
	metrics *metric.Metrics

	pingInterval time.Duration
	pongTimeout  time.Duration

	// cancelled is the set-once cancel-communication flag: after it is set
	// the supervisor drops outbound messages and stops the keepalive timer
	cancelled atomic.Bool

	timerMu   sync.Mutex
	pingTimer *time.Timer
	pongTimer *time.Timer

	done chan struct{}
}

// New creates a supervisor and its link for an established connection. The
// connection does not start exchanging messages until Run is called.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Conn == nil {
		return nil, errors.WrapInvalid(errors.New("conn must not be nil"), "Supervisor", "New", "validate config")
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		id:           id,
		conn:         cfg.Conn,
		log:          logger.With("component", "supervisor", "connection_id", id),
		metrics:      cfg.Metrics,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		done:         make(chan struct{}),
	}
	if s.pingInterval <= 0 {
		s.pingInterval = DefaultPingInterval
	}
	if s.pongTimeout <= 0 {
		s.pongTimeout = DefaultPongTimeout
	}

	lk, err := link.New(link.Config{
		Role:           cfg.Role,
		Protocol:       cfg.Protocol,
		Sender:         s,
		RequestAppPong: cfg.RequestAppPong,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	s.lk = lk

	return s, nil
}

// ID returns the connection identifier
func (s *Supervisor) ID() string {
	return s.id
}

// Link returns the supervised link
func (s *Supervisor) Link() *link.Link {
	return s.lk
}

// Done returns a channel closed when the connection has fully ended
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// SendMessage implements link.Sender: it encodes and transmits one
// message. After communication has been cancelled, messages are silently
// dropped so nothing is written during the closing handshake.
func (s *Supervisor) SendMessage(msg wire.Message) error {
	if s.cancelled.Load() {
		return nil
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.conn.WriteText(data); err != nil {
		return errors.UnexpectedIO(err)
	}
	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues(msg.MsgType()).Inc()
	}
	return nil
}

// Run drives the connection until it ends: it opens the handshake, pumps
// inbound frames into the link, and keeps the peer alive with pings. The
// link is torn down before Run returns. Run returns nil when the connection
// ends after a close started by the supervisor (including closes for fatal
// link errors), after the caller's context ends, or on a normal close by the
// peer; it returns the error when opening the handshake or reading fails.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.shutdown()

	if s.metrics != nil {
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.LinksActive.Inc()
		defer s.metrics.LinksActive.Dec()
	}

	s.conn.SetPongHandler(s.onPong)

	// close the connection when the caller's context ends
	stopWatch := context.AfterFunc(ctx, func() {
		s.Close()
	})
	defer stopWatch()

	if err := s.lk.OnConnectionEstablished(); err != nil {
		s.failConnection(err)
		return err
	}

	s.schedulePing()

	for {
		data, err := s.conn.ReadText()
		if err != nil {
			if s.cancelled.Load() || ctx.Err() != nil || IsNormalClose(err) {
				s.log.Debug("connection ended", "error", err)
				return nil
			}
			s.log.Warn("connection read failed", "error", err)
			s.closeWithCode(wire.CodeUndefinedLinkError, wire.CodeUndefinedLinkError.Name())
			return errors.UnexpectedIO(err)
		}

		if s.metrics != nil {
			s.metrics.MessagesReceived.Inc()
		}

		if err := s.lk.OnMessage(data); err != nil {
			s.handleLinkError(err)
		}
	}
}

// handleLinkError applies the error policy: invalid-transaction errors are
// stray messages tolerated with a warning; every other link-raised kind is
// fatal and closes the connection with its translated close code.
func (s *Supervisor) handleLinkError(err error) {
	kind := errors.KindOf(err)
	if s.metrics != nil {
		s.metrics.LinkErrors.WithLabelValues(kind.String()).Inc()
	}

	if kind == errors.KindInvalidTransaction {
		s.log.Warn("ignoring message for unknown transaction", "error", err)
		return
	}

	code := translateCloseCode(err)
	if s.metrics != nil && kind == errors.KindIncompatibleLink {
		s.metrics.HandshakeFailed.WithLabelValues(strconv.Itoa(int(code))).Inc()
	}

	s.log.Error("link error, closing connection", "error", err, "close_code", uint16(code))
	s.closeWithCode(code, code.Name())
}

// translateCloseCode maps a link-raised error to the close code reported to
// the peer
func translateCloseCode(err error) wire.CloseCode {
	switch errors.KindOf(err) {
	case errors.KindMalformedMessage:
		return wire.CodeMalformedMessage
	case errors.KindProtocolError:
		return wire.CodeProtocolError
	case errors.KindIncompatibleLink:
		var le *errors.LinkError
		if errors.As(err, &le) && le.CloseCode != 0 {
			return wire.CloseCode(le.CloseCode)
		}
		return wire.CodeProtocolError
	default:
		return wire.CodeUndefinedLinkError
	}
}

// failConnection closes the connection for an error raised outside the read
// loop (e.g. while opening the handshake)
func (s *Supervisor) failConnection(err error) {
	s.log.Error("connection failed", "error", err)
	s.closeWithCode(translateCloseCode(err), "connection failed")
}

// Close initiates a user-requested orderly shutdown
func (s *Supervisor) Close() {
	s.closeWithCode(wire.CodeClosedByUser, wire.CodeClosedByUser.Name())
}

// closeWithCode cancels communication and starts the closing handshake.
// Only the first close attempt reaches the wire.
func (s *Supervisor) closeWithCode(code wire.CloseCode, reason string) {
	if !s.cancelComm() {
		return
	}
	s.lk.BeginClose()
	if err := s.conn.Close(uint16(code), reason); err != nil {
		s.log.Debug("close handshake failed", "error", err)
	}
}

// cancelComm sets the cancel-communication flag and stops the keepalive
// timers. Returns false when the flag was already set.
func (s *Supervisor) cancelComm() bool {
	if !s.cancelled.CompareAndSwap(false, true) {
		return false
	}
	s.timerMu.Lock()
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
	s.timerMu.Unlock()
	return true
}

// shutdown finishes the connection: communication is cancelled and the
// link torn down so all pending futures fail and subscriptions die
func (s *Supervisor) shutdown() {
	s.cancelComm()
	s.lk.Teardown()
}

// schedulePing arms the keepalive timer for one ping
func (s *Supervisor) schedulePing() {
	if s.cancelled.Load() {
		return
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.pingTimer = time.AfterFunc(s.pingInterval, s.firePing)
}

// firePing sends a transport ping and arms the pong deadline
func (s *Supervisor) firePing() {
	if s.cancelled.Load() {
		return
	}
	if err := s.conn.Ping(nil); err != nil {
		s.log.Debug("ping failed", "error", err)
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.pongTimer = time.AfterFunc(s.pongTimeout, s.onPongTimeout)
}

// onPong handles a transport pong: the pong deadline is disarmed, the link
// may answer with an application-level pong message, and the next ping is
// scheduled
func (s *Supervisor) onPong(_ []byte) {
	s.timerMu.Lock()
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	s.timerMu.Unlock()

	s.lk.OnPongReceived()
	s.schedulePing()
}

// onPongTimeout terminates a connection whose peer stopped answering
// pings. This is a forced close, not a closing handshake.
func (s *Supervisor) onPongTimeout() {
	if !s.cancelComm() {
		return
	}
	if s.metrics != nil {
		s.metrics.PongTimeouts.Inc()
	}
	s.log.Warn("pong timeout, terminating connection")
	s.lk.BeginClose()
	if err := s.conn.Terminate(); err != nil {
		s.log.Debug("terminate failed", "error", err)
	}
}
