// Package endpoint provides the two msglink connection roles: the Server
// that accepts WebSocket connections and supervises one link per
// connection, and the Client that dials a server and optionally redials
// dropped connections with backoff.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/health"
	"github.com/c360/msglink/link"
	"github.com/c360/msglink/metric"
	"github.com/c360/msglink/transport"
)

// Server accepts msglink connections and runs a connection supervisor for
// each. Every accepted connection gets a fresh link built from a fresh
// Protocol instance.
type Server struct {
	config      ServerConfig
	newProtocol func() link.Protocol
	log         *slog.Logger
	metrics     *metric.Metrics

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	limiter    *rate.Limiter

	mu          sync.RWMutex
	supervisors map[string]*transport.Supervisor
	running     bool
	startTime   time.Time

	lifecycleMu sync.Mutex
	group       *errgroup.Group
	groupCtx    context.Context
	stop        context.CancelFunc

	errorCount atomic.Int64
}

// NewServer creates a listening endpoint. newProtocol is invoked once per
// accepted connection so each link gets its own handler state.
func NewServer(cfg ServerConfig, newProtocol func() link.Protocol) (*Server, error) {
	if newProtocol == nil {
		return nil, errors.WrapInvalid(errors.New("protocol factory must not be nil"),
			"Server", "NewServer", "validate config")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var coreMetrics *metric.Metrics
	if cfg.MetricsRegistry != nil {
		coreMetrics = cfg.MetricsRegistry.CoreMetrics()
	}

	s := &Server{
		config:      cfg,
		newProtocol: newProtocol,
		log:         logger.With("component", "server", "addr", cfg.Addr),
		metrics:     coreMetrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		supervisors: make(map[string]*transport.Supervisor),
	}
	if cfg.ConnectionRate > 0 {
		burst := cfg.ConnectionBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectionRate), burst)
	}
	return s, nil
}

// Initialize validates the configuration without touching the network
func (s *Server) Initialize() error {
	return s.config.Validate()
}

// Start binds the listen address and begins accepting connections
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	s.mu.Unlock()

	if err := s.config.Validate(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.Wrap(err, "Server", "Start", "listen on "+s.config.Addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)

	groupCtx, stop := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}
	s.group = group
	s.groupCtx = groupCtx
	s.stop = stop
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	group.Go(func() error {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "Server", "Start", "serve")
		}
		return nil
	})

	s.log.Info("msglink server started", "path", s.config.Path)
	return nil
}

// Stop shuts the server down: the listener closes, every open connection
// is closed with the closed-by-user code, and supervisors are awaited up
// to the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.ErrNotStarted
	}
	s.running = false
	httpServer := s.httpServer
	stop := s.stop
	group := s.group
	supervisors := make([]*transport.Supervisor, 0, len(s.supervisors))
	for _, sup := range s.supervisors {
		supervisors = append(supervisors, sup)
	}
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http server shutdown incomplete", "error", err)
	}

	for _, sup := range supervisors {
		sup.Close()
	}
	stop()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		s.log.Info("msglink server stopped")
		return err
	case <-shutdownCtx.Done():
		return errors.Wrap(shutdownCtx.Err(), "Server", "Stop", "await connections")
	}
}

// Addr returns the bound listen address, usable once Start has returned
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL returns the ws:// URL clients should dial
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	return fmt.Sprintf("ws://%s%s", addr, s.config.Path)
}

// ConnectionCount returns the number of currently supervised connections
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.supervisors)
}

// Supervisors returns a snapshot of the open connections' supervisors
func (s *Server) Supervisors() []*transport.Supervisor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	supervisors := make([]*transport.Supervisor, 0, len(s.supervisors))
	for _, sup := range s.supervisors {
		supervisors = append(supervisors, sup)
	}
	return supervisors
}

// Health returns a point-in-time health snapshot
func (s *Server) Health() health.Status {
	s.mu.RLock()
	running := s.running
	connections := len(s.supervisors)
	startTime := s.startTime
	s.mu.RUnlock()

	if !running {
		return health.NewUnhealthy("server", "not running")
	}
	return health.NewHealthy("server", "accepting connections").WithMetrics(&health.Metrics{
		Uptime:      time.Since(startTime),
		ErrorCount:  int(s.errorCount.Load()),
		LinksActive: connections,
	})
}

// handleWebSocket admits, upgrades and supervises one connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.errorCount.Add(1)
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	s.mu.RLock()
	running := s.running
	atCapacity := s.config.MaxConnections > 0 && len(s.supervisors) >= s.config.MaxConnections
	s.mu.RUnlock()
	if !running {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if atCapacity {
		s.errorCount.Add(1)
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errorCount.Add(1)
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sup, err := transport.New(transport.Config{
		Conn:           transport.NewWSConn(conn),
		Role:           link.RoleServer,
		Protocol:       s.newProtocol(),
		RequestAppPong: s.config.RequestAppPong,
		PingInterval:   s.config.PingInterval,
		PongTimeout:    s.config.PongTimeout,
		Logger:         s.log,
		Metrics:        s.metrics,
	})
	if err != nil {
		s.errorCount.Add(1)
		s.log.Error("failed to create supervisor", "error", err)
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.supervisors[sup.ID()] = sup
	s.mu.Unlock()
	s.log.Debug("connection accepted", "connection_id", sup.ID(), "remote", r.RemoteAddr)

	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.supervisors, sup.ID())
			s.mu.Unlock()
		}()
		if err := sup.Run(s.groupCtx); err != nil {
			s.errorCount.Add(1)
			s.log.Warn("connection ended with error", "connection_id", sup.ID(), "error", err)
		}
		return nil
	})
}
