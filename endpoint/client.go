package endpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/health"
	"github.com/c360/msglink/link"
	"github.com/c360/msglink/metric"
	"github.com/c360/msglink/pkg/retry"
	"github.com/c360/msglink/transport"
)

// Client dials a msglink server and supervises the resulting connection.
// With Redial enabled it re-establishes dropped connections with backoff;
// every attempt builds a fresh link, so no protocol state survives a
// reconnect.
type Client struct {
	config      ClientConfig
	newProtocol func() link.Protocol
	log         *slog.Logger
	metrics     *metric.Metrics

	mu        sync.RWMutex
	current   *transport.Supervisor
	running   bool
	startTime time.Time

	lifecycleMu sync.Mutex
	stop        context.CancelFunc
	done        chan struct{}
}

// NewClient creates a dialing endpoint. newProtocol is invoked once per
// connection attempt so each link gets its own handler state.
func NewClient(cfg ClientConfig, newProtocol func() link.Protocol) (*Client, error) {
	if newProtocol == nil {
		return nil, errors.WrapInvalid(errors.New("protocol factory must not be nil"),
			"Client", "NewClient", "validate config")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var coreMetrics *metric.Metrics
	if cfg.MetricsRegistry != nil {
		coreMetrics = cfg.MetricsRegistry.CoreMetrics()
	}

	return &Client{
		config:      cfg,
		newProtocol: newProtocol,
		log:         logger.With("component", "client", "url", cfg.URL),
		metrics:     coreMetrics,
	}, nil
}

// Initialize validates the configuration without touching the network
func (c *Client) Initialize() error {
	return c.config.Validate()
}

// Start dials the server and begins supervising the connection. Start
// returns once the first connection attempt has succeeded; the connection
// then runs in the background until Stop or a terminal failure.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	c.mu.Unlock()

	if err := c.config.Validate(); err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))

	sup, err := c.dial(ctx)
	if err != nil {
		stop()
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.current = sup
	c.running = true
	c.startTime = time.Now()
	c.stop = stop
	c.done = done
	c.mu.Unlock()

	go c.supervise(runCtx, sup, done)

	c.log.Info("msglink client connected")
	return nil
}

// Stop closes the active connection and halts the redial loop
func (c *Client) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return errors.ErrNotStarted
	}
	c.running = false
	stop := c.stop
	done := c.done
	current := c.current
	c.mu.Unlock()

	stop()
	if current != nil {
		current.Close()
	}

	select {
	case <-done:
		c.log.Info("msglink client stopped")
		return nil
	case <-time.After(timeout):
		return errors.Wrap(errors.New("timed out"), "Client", "Stop", "await connection end")
	}
}

// Link returns the active connection's link, or nil while disconnected
func (c *Client) Link() *link.Link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	return c.current.Link()
}

// WaitReady blocks until the active link has authenticated or the context
// ends. It is the client-side barrier tests and short-lived tools use
// before emitting or calling.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if lk := c.Link(); lk != nil && lk.State() == link.StateAuthenticated {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "Client", "WaitReady", "await authentication")
		case <-ticker.C:
		}
	}
}

// Health returns a point-in-time health snapshot
func (c *Client) Health() health.Status {
	c.mu.RLock()
	running := c.running
	current := c.current
	startTime := c.startTime
	c.mu.RUnlock()

	if !running {
		return health.NewUnhealthy("client", "not running")
	}

	linksActive := 0
	state := link.StateClosed
	if current != nil {
		state = current.Link().State()
		if state == link.StateAuthenticated {
			linksActive = 1
		}
	}

	status := health.NewHealthy("client", "link "+state.String())
	if state != link.StateAuthenticated {
		status = health.NewDegraded("client", "link "+state.String())
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:      time.Since(startTime),
		LinksActive: linksActive,
	})
}

// dial performs one WebSocket connection attempt and wraps it in a
// supervisor
func (c *Client) dial(ctx context.Context) (*transport.Supervisor, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "dial", "dial "+c.config.URL)
	}

	sup, err := transport.New(transport.Config{
		Conn:           transport.NewWSConn(conn),
		Role:           link.RoleClient,
		Protocol:       c.newProtocol(),
		RequestAppPong: c.config.RequestAppPong,
		PingInterval:   c.config.PingInterval,
		PongTimeout:    c.config.PongTimeout,
		Logger:         c.log,
		Metrics:        c.metrics,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sup, nil
}

// supervise runs the active connection and, when redial is enabled, keeps
// re-establishing it until the client stops
func (c *Client) supervise(ctx context.Context, sup *transport.Supervisor, done chan struct{}) {
	defer close(done)

	for {
		if err := sup.Run(ctx); err != nil {
			c.log.Warn("connection ended with error", "error", err)
		}

		c.mu.Lock()
		c.current = nil
		redial := c.running && c.config.Redial
		c.mu.Unlock()

		if !redial || ctx.Err() != nil {
			return
		}

		backoff := c.config.RedialBackoff
		if backoff == (retry.Config{}) {
			backoff = retry.Persistent()
		}

		next, err := retry.DoWithResult(ctx, backoff, func() (*transport.Supervisor, error) {
			c.log.Info("redialing msglink server")
			return c.dial(ctx)
		})
		if err != nil {
			c.log.Error("redial failed, giving up", "error", err)
			return
		}

		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			next.Close()
			return
		}
		c.current = next
		c.mu.Unlock()
		sup = next
	}
}
