package endpoint

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/metric"
	"github.com/c360/msglink/pkg/retry"
	"github.com/c360/msglink/transport"
)

// ServerConfig holds configuration for a listening endpoint
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080"
	Addr string
	// Path is the HTTP path serving the msglink WebSocket endpoint
	Path string
	// PingInterval is the keepalive ping period per connection
	PingInterval time.Duration
	// PongTimeout is the per-connection pong deadline
	PongTimeout time.Duration
	// MaxConnections caps concurrently open connections (0 = unlimited)
	MaxConnections int
	// ConnectionRate limits accepted connections per second (0 = unlimited)
	ConnectionRate float64
	// ConnectionBurst is the rate limiter's burst allowance
	ConnectionBurst int
	// RequestAppPong asks peers for application-level pong replies
	RequestAppPong bool
	// Logger receives endpoint diagnostics; nil means slog.Default()
	Logger *slog.Logger
	// MetricsRegistry enables Prometheus metrics when set
	MetricsRegistry *metric.MetricsRegistry
}

// DefaultServerConfig returns sensible defaults for a listening endpoint
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		Path:            "/msglink",
		PingInterval:    transport.DefaultPingInterval,
		PongTimeout:     transport.DefaultPongTimeout,
		ConnectionBurst: 8,
	}
}

// Validate checks the configuration for usability
func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.New("listen address must not be empty"),
			"ServerConfig", "Validate", "check addr")
	}
	if c.Path == "" || c.Path[0] != '/' {
		return errors.WrapInvalid(fmt.Errorf("path %q must start with '/'", c.Path),
			"ServerConfig", "Validate", "check path")
	}
	if c.PingInterval < 0 || c.PongTimeout < 0 {
		return errors.WrapInvalid(errors.New("keepalive intervals must not be negative"),
			"ServerConfig", "Validate", "check keepalive")
	}
	if c.ConnectionRate < 0 {
		return errors.WrapInvalid(errors.New("connection rate must not be negative"),
			"ServerConfig", "Validate", "check rate limit")
	}
	return nil
}

// ClientConfig holds configuration for a dialing endpoint
type ClientConfig struct {
	// URL is the ws:// or wss:// endpoint to dial
	URL string
	// HandshakeTimeout bounds the WebSocket opening handshake
	HandshakeTimeout time.Duration
	// PingInterval is the keepalive ping period
	PingInterval time.Duration
	// PongTimeout is the pong deadline
	PongTimeout time.Duration
	// RequestAppPong asks the peer for application-level pong replies
	RequestAppPong bool
	// Redial re-establishes dropped connections with backoff. Each redial
	// builds a fresh link; no state survives the reconnect.
	Redial bool
	// RedialBackoff configures the reconnect backoff; the zero value means
	// retry.Persistent()
	RedialBackoff retry.Config
	// Logger receives endpoint diagnostics; nil means slog.Default()
	Logger *slog.Logger
	// MetricsRegistry enables Prometheus metrics when set
	MetricsRegistry *metric.MetricsRegistry
}

// DefaultClientConfig returns sensible defaults for a dialing endpoint
func DefaultClientConfig(rawURL string) ClientConfig {
	return ClientConfig{
		URL:              rawURL,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     transport.DefaultPingInterval,
		PongTimeout:      transport.DefaultPongTimeout,
		RedialBackoff:    retry.Persistent(),
	}
}

// Validate checks the configuration for usability
func (c *ClientConfig) Validate() error {
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(err, "ClientConfig", "Validate", "parse url")
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return errors.WrapInvalid(fmt.Errorf("url scheme %q is not ws or wss", parsed.Scheme),
			"ClientConfig", "Validate", "check url scheme")
	}
	if parsed.Host == "" {
		return errors.WrapInvalid(errors.New("url host must not be empty"),
			"ClientConfig", "Validate", "check url host")
	}
	return nil
}

// serverFileConfig is the YAML shape of a server configuration. Durations
// are strings in Go syntax ("1s", "500ms").
type serverFileConfig struct {
	Addr            string  `yaml:"addr"`
	Path            string  `yaml:"path"`
	PingInterval    string  `yaml:"ping_interval"`
	PongTimeout     string  `yaml:"pong_timeout"`
	MaxConnections  int     `yaml:"max_connections"`
	ConnectionRate  float64 `yaml:"connection_rate"`
	ConnectionBurst int     `yaml:"connection_burst"`
	RequestAppPong  bool    `yaml:"request_app_pong"`
}

// clientFileConfig is the YAML shape of a client configuration
type clientFileConfig struct {
	URL              string `yaml:"url"`
	HandshakeTimeout string `yaml:"handshake_timeout"`
	PingInterval     string `yaml:"ping_interval"`
	PongTimeout      string `yaml:"pong_timeout"`
	RequestAppPong   bool   `yaml:"request_app_pong"`
	Redial           bool   `yaml:"redial"`
}

// LoadServerConfig reads a server configuration from a YAML file, filling
// unset fields with defaults
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "endpoint", "LoadServerConfig", "read config file")
	}

	var file serverFileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, errors.WrapInvalid(err, "endpoint", "LoadServerConfig", "parse yaml")
	}

	if file.Addr != "" {
		cfg.Addr = file.Addr
	}
	if file.Path != "" {
		cfg.Path = file.Path
	}
	if err := applyDuration(&cfg.PingInterval, file.PingInterval); err != nil {
		return cfg, errors.WrapInvalid(err, "endpoint", "LoadServerConfig", "parse ping_interval")
	}
	if err := applyDuration(&cfg.PongTimeout, file.PongTimeout); err != nil {
		return cfg, errors.WrapInvalid(err, "endpoint", "LoadServerConfig", "parse pong_timeout")
	}
	if file.MaxConnections != 0 {
		cfg.MaxConnections = file.MaxConnections
	}
	if file.ConnectionRate != 0 {
		cfg.ConnectionRate = file.ConnectionRate
	}
	if file.ConnectionBurst != 0 {
		cfg.ConnectionBurst = file.ConnectionBurst
	}
	cfg.RequestAppPong = file.RequestAppPong

	return cfg, cfg.Validate()
}

// LoadClientConfig reads a client configuration from a YAML file, filling
// unset fields with defaults
func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "endpoint", "LoadClientConfig", "read config file")
	}

	var file clientFileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, errors.WrapInvalid(err, "endpoint", "LoadClientConfig", "parse yaml")
	}

	cfg = DefaultClientConfig(file.URL)
	if err := applyDuration(&cfg.HandshakeTimeout, file.HandshakeTimeout); err != nil {
		return cfg, errors.WrapInvalid(err, "endpoint", "LoadClientConfig", "parse handshake_timeout")
	}
	if err := applyDuration(&cfg.PingInterval, file.PingInterval); err != nil {
		return cfg, errors.WrapInvalid(err, "endpoint", "LoadClientConfig", "parse ping_interval")
	}
	if err := applyDuration(&cfg.PongTimeout, file.PongTimeout); err != nil {
		return cfg, errors.WrapInvalid(err, "endpoint", "LoadClientConfig", "parse pong_timeout")
	}
	cfg.RequestAppPong = file.RequestAppPong
	cfg.Redial = file.Redial

	return cfg, cfg.Validate()
}

// applyDuration parses a non-empty Go duration string into dst
func applyDuration(dst *time.Duration, value string) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}
