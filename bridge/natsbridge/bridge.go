// Package natsbridge republishes msglink events onto NATS subjects. It
// subscribes to a configured set of incoming events on one link and
// forwards every received payload to "<prefix>.<event>" — fire-and-forget,
// at-most-once, matching the event semantics of the protocol itself.
package natsbridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/link"
	"github.com/c360/msglink/metric"
)

// Publisher is the messaging surface the bridge needs. *nats.Conn
// satisfies it directly.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Config holds configuration for the bridge
type Config struct {
	// Link is the connection whose events are forwarded
	Link *link.Link
	// Publisher receives the forwarded payloads (normally a *nats.Conn)
	Publisher Publisher
	// SubjectPrefix prefixes every published subject, e.g. "msglink.events"
	SubjectPrefix string
	// Events lists the incoming event names to forward
	Events []string
	// Logger receives bridge diagnostics; nil means slog.Default()
	Logger *slog.Logger
	// MetricsRegistry enables Prometheus metrics when set
	MetricsRegistry *metric.MetricsRegistry
}

// Bridge forwards received link events to NATS
type Bridge struct {
	lk        *link.Link
	publisher Publisher
	prefix    string
	events    []string
	log       *slog.Logger

	registry *metric.MetricsRegistry
	counters *counters

	mu        sync.Mutex
	subs      []*link.Subscription
	running   bool
	startTime time.Time

	forwarded atomic.Int64
	dropped   atomic.Int64
}

// counters are the bridge's Prometheus metrics
type counters struct {
	forwarded *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

// New creates a bridge; Start attaches it to the link
func New(cfg Config) (*Bridge, error) {
	if cfg.Link == nil {
		return nil, errors.WrapInvalid(errors.New("link must not be nil"), "Bridge", "New", "validate config")
	}
	if cfg.Publisher == nil {
		return nil, errors.WrapInvalid(errors.New("publisher must not be nil"), "Bridge", "New", "validate config")
	}
	if cfg.SubjectPrefix == "" {
		return nil, errors.WrapInvalid(errors.New("subject prefix must not be empty"), "Bridge", "New", "validate config")
	}
	if len(cfg.Events) == 0 {
		return nil, errors.WrapInvalid(errors.New("at least one event is required"), "Bridge", "New", "validate config")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		lk:        cfg.Link,
		publisher: cfg.Publisher,
		prefix:    cfg.SubjectPrefix,
		events:    append([]string(nil), cfg.Events...),
		log:       logger.With("component", "natsbridge", "prefix", cfg.SubjectPrefix),
		registry:  cfg.MetricsRegistry,
	}

	if cfg.MetricsRegistry != nil {
		b.counters = &counters{
			forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "msglink",
				Subsystem: "natsbridge",
				Name:      "forwarded_total",
				Help:      "Events forwarded to NATS",
			}, []string{"event"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "msglink",
				Subsystem: "natsbridge",
				Name:      "dropped_total",
				Help:      "Events dropped because publishing failed",
			}, []string{"event"}),
		}
		if err := cfg.MetricsRegistry.Register("natsbridge", "forwarded", b.counters.forwarded); err != nil {
			return nil, err
		}
		if err := cfg.MetricsRegistry.Register("natsbridge", "dropped", b.counters.dropped); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Start subscribes the bridge to its configured events. Event names not
// defined as incoming on the link fail the start.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.ErrAlreadyStarted
	}

	for _, name := range b.events {
		event := name
		sub, err := b.lk.SubscribeRaw(event, func(data json.RawMessage) {
			b.forward(event, data)
		})
		if err != nil {
			b.cancelSubsLocked()
			return errors.Wrap(err, "Bridge", "Start", "subscribe "+event)
		}
		b.subs = append(b.subs, sub)
	}

	b.running = true
	b.startTime = time.Now()
	b.log.Info("bridge started", "events", b.events)
	return nil
}

// Stop cancels every bridge subscription
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return errors.ErrNotStarted
	}
	b.cancelSubsLocked()
	b.running = false
	b.log.Info("bridge stopped")
	return nil
}

// cancelSubsLocked cancels and forgets all subscriptions. Caller holds b.mu.
func (b *Bridge) cancelSubsLocked() {
	for _, sub := range b.subs {
		sub.Cancel()
	}
	b.subs = nil
}

// Forwarded returns the number of successfully published events
func (b *Bridge) Forwarded() int64 {
	return b.forwarded.Load()
}

// Dropped returns the number of events lost to publish failures
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

// Subject returns the NATS subject an event is published to
func (b *Bridge) Subject(event string) string {
	return b.prefix + "." + event
}

// forward publishes one event occurrence; failures are counted and logged,
// never retried
func (b *Bridge) forward(event string, data []byte) {
	subject := b.Subject(event)
	if err := b.publisher.Publish(subject, data); err != nil {
		b.dropped.Add(1)
		if b.counters != nil {
			b.counters.dropped.WithLabelValues(event).Inc()
		}
		b.log.Warn("failed to publish event", "subject", subject, "error", err)
		return
	}
	b.forwarded.Add(1)
	if b.counters != nil {
		b.counters.forwarded.WithLabelValues(event).Inc()
	}
}
