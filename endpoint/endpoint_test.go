package endpoint

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/link"
	"github.com/c360/msglink/metric"
	"github.com/c360/msglink/schema"
)

// sensorProtocol is the shared protocol of these tests: a bidirectional
// Temp event and a Ping function implemented by both sides
type sensorProtocol struct{}

func (sensorProtocol) LinkVersion() uint32 { return 3 }
func (sensorProtocol) Define(d *link.Definition) {
	d.Event("Temp", schema.DirectionBidirectional)
	d.Function("Ping", schema.DirectionBidirectional,
		func(params json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Seq int `json:"seq"`
			}
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, err
			}
			out, _ := json.Marshal(map[string]int{"pong": in.Seq})
			return out, nil
		})
}

func newProtocol() link.Protocol { return sensorProtocol{} }

// startTestServer runs a server on a loopback port
func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PongTimeout = 2 * time.Second

	server, err := NewServer(cfg, newProtocol)
	require.NoError(t, err)
	require.NoError(t, server.Initialize())
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop(5 * time.Second) })
	return server
}

// startTestClient dials the server and waits for authentication
func startTestClient(t *testing.T, server *Server) *Client {
	t.Helper()
	cfg := DefaultClientConfig(server.URL())
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PongTimeout = 2 * time.Second

	client, err := NewClient(cfg, newProtocol)
	require.NoError(t, err)
	require.NoError(t, client.Initialize())
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(5 * time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitReady(ctx))
	return client
}

// serverLink waits for the server side of the single test connection
func serverLink(t *testing.T, server *Server) *link.Link {
	t.Helper()
	var lk *link.Link
	require.Eventually(t, func() bool {
		sups := server.Supervisors()
		if len(sups) != 1 {
			return false
		}
		lk = sups[0].Link()
		return lk.State() == link.StateAuthenticated
	}, 5*time.Second, 5*time.Millisecond)
	return lk
}

func TestEndToEnd_HandshakeAndHealth(t *testing.T) {
	server := startTestServer(t)
	client := startTestClient(t, server)

	assert.Equal(t, 1, server.ConnectionCount())
	assert.True(t, server.Health().IsHealthy())
	assert.True(t, client.Health().IsHealthy())

	lk := serverLink(t, server)
	assert.Equal(t, link.RoleServer, lk.Role())
	assert.Equal(t, link.RoleClient, client.Link().Role())
}

func TestEndToEnd_EventFlow(t *testing.T) {
	server := startTestServer(t)
	client := startTestClient(t, server)
	serverLk := serverLink(t, server)

	received := make(chan string, 4)
	sub, err := client.Link().SubscribeRaw("Temp", func(data json.RawMessage) {
		received <- string(data)
	})
	require.NoError(t, err)
	defer sub.Cancel()

	// the subscription propagates to the server's active set
	require.Eventually(t, func() bool {
		return len(serverLk.ActiveOutgoingEvents()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, serverLk.EmitRaw("Temp", json.RawMessage(`{"c":21}`)))

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"c":21}`, payload)
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestEndToEnd_FunctionCall(t *testing.T) {
	server := startTestServer(t)
	client := startTestClient(t, server)
	serverLk := serverLink(t, server)

	// client calls the server
	pc, err := client.Link().CallRaw("Ping", json.RawMessage(`{"seq":41}`))
	require.NoError(t, err)
	results, err := pc.Await(t.Context())
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":41}`, string(results))

	// and symmetrically, the server calls the client
	pc, err = serverLk.CallRaw("Ping", json.RawMessage(`{"seq":7}`))
	require.NoError(t, err)
	results, err = pc.Await(t.Context())
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":7}`, string(results))
}

func TestEndToEnd_TypedAPI(t *testing.T) {
	server := startTestServer(t)
	client := startTestClient(t, server)
	serverLk := serverLink(t, server)

	type tempReading struct {
		Celsius float64 `json:"c"`
	}
	tempEvent := link.EventDef[tempReading]{Name: "Temp", Direction: schema.DirectionBidirectional}

	var mu sync.Mutex
	var readings []tempReading
	sub, err := link.Subscribe(client.Link(), tempEvent, func(r tempReading) {
		mu.Lock()
		readings = append(readings, r)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Cancel()

	require.Eventually(t, func() bool {
		return len(serverLk.ActiveOutgoingEvents()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, link.Emit(serverLk, tempEvent, tempReading{Celsius: 18.5}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(readings) == 1 && readings[0].Celsius == 18.5
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEndToEnd_VersionMismatchRejected(t *testing.T) {
	server := startTestServer(t)

	cfg := DefaultClientConfig(server.URL())
	client, err := NewClient(cfg, func() link.Protocol {
		return mismatchProtocol{}
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(5 * time.Second) })

	// the handshake must fail and the connection close; the client link
	// never reaches authenticated
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err = client.WaitReady(ctx)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return server.ConnectionCount() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

// mismatchProtocol differs from sensorProtocol only in its link version
type mismatchProtocol struct{ sensorProtocol }

func (mismatchProtocol) LinkVersion() uint32 { return 4 }

func TestEndToEnd_MetricsGathered(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	cfg := DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.MetricsRegistry = registry

	server, err := NewServer(cfg, newProtocol)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop(5 * time.Second) })

	client := startTestClient(t, server)
	_ = client

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, family := range families {
		if len(family.GetMetric()) > 0 {
			if g := family.GetMetric()[0].GetGauge(); g != nil {
				values[family.GetName()] = g.GetValue()
			}
			if c := family.GetMetric()[0].GetCounter(); c != nil {
				values[family.GetName()] = c.GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), values["msglink_link_active"])
	assert.GreaterOrEqual(t, values["msglink_link_connections_total"], float64(1))
}

func TestServer_LifecycleErrors(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	server, err := NewServer(cfg, newProtocol)
	require.NoError(t, err)

	assert.ErrorIs(t, server.Stop(time.Second), errors.ErrNotStarted)

	require.NoError(t, server.Start(context.Background()))
	assert.ErrorIs(t, server.Start(context.Background()), errors.ErrAlreadyStarted)
	require.NoError(t, server.Stop(5*time.Second))
}

func TestServer_ConnectionLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.MaxConnections = 1

	server, err := NewServer(cfg, newProtocol)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop(5 * time.Second) })

	startTestClient(t, server)

	// the second connection is refused at the HTTP layer
	second, err := NewClient(DefaultClientConfig(server.URL()), newProtocol)
	require.NoError(t, err)
	err = second.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, server.ConnectionCount())
}

func TestClient_RedialReconnects(t *testing.T) {
	server := startTestServer(t)

	cfg := DefaultClientConfig(server.URL())
	cfg.Redial = true
	cfg.RedialBackoff.InitialDelay = 10 * time.Millisecond
	cfg.RedialBackoff.MaxAttempts = 20

	client, err := NewClient(cfg, newProtocol)
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(5 * time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitReady(ctx))
	firstLink := client.Link()

	// drop the connection from the server side; the client must come back
	// with a fresh link
	for _, sup := range server.Supervisors() {
		sup.Close()
	}

	require.Eventually(t, func() bool {
		lk := client.Link()
		return lk != nil && lk != firstLink && lk.State() == link.StateAuthenticated
	}, 5*time.Second, 10*time.Millisecond)
}
