// Package msglink is a bidirectional, symmetric RPC-and-event framework
// layered on top of WebSocket connections.
//
// Two peers — one acting as server (accepts connections) and one as client
// (dials connections) — negotiate a user-defined link schema during an
// application-level handshake, then exchange typed interactions over a single
// long-lived duplex channel:
//
//   - Events: fire-and-forget typed messages, subscribable by either side.
//   - Functions: request/response RPC with structured parameters, results and
//     errors, completing caller-held futures.
//   - Data subscriptions: reserved in the wire protocol for reactive values
//     pushed on change.
//
// # Architecture
//
// The module is split into focused packages, leaves first:
//
//   - errors: the classified error taxonomy shared by all layers
//   - wire: message records, the JSON codec boundary, close codes and the
//     protocol version
//   - schema: the per-link catalog of defined event/function names and
//     incoming-function handlers
//   - link: the per-connection state machine — handshake, transaction
//     registry, subscription tables, event fan-out and function dispatch
//   - transport: the transport contract, the gorilla/websocket adapter and
//     the connection supervisor (keepalive, error-to-close-code translation)
//   - endpoint: the server accept loop and the dialing client
//   - metric, health: operational visibility for endpoints
//   - bridge/natsbridge: republishes received link events onto NATS subjects
//
// # Defining a link
//
// A protocol is described by implementing link.Protocol:
//
//	type SensorProtocol struct{}
//
//	func (SensorProtocol) LinkVersion() uint32 { return 7 }
//
//	func (SensorProtocol) Define(d *link.Definition) {
//		d.Event("Temp", schema.DirectionBidirectional)
//		d.Function("Ping", schema.DirectionIncoming, pingHandler)
//	}
//
// Typed descriptors layer structured payloads on top of the raw API:
//
//	var TempEvent = link.EventDef[TempReading]{Name: "Temp", Direction: schema.DirectionBidirectional}
//
//	sub, err := link.Subscribe(lk, TempEvent, func(r TempReading) { ... })
//	err = link.Emit(lk, TempEvent, TempReading{Celsius: 21})
//
// Both sides of a connection use the same APIs; only the endpoint role
// (server or client) differs.
package msglink
