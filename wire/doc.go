// Package wire defines the msglink wire vocabulary: the typed message
// records exchanged between peers, the JSON codec boundary that converts
// them to and from WebSocket text frames, the protocol version triple, and
// the WebSocket close codes reserved by the protocol.
//
// Every wire message is one JSON object with a mandatory "type"
// discriminator and, except for pong, a mandatory "tid" transaction id.
// Decode reads the envelope first and then the concrete record, so malformed
// payloads surface as classified malformed-message errors and unknown type
// strings as protocol errors.
package wire
