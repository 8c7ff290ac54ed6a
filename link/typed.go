package link

import (
	"context"
	"encoding/json"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/schema"
)

// EventDef describes a typed event: its stable wire name, its direction and
// the Go type of its payload. Definitions are plain values shared by both
// the Define callback and the runtime helpers.
type EventDef[T any] struct {
	Name      string
	Direction schema.Direction
}

// Define declares the event on a Definition
func (e EventDef[T]) Define(d *Definition) {
	d.Event(e.Name, e.Direction)
}

// FuncDef describes a typed function: its stable wire name, its direction,
// and the Go types of its parameters and results
type FuncDef[P, R any] struct {
	Name      string
	Direction schema.Direction
}

// Define declares the function on a Definition with a typed handler.
// Outgoing-only functions pass a nil handler.
func (f FuncDef[P, R]) Define(d *Definition, handler func(P) (R, error)) {
	if handler == nil {
		d.Function(f.Name, f.Direction, nil)
		return
	}
	d.Function(f.Name, f.Direction, HandlerFor(handler))
}

// HandlerFor adapts a typed function handler to the encoded handler
// signature stored in the catalog. Parameters that fail to decode are
// reported back to the caller as a function error.
func HandlerFor[P, R any](fn func(P) (R, error)) schema.FunctionHandler {
	return func(params json.RawMessage) (json.RawMessage, error) {
		var p P
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errors.Wrap(err, "link", "HandlerFor", "decode parameters")
		}
		result, err := fn(p)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return nil, errors.Wrap(err, "link", "HandlerFor", "encode results")
		}
		return encoded, nil
	}
}

// Emit encodes a typed payload and emits it under the definition's name
func Emit[T any](l *Link, def EventDef[T], payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "link", "Emit", "encode "+def.Name+" payload")
	}
	return l.EmitRaw(def.Name, data)
}

// Subscribe registers a typed listener for an event. Payloads that fail to
// decode are logged and skipped; the listener only sees well-formed values.
func Subscribe[T any](l *Link, def EventDef[T], fn func(T)) (*Subscription, error) {
	return l.SubscribeRaw(def.Name, func(data json.RawMessage) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			l.log.Warn("failed to decode event payload", "event", def.Name, "error", err)
			return
		}
		fn(payload)
	})
}

// Future is the typed view of a pending function call
type Future[R any] struct {
	pc *PendingCall
}

// Done returns a channel that is closed when the call has completed
func (f *Future[R]) Done() <-chan struct{} {
	return f.pc.Done()
}

// Await blocks until the call completes or the context ends, decoding the
// results into R. A result document that does not decode into R surfaces as
// a malformed-message error.
func (f *Future[R]) Await(ctx context.Context) (R, error) {
	var result R
	raw, err := f.pc.Await(ctx)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, errors.MalformedMessage(err, "function %s results do not match the expected shape", f.pc.Name())
	}
	return result, nil
}

// CallAsync initiates a typed function call and returns its future. The
// future must be awaited off the connection's I/O goroutine.
func CallAsync[P, R any](l *Link, def FuncDef[P, R], params P) (*Future[R], error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "link", "CallAsync", "encode "+def.Name+" parameters")
	}
	pc, err := l.CallRaw(def.Name, encoded)
	if err != nil {
		return nil, err
	}
	return &Future[R]{pc: pc}, nil
}

// Call initiates a typed function call and awaits its result
func Call[P, R any](ctx context.Context, l *Link, def FuncDef[P, R], params P) (R, error) {
	future, err := CallAsync(l, def, params)
	if err != nil {
		var zero R
		return zero, err
	}
	return future.Await(ctx)
}
