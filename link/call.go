package link

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/wire"
)

// PendingCall is the future of one outbound function call. It completes
// when the peer answers with a result or an error message, or when the
// connection tears down. Awaiting must happen off the network I/O
// goroutine: the completion is delivered by the message pump, so blocking
// the pump on a PendingCall deadlocks the connection.
type PendingCall struct {
	name string

	once    sync.Once
	done    chan struct{}
	results json.RawMessage
	err     error
}

// newPendingCall creates an uncompleted future for the named function
func newPendingCall(name string) *PendingCall {
	return &PendingCall{
		name: name,
		done: make(chan struct{}),
	}
}

// complete fulfils the future exactly once
func (p *PendingCall) complete(results json.RawMessage, err error) {
	p.once.Do(func() {
		p.results = results
		p.err = err
		close(p.done)
	})
}

// Name returns the called function's name
func (p *PendingCall) Name() string {
	return p.name
}

// Done returns a channel that is closed when the call has completed
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the call completes or the context ends, returning the
// encoded results or the call's error
func (p *PendingCall) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.results, p.err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "PendingCall", "Await", "wait for "+p.name)
	}
}

// CallRaw initiates a remote function call with pre-encoded parameters and
// returns its future. The function must be defined as outgoing and the
// link must be authenticated.
func (l *Link) CallRaw(name string, params json.RawMessage) (*PendingCall, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.catalog.HasOutgoingFunction(name) {
		return nil, errors.InvalidIdentifier(
			"function %q cannot be called because it is not defined as outgoing", name)
	}
	switch l.state {
	case StateAuthenticated:
	case StateClosing, StateClosed:
		return nil, errors.ErrConnectionClosed
	default:
		return nil, errors.ErrNotAuthenticated
	}

	pc := newPendingCall(name)
	tx := &transaction{
		id:        l.nextTID(),
		kind:      txFunctionCall,
		direction: txOutgoing,
		onResult: func(results json.RawMessage) {
			pc.complete(results, nil)
		},
		onError: func(err error) {
			pc.complete(nil, err)
		},
	}
	if err := l.transactions.create(tx); err != nil {
		return nil, err
	}

	if err := l.send(&wire.FuncCall{TID: tx.id, Name: name, Params: params}); err != nil {
		l.transactions.complete(tx)
		return nil, err
	}
	return pc, nil
}
