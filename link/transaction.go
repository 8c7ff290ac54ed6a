package link

import (
	"encoding/json"

	"github.com/c360/msglink/errors"
)

// txKind discriminates the multi-message exchanges tracked by the registry
type txKind int

const (
	// txAuth is the handshake exchange (auth -> auth_ack)
	txAuth txKind = iota
	// txFunctionCall is an RPC exchange (func_call -> func_result/func_err)
	txFunctionCall
)

// String returns a string representation of the transaction kind
func (k txKind) String() string {
	switch k {
	case txAuth:
		return "auth"
	case txFunctionCall:
		return "function_call"
	default:
		return "unknown"
	}
}

// txDirection records which side originated a transaction
type txDirection int

const (
	txIncoming txDirection = iota
	txOutgoing
)

// String returns a string representation of the transaction direction
func (d txDirection) String() string {
	if d == txIncoming {
		return "incoming"
	}
	return "outgoing"
}

// transaction is one in-flight multi-message exchange. For outgoing
// function calls the two completion hooks release the caller-held future:
// onResult with the decoded results, onError with the remote or teardown
// error.
type transaction struct {
	id        int64
	kind      txKind
	direction txDirection

	onResult func(results json.RawMessage)
	onError  func(err error)
}

// assertOutgoing raises a protocol error when a response message targets a
// transaction the remote party originated itself
func (t *transaction) assertOutgoing(context string) error {
	if t.direction != txOutgoing {
		return errors.Protocol("%s", context)
	}
	return nil
}

// transactionRegistry tracks in-flight transactions by id. It is not safe
// for concurrent use on its own; the owning link serializes access under
// its mutex.
type transactionRegistry struct {
	active map[int64]*transaction
}

// newTransactionRegistry creates an empty registry
func newTransactionRegistry() *transactionRegistry {
	return &transactionRegistry{
		active: make(map[int64]*transaction),
	}
}

// create registers a new transaction, failing if its id is already active
func (r *transactionRegistry) create(tx *transaction) error {
	if _, exists := r.active[tx.id]; exists {
		return errors.DuplicateTransaction(tx.id)
	}
	r.active[tx.id] = tx
	return nil
}

// get retrieves the active transaction with the given id, requiring it to
// match the expected kind
func (r *transactionRegistry) get(tid int64, kind txKind) (*transaction, error) {
	tx, ok := r.active[tid]
	if !ok {
		return nil, errors.InvalidTransaction("no active transaction with id=%d", tid)
	}
	if tx.kind != kind {
		return nil, errors.InvalidTransaction(
			"active transaction with id=%d (%s) does not match the required kind %s",
			tid, tx.kind, kind)
	}
	return tx, nil
}

// complete removes a transaction from the registry, releasing its hooks
func (r *transactionRegistry) complete(tx *transaction) {
	delete(r.active, tx.id)
}

// drain removes and returns all active transactions; used at link teardown
// to fail every pending exchange
func (r *transactionRegistry) drain() []*transaction {
	drained := make([]*transaction, 0, len(r.active))
	for _, tx := range r.active {
		drained = append(drained, tx)
	}
	r.active = make(map[int64]*transaction)
	return drained
}

// size returns the number of active transactions
func (r *transactionRegistry) size() int {
	return len(r.active)
}
