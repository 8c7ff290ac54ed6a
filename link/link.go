// Package link implements the per-connection msglink state machine: the
// schema-negotiation handshake, the transaction registry, the subscription
// tables with event fan-out, and the function dispatcher with
// caller-held futures.
//
// A Link sits between the user-defined Protocol and the connection
// supervisor. The supervisor feeds it transport callbacks (OnMessage,
// OnPongReceived) serialized per connection; user code drives it from any
// goroutine through the public methods (EmitRaw, CallRaw, SubscribeRaw and
// their typed wrappers). A single mutex guards the link state; user
// callbacks — event listeners and function handlers — always run with the
// mutex released.
package link

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/schema"
	"github.com/c360/msglink/wire"
)

// Role determines the transaction id series a link generates: servers count
// up from 1, clients count down from -1.
type Role int

const (
	// RoleServer marks the side that accepted the connection
	RoleServer Role = iota
	// RoleClient marks the side that dialed the connection
	RoleClient
)

// String returns a string representation of the role
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// tidStep returns the signed step of the role's transaction id series
func (r Role) tidStep() int64 {
	if r == RoleServer {
		return 1
	}
	return -1
}

// State is the lifecycle state of a link
type State int

const (
	// StateAuthPending is the initial state; only auth traffic is accepted
	StateAuthPending State = iota
	// StateAuthenticated allows regular traffic after both acks
	StateAuthenticated
	// StateClosing is entered when a close has been initiated
	StateClosing
	// StateClosed is terminal; the connection is gone
	StateClosed
)

// String returns a string representation of the link state
func (s State) String() string {
	switch s {
	case StateAuthPending:
		return "auth_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender transmits encoded protocol messages for a link. The connection
// supervisor implements it; implementations must be safe for concurrent
// use and must tolerate (drop) sends after communication has been
// cancelled.
type Sender interface {
	SendMessage(msg wire.Message) error
}

// Config carries everything needed to construct a Link
type Config struct {
	// Role selects the transaction id series (server positive, client negative)
	Role Role
	// Protocol is the user-defined link definition
	Protocol Protocol
	// Sender transmits outbound messages (normally the connection supervisor)
	Sender Sender
	// RequestAppPong asks the peer to answer transport pongs with
	// application-level pong messages (the no_ping auth flag)
	RequestAppPong bool
	// Logger receives link diagnostics; nil means slog.Default()
	Logger *slog.Logger
}

// Link is the per-connection protocol state machine
type Link struct {
	role    Role
	version uint32
	catalog *schema.Catalog
	sender  Sender
	log     *slog.Logger

	requestAppPong bool

	tidCounter atomic.Int64
	tidStep    int64

	mu           sync.Mutex
	state        State
	transactions *transactionRegistry

	// handshake progress
	ackSent      bool
	ackReceived  bool
	pongRequired bool

	// event activity, keyed by event name
	activeOutgoing map[string]struct{}
	activeIncoming map[string]struct{}

	// subscription tables
	subIDCounter uint64
	subsByEvent  map[string][]uint64
	subsByID     map[uint64]*subscriptionRecord
}

// New constructs a Link, running the protocol's Define callback to populate
// and seal the schema catalog. Listeners registered during Define are
// subscribed immediately; their subscribe messages go out when the
// handshake completes.
func New(cfg Config) (*Link, error) {
	if cfg.Protocol == nil {
		return nil, errors.WrapInvalid(errors.New("protocol must not be nil"), "Link", "New", "validate config")
	}
	if cfg.Sender == nil {
		return nil, errors.WrapInvalid(errors.New("sender must not be nil"), "Link", "New", "validate config")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := newDefinition()
	cfg.Protocol.Define(d)
	if d.err != nil {
		return nil, errors.Wrap(d.err, "Link", "New", "define protocol")
	}
	d.catalog.Seal()

	l := &Link{
		role:           cfg.Role,
		version:        cfg.Protocol.LinkVersion(),
		catalog:        d.catalog,
		sender:         cfg.Sender,
		log:            logger.With("component", "link", "role", cfg.Role.String()),
		requestAppPong: cfg.RequestAppPong,
		tidStep:        cfg.Role.tidStep(),
		state:          StateAuthPending,
		transactions:   newTransactionRegistry(),
		activeOutgoing: make(map[string]struct{}),
		activeIncoming: make(map[string]struct{}),
		subsByEvent:    make(map[string][]uint64),
		subsByID:       make(map[uint64]*subscriptionRecord),
	}

	l.mu.Lock()
	for _, queued := range d.listeners {
		l.addEventSubscriptionLocked(queued.name, queued.fn)
	}
	l.mu.Unlock()

	return l, nil
}

// Role returns the link's role
func (l *Link) Role() Role {
	return l.role
}

// LinkVersion returns the user-defined link version
func (l *Link) LinkVersion() uint32 {
	return l.version
}

// State returns the current lifecycle state
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Catalog returns the sealed schema catalog
func (l *Link) Catalog() *schema.Catalog {
	return l.catalog
}

// nextTID yields the next transaction id of this side's series. The series
// steps by ±1 so the first issued id is 1 (server) or -1 (client).
func (l *Link) nextTID() int64 {
	return l.tidCounter.Add(l.tidStep)
}

// authDone reports whether both ack flags are set. Caller holds l.mu.
func (l *Link) authDone() bool {
	return l.ackSent && l.ackReceived
}

// send encodes and transmits one message through the supervisor
func (l *Link) send(msg wire.Message) error {
	return l.sender.SendMessage(msg)
}

// sendEventSubscribe issues an evt_sub for one event name. Caller holds l.mu.
func (l *Link) sendEventSubscribe(name string) {
	if err := l.send(&wire.EventSub{TID: l.nextTID(), Name: name}); err != nil {
		l.log.Warn("failed to send event subscribe", "event", name, "error", err)
	}
}

// sendEventUnsubscribe issues an evt_unsub for one event name. Caller holds l.mu.
func (l *Link) sendEventUnsubscribe(name string) {
	if err := l.send(&wire.EventUnsub{TID: l.nextTID(), Name: name}); err != nil {
		l.log.Warn("failed to send event unsubscribe", "event", name, "error", err)
	}
}

// OnConnectionEstablished is called by the supervisor when the transport is
// open and communication can begin. It opens the handshake by sending this
// side's auth message.
func (l *Link) OnConnectionEstablished() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateAuthPending {
		return errors.Protocol("connection established in state %s", l.state)
	}

	tx := &transaction{
		id:        l.nextTID(),
		kind:      txAuth,
		direction: txOutgoing,
	}
	if err := l.transactions.create(tx); err != nil {
		return err
	}

	msg := &wire.Auth{
		TID:          tx.id,
		ProtoVersion: wire.Current,
		LinkVersion:  l.version,
		Events:       l.catalog.OutgoingEvents(),
		DataSources:  l.catalog.OutgoingDataSources(),
		Functions:    l.catalog.IncomingFunctions(),
	}
	if l.requestAppPong {
		noPing := true
		msg.NoPing = &noPing
	}
	return l.send(msg)
}

// OnMessage is called by the supervisor for every received text frame. The
// returned error, if any, carries the error kind the supervisor translates
// into a close code.
func (l *Link) OnMessage(data []byte) error {
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}

	// a pong is accepted but ignored with a warning, also when this side
	// asked for application-level pongs with RequestAppPong
	if _, isPong := msg.(*wire.Pong); isPong {
		l.log.Warn("ignoring received pong message")
		return nil
	}

	l.mu.Lock()

	switch l.state {
	case StateClosing, StateClosed:
		l.mu.Unlock()
		return nil
	}

	if !l.authDone() {
		err = l.handleMessagePreAuth(msg)
		l.mu.Unlock()
		return err
	}

	// post-auth handling releases the lock itself before running user code
	return l.handleMessagePostAuth(msg)
}

// handleMessagePreAuth drives the handshake. Caller holds l.mu.
func (l *Link) handleMessagePreAuth(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.Auth:
		if err := l.checkPeerAuth(m); err != nil {
			return err
		}
		if m.NoPing != nil {
			l.pongRequired = *m.NoPing
		}
		if err := l.send(&wire.AuthAck{TID: m.TID}); err != nil {
			return errors.UnexpectedIO(err)
		}
		l.ackSent = true

	case *wire.AuthAck:
		tx, err := l.transactions.get(m.TID, txAuth)
		if err != nil {
			return err
		}
		if err := tx.assertOutgoing("received auth ack for foreign auth transaction"); err != nil {
			return err
		}
		l.transactions.complete(tx)
		l.ackReceived = true

	default:
		return errors.Protocol("invalid pre-auth message type %q", msg.MsgType())
	}

	if l.authDone() && l.state == StateAuthPending {
		l.state = StateAuthenticated
		l.onAuthenticatedLocked()
	}
	return nil
}

// checkPeerAuth runs the handshake compatibility checks in order, each with
// its distinct close code. Caller holds l.mu.
func (l *Link) checkPeerAuth(m *wire.Auth) error {
	if m.ProtoVersion.Less(wire.Current) && !wire.IsCompatible(m.ProtoVersion) {
		return errors.Incompatible(uint16(wire.CodeProtoVersionIncompatible),
			"incompatible protocol versions: this=%s, other=%s", wire.Current, m.ProtoVersion)
	}
	if m.LinkVersion != l.version {
		return errors.Incompatible(uint16(wire.CodeLinkVersionMismatch),
			"link versions don't match: this=%d, other=%d", l.version, m.LinkVersion)
	}
	if !l.catalog.EventsSatisfiedBy(m.Events) {
		return errors.Incompatible(uint16(wire.CodeEventRequirementsNotSatisfied),
			"remote party does not satisfy the event requirements (missing events)")
	}
	if !l.catalog.DataSourcesSatisfiedBy(m.DataSources) {
		return errors.Incompatible(uint16(wire.CodeDataSourceRequirementsNotSatisfied),
			"remote party does not satisfy the data source requirements (missing data sources)")
	}
	if !l.catalog.FunctionsSatisfiedBy(m.Functions) {
		return errors.Incompatible(uint16(wire.CodeFunctionRequirementsNotSatisfied),
			"remote party does not satisfy the function requirements (missing functions)")
	}
	return nil
}

// onAuthenticatedLocked runs on entry to StateAuthenticated: it flushes the
// subscribe messages for every event that gained listeners before the
// handshake completed. Caller holds l.mu.
func (l *Link) onAuthenticatedLocked() {
	l.log.Debug("link authenticated", "link_version", l.version)
	for _, name := range sortedNames(l.activeIncoming) {
		l.sendEventSubscribe(name)
	}
}

// handleMessagePostAuth dispatches regular traffic. Called with l.mu held;
// releases it itself (fan-out and handler dispatch run unlocked).
func (l *Link) handleMessagePostAuth(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.EventSub:
		defer l.mu.Unlock()
		if !l.catalog.HasOutgoingEvent(m.Name) {
			l.log.Warn("received event subscribe for invalid event; likely a peer library bug",
				"event", m.Name)
			return nil
		}
		l.activeOutgoing[m.Name] = struct{}{}
		return nil

	case *wire.EventUnsub:
		defer l.mu.Unlock()
		if _, active := l.activeOutgoing[m.Name]; !active {
			l.log.Warn("received event unsubscribe for an event that was not subscribed",
				"event", m.Name)
			return nil
		}
		delete(l.activeOutgoing, m.Name)
		return nil

	case *wire.EventEmit:
		return l.dispatchEventEmit(m)

	case *wire.FuncCall:
		return l.dispatchFunctionCall(m)

	case *wire.FuncResult:
		defer l.mu.Unlock()
		tx, err := l.transactions.get(m.TID, txFunctionCall)
		if err != nil {
			return err
		}
		if tx.onResult != nil {
			tx.onResult(m.Results)
		}
		l.transactions.complete(tx)
		return nil

	case *wire.FuncErr:
		defer l.mu.Unlock()
		tx, err := l.transactions.get(m.TID, txFunctionCall)
		if err != nil {
			return err
		}
		if tx.onError != nil {
			tx.onError(errors.RemoteFunction(m.Info))
		}
		l.transactions.complete(tx)
		return nil

	case *wire.DataSub, *wire.DataSubAck, *wire.DataSubNak, *wire.DataUnsub, *wire.DataChange:
		// reserved message family; close codes stay reserved but there are
		// no data-source semantics to run
		defer l.mu.Unlock()
		l.log.Debug("ignoring reserved data subscription message", "type", msg.MsgType())
		return nil

	default:
		defer l.mu.Unlock()
		return errors.Protocol("invalid post-auth message type %q", msg.MsgType())
	}
}

// dispatchEventEmit fans one event occurrence out to every registered
// listener in registration order. Called with l.mu held; listeners run
// after it is released. A listener that panics is logged and skipped so one
// bad listener cannot break fan-out.
func (l *Link) dispatchEventEmit(m *wire.EventEmit) error {
	_, active := l.activeIncoming[m.Name]
	if !active || len(l.subsByEvent[m.Name]) == 0 {
		l.mu.Unlock()
		l.log.Warn("received event emit for an event without listeners; likely a peer library bug",
			"event", m.Name)
		return nil
	}

	if err := l.catalog.ValidatePayload(m.Name, m.Data); err != nil {
		l.mu.Unlock()
		return err
	}

	handlers := l.listenersForLocked(m.Name)
	l.mu.Unlock()

	for _, handler := range handlers {
		l.invokeListener(m.Name, handler, m.Data)
	}
	return nil
}

// invokeListener runs one listener outside the link mutex, containing panics
func (l *Link) invokeListener(name string, handler EventListener, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event listener panicked", "event", name, "panic", r)
		}
	}()
	handler(data)
}

// dispatchFunctionCall runs an incoming function call. Called with l.mu
// held; the handler runs on its own goroutine with the mutex released and
// the response is sent when it returns.
func (l *Link) dispatchFunctionCall(m *wire.FuncCall) error {
	handler := l.catalog.Handler(m.Name)
	if handler == nil {
		l.mu.Unlock()
		l.log.Warn("received function call for an unknown function; likely a peer library bug",
			"function", m.Name)
		return nil
	}

	if err := l.catalog.ValidatePayload(m.Name, m.Params); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	go l.runFunctionHandler(m.TID, m.Name, handler, m.Params)
	return nil
}

// runFunctionHandler invokes a function handler and sends the response
// message. Handler errors become func_err replies; the connection stays
// open.
func (l *Link) runFunctionHandler(tid int64, name string, handler schema.FunctionHandler, params json.RawMessage) {
	results, err := l.invokeFunctionHandler(name, handler, params)
	var response wire.Message
	if err != nil {
		response = &wire.FuncErr{TID: tid, Info: err.Error()}
	} else {
		response = &wire.FuncResult{TID: tid, Results: results}
	}
	if sendErr := l.send(response); sendErr != nil {
		l.log.Warn("failed to send function response", "function", name, "error", sendErr)
	}
}

// invokeFunctionHandler contains handler panics, converting them into
// function errors for the caller
func (l *Link) invokeFunctionHandler(name string, handler schema.FunctionHandler, params json.RawMessage) (results json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("function handler panicked", "function", name, "panic", r)
			err = errors.New("internal handler error")
		}
	}()
	return handler(params)
}

// OnPongReceived is called by the supervisor when a transport pong arrives.
// When the peer requested application-level pongs during authentication, a
// pong message is transmitted in response.
func (l *Link) OnPongReceived() {
	l.mu.Lock()
	required := l.pongRequired && l.state == StateAuthenticated
	l.mu.Unlock()

	if !required {
		return
	}
	if err := l.send(&wire.Pong{}); err != nil {
		l.log.Warn("failed to send pong message", "error", err)
	}
}

// EmitRaw emits an event with a pre-encoded payload. Emitting a name that
// is not defined as outgoing is a programmer error; emitting an event the
// peer has not subscribed to is a silent no-op producing no wire traffic.
func (l *Link) EmitRaw(name string, data json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.catalog.HasOutgoingEvent(name) {
		return errors.InvalidOutgoingEvent(name)
	}
	if _, active := l.activeOutgoing[name]; !active {
		return nil
	}
	return l.send(&wire.EventEmit{TID: l.nextTID(), Name: name, Data: data})
}

// SubscribeRaw registers a listener for an incoming event and returns its
// cancellation handle. The first listener for an event activates it towards
// the peer (immediately when authenticated, at handshake completion
// otherwise).
func (l *Link) SubscribeRaw(name string, fn EventListener) (*Subscription, error) {
	if fn == nil {
		return nil, errors.InvalidIdentifier("listener for event %q must not be nil", name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateClosed {
		return nil, errors.ErrLinkClosed
	}
	if !l.catalog.HasIncomingEvent(name) {
		return nil, errors.InvalidIdentifier(
			"event %q cannot be subscribed because it is not defined as incoming", name)
	}
	return l.addEventSubscriptionLocked(name, fn), nil
}

// BeginClose moves the link into the closing state; subsequent inbound
// messages are dropped
func (l *Link) BeginClose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed || l.state == StateClosing {
		return
	}
	l.state = StateClosing
}

// Teardown terminates the link: every pending outgoing function call fails
// with the connection-closed error and all subscription records are
// invalidated so no user-visible callback fires on a dead link. Safe to
// call more than once.
func (l *Link) Teardown() {
	l.mu.Lock()

	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed

	pending := l.transactions.drain()
	for _, record := range l.subsByID {
		record.handler = nil
	}
	l.subsByEvent = make(map[string][]uint64)
	l.subsByID = make(map[uint64]*subscriptionRecord)
	l.activeIncoming = make(map[string]struct{})
	l.activeOutgoing = make(map[string]struct{})
	l.mu.Unlock()

	// complete futures outside the lock; completion hooks may wake waiters
	for _, tx := range pending {
		if tx.kind == txFunctionCall && tx.direction == txOutgoing && tx.onError != nil {
			tx.onError(errors.ErrConnectionClosed)
		}
	}
}

// ActiveIncomingEvents returns the sorted names of events with at least one
// local listener
func (l *Link) ActiveIncomingEvents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedNames(l.activeIncoming)
}

// ActiveOutgoingEvents returns the sorted names of events the peer has
// subscribed to
func (l *Link) ActiveOutgoingEvents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedNames(l.activeOutgoing)
}

// PendingTransactions returns the number of in-flight transactions
func (l *Link) PendingTransactions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transactions.size()
}

// sortedNames returns the keys of a name set in sorted order
func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
