// Package schema holds the per-link catalog: the sets of event, data-source
// and function names a link can emit and accept, the handlers for incoming
// functions, and optional JSON-schema payload validation. The catalog is
// populated once while the link is constructed and is read-only afterwards.
package schema

import (
	"encoding/json"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/msglink/errors"
)

// Direction describes which way a schema entry travels relative to this side
// of the link. Bidirectional entries appear in both the incoming and the
// outgoing sets.
type Direction int

const (
	// DirectionIncoming marks entries this side is willing to receive
	// (events it listens for, functions it implements)
	DirectionIncoming Direction = iota
	// DirectionOutgoing marks entries this side intends to send
	// (events it emits, functions it calls)
	DirectionOutgoing
	// DirectionBidirectional marks entries travelling both ways
	DirectionBidirectional
)

// String returns a string representation of the direction
func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "incoming"
	case DirectionOutgoing:
		return "outgoing"
	case DirectionBidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// in reports whether the direction includes the incoming way
func (d Direction) in() bool {
	return d == DirectionIncoming || d == DirectionBidirectional
}

// out reports whether the direction includes the outgoing way
func (d Direction) out() bool {
	return d == DirectionOutgoing || d == DirectionBidirectional
}

// FunctionHandler implements an incoming function: it receives the encoded
// call parameters and returns encoded results or an error. The error's
// message text travels back to the caller in a func_err message.
type FunctionHandler func(params json.RawMessage) (json.RawMessage, error)

// Catalog is the schema of one link: four name sets (plus the reserved
// data-source sets), the incoming-function handler table and optional
// payload validators. Catalogs are mutable until Seal is called, after
// which every mutation fails with ErrCatalogSealed.
type Catalog struct {
	incomingEvents map[string]struct{}
	outgoingEvents map[string]struct{}

	incomingDataSources map[string]struct{}
	outgoingDataSources map[string]struct{}

	outgoingFunctions map[string]struct{}
	functionHandlers  map[string]FunctionHandler

	validators map[string]*gojsonschema.Schema

	sealed bool
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		incomingEvents:      make(map[string]struct{}),
		outgoingEvents:      make(map[string]struct{}),
		incomingDataSources: make(map[string]struct{}),
		outgoingDataSources: make(map[string]struct{}),
		outgoingFunctions:   make(map[string]struct{}),
		functionHandlers:    make(map[string]FunctionHandler),
		validators:          make(map[string]*gojsonschema.Schema),
	}
}

// DefineEvent registers an event name with its direction
func (c *Catalog) DefineEvent(name string, dir Direction) error {
	if err := c.checkMutable(name); err != nil {
		return err
	}
	if dir.in() {
		c.incomingEvents[name] = struct{}{}
	}
	if dir.out() {
		c.outgoingEvents[name] = struct{}{}
	}
	return nil
}

// DefineDataSource registers a data-source name with its direction. The
// data-subscription message family is reserved in the wire protocol, but
// defined names still participate in the handshake requirement checks.
func (c *Catalog) DefineDataSource(name string, dir Direction) error {
	if err := c.checkMutable(name); err != nil {
		return err
	}
	if dir.in() {
		c.incomingDataSources[name] = struct{}{}
	}
	if dir.out() {
		c.outgoingDataSources[name] = struct{}{}
	}
	return nil
}

// DefineFunction registers a function name with its direction. Incoming and
// bidirectional definitions require a handler; outgoing-only definitions
// must not carry one.
func (c *Catalog) DefineFunction(name string, dir Direction, handler FunctionHandler) error {
	if err := c.checkMutable(name); err != nil {
		return err
	}
	if dir.in() && handler == nil {
		return errors.InvalidIdentifier("function %q is incoming but has no handler", name)
	}
	if !dir.in() && handler != nil {
		return errors.InvalidIdentifier("function %q is outgoing only but has a handler", name)
	}
	if dir.in() {
		c.functionHandlers[name] = handler
	}
	if dir.out() {
		c.outgoingFunctions[name] = struct{}{}
	}
	return nil
}

// SetPayloadSchema attaches a JSON schema document to a defined event or
// function name. Inbound evt_emit data and func_call params for that name
// are validated against it before any handler runs.
func (c *Catalog) SetPayloadSchema(name string, schemaDoc json.RawMessage) error {
	if c.sealed {
		return errors.ErrCatalogSealed
	}
	if !c.HasIncomingEvent(name) && !c.HasIncomingFunction(name) {
		return errors.InvalidIdentifier("payload schema for %q: name is not defined as incoming", name)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaDoc))
	if err != nil {
		return errors.Wrap(err, "Catalog", "SetPayloadSchema", "compile schema for "+name)
	}
	c.validators[name] = compiled
	return nil
}

// ValidatePayload checks a payload against the schema registered for name.
// Names without a registered schema always validate.
func (c *Catalog) ValidatePayload(name string, payload json.RawMessage) error {
	compiled, ok := c.validators[name]
	if !ok {
		return nil
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return errors.MalformedMessage(err, "payload for %q is not valid JSON", name)
	}
	if !result.Valid() {
		first := ""
		if errs := result.Errors(); len(errs) > 0 {
			first = errs[0].String()
		}
		return errors.MalformedMessage(nil, "payload for %q violates its schema: %s", name, first)
	}
	return nil
}

// Seal makes the catalog read-only for the rest of the link's lifetime
func (c *Catalog) Seal() {
	c.sealed = true
}

// Sealed reports whether the catalog has been sealed
func (c *Catalog) Sealed() bool {
	return c.sealed
}

// checkMutable validates a definition attempt
func (c *Catalog) checkMutable(name string) error {
	if c.sealed {
		return errors.ErrCatalogSealed
	}
	if name == "" {
		return errors.InvalidIdentifier("schema entry name must not be empty")
	}
	return nil
}

// HasIncomingEvent reports whether name is defined as an incoming event
func (c *Catalog) HasIncomingEvent(name string) bool {
	_, ok := c.incomingEvents[name]
	return ok
}

// HasOutgoingEvent reports whether name is defined as an outgoing event
func (c *Catalog) HasOutgoingEvent(name string) bool {
	_, ok := c.outgoingEvents[name]
	return ok
}

// HasOutgoingFunction reports whether name is defined as an outgoing function
func (c *Catalog) HasOutgoingFunction(name string) bool {
	_, ok := c.outgoingFunctions[name]
	return ok
}

// HasIncomingFunction reports whether name has an incoming-function handler
func (c *Catalog) HasIncomingFunction(name string) bool {
	_, ok := c.functionHandlers[name]
	return ok
}

// Handler returns the handler for an incoming function name, or nil
func (c *Catalog) Handler(name string) FunctionHandler {
	return c.functionHandlers[name]
}

// IncomingEvents returns the sorted incoming event names
func (c *Catalog) IncomingEvents() []string {
	return sortedKeys(c.incomingEvents)
}

// OutgoingEvents returns the sorted outgoing event names. These are the
// events advertised to the peer during authentication.
func (c *Catalog) OutgoingEvents() []string {
	return sortedKeys(c.outgoingEvents)
}

// IncomingDataSources returns the sorted incoming data-source names
func (c *Catalog) IncomingDataSources() []string {
	return sortedKeys(c.incomingDataSources)
}

// OutgoingDataSources returns the sorted outgoing data-source names
func (c *Catalog) OutgoingDataSources() []string {
	return sortedKeys(c.outgoingDataSources)
}

// IncomingFunctions returns the sorted names of functions this side
// implements. These are advertised to the peer during authentication.
func (c *Catalog) IncomingFunctions() []string {
	names := make([]string, 0, len(c.functionHandlers))
	for name := range c.functionHandlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OutgoingFunctions returns the sorted names of functions this side intends
// to call
func (c *Catalog) OutgoingFunctions() []string {
	return sortedKeys(c.outgoingFunctions)
}

// EventsSatisfiedBy reports whether every incoming event this side requires
// is included in the peer's advertised events
func (c *Catalog) EventsSatisfiedBy(peerEvents []string) bool {
	return isSubset(c.incomingEvents, peerEvents)
}

// DataSourcesSatisfiedBy reports whether every incoming data source this
// side requires is included in the peer's advertised data sources
func (c *Catalog) DataSourcesSatisfiedBy(peerDataSources []string) bool {
	return isSubset(c.incomingDataSources, peerDataSources)
}

// FunctionsSatisfiedBy reports whether every function this side intends to
// call is included in the peer's advertised functions
func (c *Catalog) FunctionsSatisfiedBy(peerFunctions []string) bool {
	return isSubset(c.outgoingFunctions, peerFunctions)
}

// isSubset reports whether every key of required appears in available
func isSubset(required map[string]struct{}, available []string) bool {
	have := make(map[string]struct{}, len(available))
	for _, name := range available {
		have[name] = struct{}{}
	}
	for name := range required {
		if _, ok := have[name]; !ok {
			return false
		}
	}
	return true
}

// sortedKeys returns the keys of a name set in sorted order, never nil
func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
