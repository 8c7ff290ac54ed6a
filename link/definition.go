package link

import (
	"encoding/json"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/schema"
)

// Protocol describes a user-defined link protocol. Both peers of a
// connection implement the same protocol (with matching link versions);
// the schema they define determines which events and functions may travel
// in each direction.
type Protocol interface {
	// LinkVersion is the version of the user-defined protocol. Peers with
	// unequal link versions refuse to connect.
	LinkVersion() uint32

	// Define is called once while the link is constructed. It declares the
	// protocol's events, data sources and functions on the Definition and
	// may pre-register event listeners that live for the link's lifetime.
	Define(d *Definition)
}

// queuedListener is a listener registered during Define, before the link
// exists to subscribe on
type queuedListener struct {
	name string
	fn   EventListener
}

// Definition records a protocol schema during link construction. Definition
// methods do not return errors so Define implementations stay declarative;
// the first recording failure is reported by the link constructor instead.
type Definition struct {
	catalog   *schema.Catalog
	listeners []queuedListener
	err       error
}

// newDefinition creates a recorder around an empty catalog
func newDefinition() *Definition {
	return &Definition{catalog: schema.NewCatalog()}
}

// Event declares an event name with its direction
func (d *Definition) Event(name string, dir schema.Direction) {
	d.record(d.catalog.DefineEvent(name, dir))
}

// EventWithListener declares an event that is at least incoming and
// registers a listener for it. The listener is subscribed before the
// handshake runs, so the subscribe message is issued as soon as the link
// authenticates.
func (d *Definition) EventWithListener(name string, dir schema.Direction, fn EventListener) {
	if dir == schema.DirectionOutgoing {
		d.record(errors.InvalidIdentifier("event %q is outgoing only and cannot have a listener", name))
		return
	}
	if fn == nil {
		d.record(errors.InvalidIdentifier("event %q listener must not be nil", name))
		return
	}
	d.record(d.catalog.DefineEvent(name, dir))
	d.listeners = append(d.listeners, queuedListener{name: name, fn: fn})
}

// DataSource declares a data-source name with its direction. The
// data-subscription message family is reserved on the wire; defined names
// participate in handshake requirement checks only.
func (d *Definition) DataSource(name string, dir schema.Direction) {
	d.record(d.catalog.DefineDataSource(name, dir))
}

// Function declares a function name with its direction. Incoming and
// bidirectional functions require a handler.
func (d *Definition) Function(name string, dir schema.Direction, handler schema.FunctionHandler) {
	d.record(d.catalog.DefineFunction(name, dir, handler))
}

// PayloadSchema attaches a JSON schema to a previously declared incoming
// event or function; inbound payloads for the name are validated against it
func (d *Definition) PayloadSchema(name string, schemaDoc json.RawMessage) {
	d.record(d.catalog.SetPayloadSchema(name, schemaDoc))
}

// record keeps the first failure for the constructor to report
func (d *Definition) record(err error) {
	if d.err == nil && err != nil {
		d.err = err
	}
}
