package wire

import (
	"encoding/json"

	"github.com/c360/msglink/errors"
)

// Wire identifiers for every message type in the protocol vocabulary
const (
	TypeAuth       = "auth"
	TypeAuthAck    = "auth_ack"
	TypeEventSub   = "evt_sub"
	TypeEventUnsub = "evt_unsub"
	TypeEventEmit  = "evt_emit"
	TypeDataSub    = "data_sub"
	TypeDataSubAck = "data_sub_ack"
	TypeDataSubNak = "data_sub_nak"
	TypeDataUnsub  = "data_unsub"
	TypeDataChange = "data_change"
	TypeFuncCall   = "func_call"
	TypeFuncResult = "func_result"
	TypeFuncErr    = "func_err"
	TypePong       = "pong"
)

// Message is one protocol message. Concrete records carry the per-type
// fields; the type discriminator is supplied by MsgType and spliced into
// the JSON object by Encode.
type Message interface {
	MsgType() string
}

// Auth opens the schema-negotiation handshake. Each peer advertises what it
// can supply: the events it may emit, the data sources it can serve and the
// functions it implements, so the other side can check whether its own
// requirements are satisfied.
type Auth struct {
	TID          int64    `json:"tid"`
	ProtoVersion Version  `json:"proto_version"`
	LinkVersion  uint32   `json:"link_version"`
	NoPing       *bool    `json:"no_ping,omitempty"`
	Events       []string `json:"events"`
	DataSources  []string `json:"data_sources"`
	Functions    []string `json:"functions"`
}

// MsgType implements Message
func (*Auth) MsgType() string { return TypeAuth }

// AuthAck acknowledges a peer's auth message, echoing its transaction id
type AuthAck struct {
	TID int64 `json:"tid"`
}

// MsgType implements Message
func (*AuthAck) MsgType() string { return TypeAuthAck }

// EventSub subscribes this side to an event the peer may emit
type EventSub struct {
	TID  int64  `json:"tid"`
	Name string `json:"name"`
}

// MsgType implements Message
func (*EventSub) MsgType() string { return TypeEventSub }

// EventUnsub cancels an event subscription
type EventUnsub struct {
	TID  int64  `json:"tid"`
	Name string `json:"name"`
}

// MsgType implements Message
func (*EventUnsub) MsgType() string { return TypeEventUnsub }

// EventEmit delivers one event occurrence with its encoded payload
type EventEmit struct {
	TID  int64           `json:"tid"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// MsgType implements Message
func (*EventEmit) MsgType() string { return TypeEventEmit }

// DataSub requests a data-source subscription. The data-subscription family
// is reserved in the wire vocabulary; see the link dispatcher for handling.
type DataSub struct {
	TID  int64  `json:"tid"`
	Name string `json:"name"`
}

// MsgType implements Message
func (*DataSub) MsgType() string { return TypeDataSub }

// DataSubAck acknowledges a data-source subscription (reserved)
type DataSubAck struct {
	TID int64 `json:"tid"`
}

// MsgType implements Message
func (*DataSubAck) MsgType() string { return TypeDataSubAck }

// DataSubNak rejects a data-source subscription (reserved)
type DataSubNak struct {
	TID int64 `json:"tid"`
}

// MsgType implements Message
func (*DataSubNak) MsgType() string { return TypeDataSubNak }

// DataUnsub cancels a data-source subscription (reserved)
type DataUnsub struct {
	TID  int64  `json:"tid"`
	Name string `json:"name"`
}

// MsgType implements Message
func (*DataUnsub) MsgType() string { return TypeDataUnsub }

// DataChange pushes a changed data-source value (reserved)
type DataChange struct {
	TID  int64           `json:"tid"`
	Data json.RawMessage `json:"data"`
}

// MsgType implements Message
func (*DataChange) MsgType() string { return TypeDataChange }

// FuncCall invokes a remote function with encoded parameters
type FuncCall struct {
	TID    int64           `json:"tid"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

// MsgType implements Message
func (*FuncCall) MsgType() string { return TypeFuncCall }

// FuncResult carries the successful result of a function call
type FuncResult struct {
	TID     int64           `json:"tid"`
	Results json.RawMessage `json:"results"`
}

// MsgType implements Message
func (*FuncResult) MsgType() string { return TypeFuncResult }

// FuncErr carries the error raised by a remote function handler
type FuncErr struct {
	TID  int64  `json:"tid"`
	Info string `json:"info"`
}

// MsgType implements Message
func (*FuncErr) MsgType() string { return TypeFuncErr }

// Pong is the application-level keepalive reply, sent when the peer
// requested no_ping during authentication. It is the only message without
// a transaction id.
type Pong struct{}

// MsgType implements Message
func (*Pong) MsgType() string { return TypePong }

// Encode serializes a message to one JSON object with its type
// discriminator included
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "wire", "Encode", "marshal message body")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, errors.Wrap(err, "wire", "Encode", "rebuild message object")
	}

	typeTag, err := json.Marshal(m.MsgType())
	if err != nil {
		return nil, errors.Wrap(err, "wire", "Encode", "marshal type tag")
	}
	obj["type"] = typeTag

	return json.Marshal(obj)
}

// Decode parses one wire frame into its typed message record. Parse
// failures and missing mandatory fields return a malformed-message error;
// an unknown type string returns a protocol error (it is invalid both
// before and after authentication).
func Decode(data []byte) (Message, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, errors.MalformedMessage(err, "malformed link message")
	}

	rawType, ok := obj["type"]
	if !ok {
		return nil, errors.MalformedMessage(nil, "link message missing mandatory field %q", "type")
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return nil, errors.MalformedMessage(err, "link message field %q is not a string", "type")
	}

	msg, err := newMessage(msgType)
	if err != nil {
		return nil, err
	}

	if _, isPong := msg.(*Pong); !isPong {
		if _, ok := obj["tid"]; !ok {
			return nil, errors.MalformedMessage(nil, "%s message missing mandatory field %q", msgType, "tid")
		}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.MalformedMessage(err, "malformed %s message", msgType)
	}
	return msg, nil
}

// newMessage allocates the record for a wire type identifier
func newMessage(msgType string) (Message, error) {
	switch msgType {
	case TypeAuth:
		return &Auth{}, nil
	case TypeAuthAck:
		return &AuthAck{}, nil
	case TypeEventSub:
		return &EventSub{}, nil
	case TypeEventUnsub:
		return &EventUnsub{}, nil
	case TypeEventEmit:
		return &EventEmit{}, nil
	case TypeDataSub:
		return &DataSub{}, nil
	case TypeDataSubAck:
		return &DataSubAck{}, nil
	case TypeDataSubNak:
		return &DataSubNak{}, nil
	case TypeDataUnsub:
		return &DataUnsub{}, nil
	case TypeDataChange:
		return &DataChange{}, nil
	case TypeFuncCall:
		return &FuncCall{}, nil
	case TypeFuncResult:
		return &FuncResult{}, nil
	case TypeFuncErr:
		return &FuncErr{}, nil
	case TypePong:
		return &Pong{}, nil
	default:
		return nil, errors.Protocol("unknown message type %q", msgType)
	}
}
