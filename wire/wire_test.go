package wire

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/msglink/errors"
)

func TestEncode_Auth(t *testing.T) {
	noPing := true
	msg := &Auth{
		TID:          1,
		ProtoVersion: Current,
		LinkVersion:  7,
		NoPing:       &noPing,
		Events:       []string{"Temp"},
		DataSources:  []string{},
		Functions:    []string{"Ping"},
	}

	data, err := Encode(msg)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "auth", obj["type"])
	assert.Equal(t, float64(1), obj["tid"])
	assert.Equal(t, []any{float64(0), float64(1), float64(0)}, obj["proto_version"])
	assert.Equal(t, float64(7), obj["link_version"])
	assert.Equal(t, true, obj["no_ping"])
	assert.Equal(t, []any{"Temp"}, obj["events"])
	assert.Equal(t, []any{}, obj["data_sources"])
	assert.Equal(t, []any{"Ping"}, obj["functions"])
}

func TestEncode_NoPingOmittedWhenUnset(t *testing.T) {
	data, err := Encode(&Auth{TID: 1, ProtoVersion: Current, LinkVersion: 1,
		Events: []string{}, DataSources: []string{}, Functions: []string{}})
	require.NoError(t, err)

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &obj))
	_, present := obj["no_ping"]
	assert.False(t, present)
}

func TestRoundTrip(t *testing.T) {
	noPing := false
	messages := []Message{
		&Auth{TID: -1, ProtoVersion: Version{0, 1, 0}, LinkVersion: 7, NoPing: &noPing,
			Events: []string{"A", "B"}, DataSources: []string{}, Functions: []string{"F"}},
		&AuthAck{TID: 1},
		&EventSub{TID: -2, Name: "Temp"},
		&EventUnsub{TID: -3, Name: "Temp"},
		&EventEmit{TID: 5, Name: "Temp", Data: json.RawMessage(`{"c":21}`)},
		&DataSub{TID: 2, Name: "Pressure"},
		&DataSubAck{TID: 2},
		&DataSubNak{TID: 2},
		&DataUnsub{TID: 3, Name: "Pressure"},
		&DataChange{TID: 4, Data: json.RawMessage(`[1,2,3]`)},
		&FuncCall{TID: -4, Name: "Ping", Params: json.RawMessage(`{"seq":1}`)},
		&FuncResult{TID: -4, Results: json.RawMessage(`{"pong":1}`)},
		&FuncErr{TID: -5, Info: "overloaded"},
		&Pong{},
	}

	for _, msg := range messages {
		t.Run(msg.MsgType(), func(t *testing.T) {
			data, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			if diff := cmp.Diff(msg, decoded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_LiteralFrames(t *testing.T) {
	// the handshake frame from the protocol documentation, verbatim
	frame := `{"type":"auth","tid":1,"proto_version":[0,1,0],"link_version":7,` +
		`"events":["Temp"],"data_sources":[],"functions":["Ping"]}`

	msg, err := Decode([]byte(frame))
	require.NoError(t, err)

	auth, ok := msg.(*Auth)
	require.True(t, ok)
	assert.Equal(t, int64(1), auth.TID)
	assert.Equal(t, Version{0, 1, 0}, auth.ProtoVersion)
	assert.Equal(t, uint32(7), auth.LinkVersion)
	assert.Nil(t, auth.NoPing)
	assert.Equal(t, []string{"Temp"}, auth.Events)
	assert.Empty(t, auth.DataSources)
	assert.Equal(t, []string{"Ping"}, auth.Functions)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind errors.Kind
	}{
		{"not json", `{"type":`, errors.KindMalformedMessage},
		{"missing type", `{"tid":1}`, errors.KindMalformedMessage},
		{"type not a string", `{"type":5,"tid":1}`, errors.KindMalformedMessage},
		{"missing tid", `{"type":"evt_sub","name":"Temp"}`, errors.KindMalformedMessage},
		{"mistyped field", `{"type":"evt_sub","tid":1,"name":42}`, errors.KindMalformedMessage},
		{"unknown type", `{"type":"teleport","tid":1}`, errors.KindProtocolError},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode([]byte(test.data))
			require.Error(t, err)
			assert.Equal(t, test.kind, errors.KindOf(err))
		})
	}
}

func TestDecode_PongHasNoTID(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	assert.IsType(t, &Pong{}, msg)
}

func TestDecode_WhitespaceTolerated(t *testing.T) {
	msg, err := Decode([]byte(" {\n\t\"type\": \"auth_ack\",  \"tid\": -1 } "))
	require.NoError(t, err)
	ack, ok := msg.(*AuthAck)
	require.True(t, ok)
	assert.Equal(t, int64(-1), ack.TID)
}

func TestVersion_Less(t *testing.T) {
	assert.True(t, Version{0, 0, 9}.Less(Version{0, 1, 0}))
	assert.True(t, Version{0, 1, 0}.Less(Version{1, 0, 0}))
	assert.True(t, Version{0, 1, 0}.Less(Version{0, 1, 1}))
	assert.False(t, Version{0, 1, 0}.Less(Version{0, 1, 0}))
	assert.False(t, Version{1, 0, 0}.Less(Version{0, 9, 9}))
}

func TestVersion_IsCompatible(t *testing.T) {
	assert.True(t, IsCompatible(Version{0, 1, 0}))
	assert.False(t, IsCompatible(Version{0, 0, 1}))
	assert.False(t, IsCompatible(Version{1, 0, 0}))
}

func TestVersion_String(t *testing.T) {
	assert.Equal(t, "0.1.0", Current.String())
}

func TestCloseCode_Name(t *testing.T) {
	tests := []struct {
		code CloseCode
		name string
	}{
		{CodeClosedByUser, "closed by user"},
		{CodeProtoVersionIncompatible, "proto version incompatible"},
		{CodeLinkVersionMismatch, "link version mismatch"},
		{CodeEventRequirementsNotSatisfied, "event requirements not satisfied"},
		{CodeDataSourceRequirementsNotSatisfied, "data source requirements not satisfied"},
		{CodeFunctionRequirementsNotSatisfied, "function requirements not satisfied"},
		{CodeMalformedMessage, "malformed message"},
		{CodeProtocolError, "protocol error"},
		{CodeUndefinedLinkError, "undefined link error"},
		{CloseCode(4000), "N/A"},
	}

	for _, test := range tests {
		assert.Equal(t, test.name, test.code.Name())
	}
}
