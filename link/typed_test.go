package link

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/msglink/errors"
	"github.com/c360/msglink/schema"
)

type tempReading struct {
	Celsius float64 `json:"c"`
}

type pingParams struct {
	Seq int `json:"seq"`
}

type pingResults struct {
	Pong int `json:"pong"`
}

var (
	tempEvent = EventDef[tempReading]{Name: "Temp", Direction: schema.DirectionBidirectional}
	pingFunc  = FuncDef[pingParams, pingResults]{Name: "Ping", Direction: schema.DirectionBidirectional}
)

// typedDefine builds the sensor schema through the typed descriptors
func typedDefine(d *Definition) {
	tempEvent.Define(d)
	pingFunc.Define(d, func(p pingParams) (pingResults, error) {
		return pingResults{Pong: p.Seq}, nil
	})
}

func TestTyped_EmitAndSubscribe(t *testing.T) {
	l, sender := newTestLink(t, RoleServer, 7, typedDefine)
	authenticate(t, l, -1)

	var got []tempReading
	_, err := Subscribe(l, tempEvent, func(r tempReading) { got = append(got, r) })
	require.NoError(t, err)

	require.NoError(t, l.OnMessage([]byte(`{"type":"evt_emit","tid":-2,"name":"Temp","data":{"c":21.5}}`)))
	require.Len(t, got, 1)
	assert.Equal(t, 21.5, got[0].Celsius)

	// emit only reaches the wire once the peer subscribed
	base := sender.sentCount()
	require.NoError(t, Emit(l, tempEvent, tempReading{Celsius: 19}))
	assert.Equal(t, base, sender.sentCount())

	require.NoError(t, l.OnMessage([]byte(`{"type":"evt_sub","tid":-3,"name":"Temp"}`)))
	require.NoError(t, Emit(l, tempEvent, tempReading{Celsius: 19}))
	require.Equal(t, base+1, sender.sentCount())
	assert.Contains(t, sender.last(), `"name":"Temp"`)
	assert.Contains(t, sender.last(), `"c":19`)
}

func TestTyped_SubscribeSkipsUndecodablePayloads(t *testing.T) {
	l, _ := newTestLink(t, RoleServer, 7, typedDefine)
	authenticate(t, l, -1)

	var calls int
	_, err := Subscribe(l, tempEvent, func(tempReading) { calls++ })
	require.NoError(t, err)

	require.NoError(t, l.OnMessage([]byte(`{"type":"evt_emit","tid":-2,"name":"Temp","data":"not an object"}`)))
	assert.Equal(t, 0, calls)

	require.NoError(t, l.OnMessage([]byte(`{"type":"evt_emit","tid":-3,"name":"Temp","data":{"c":1}}`)))
	assert.Equal(t, 1, calls)
}

func TestTyped_Call(t *testing.T) {
	l, sender := newTestLink(t, RoleClient, 7, typedDefine)
	authenticate(t, l, 1)

	done := make(chan struct{})
	var result pingResults
	var callErr error
	go func() {
		defer close(done)
		result, callErr = Call(t.Context(), l, pingFunc, pingParams{Seq: 9})
	}()

	// wait for the call frame, then answer it
	require.Eventually(t, func() bool { return sender.sentCount() >= 3 }, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"type":"func_call","tid":-2,"name":"Ping","params":{"seq":9}}`, sender.last())

	require.NoError(t, l.OnMessage([]byte(`{"type":"func_result","tid":-2,"results":{"pong":9}}`)))
	<-done
	require.NoError(t, callErr)
	assert.Equal(t, 9, result.Pong)
}

func TestTyped_CallAsync_ResultShapeMismatch(t *testing.T) {
	l, _ := newTestLink(t, RoleClient, 7, typedDefine)
	authenticate(t, l, 1)

	future, err := CallAsync(l, pingFunc, pingParams{Seq: 1})
	require.NoError(t, err)

	require.NoError(t, l.OnMessage([]byte(`{"type":"func_result","tid":-2,"results":"garbage"}`)))

	_, err = future.Await(t.Context())
	require.Error(t, err)
	assert.Equal(t, errors.KindMalformedMessage, errors.KindOf(err))
}

func TestHandlerFor(t *testing.T) {
	handler := HandlerFor(func(p pingParams) (pingResults, error) {
		return pingResults{Pong: p.Seq * 2}, nil
	})

	out, err := handler(json.RawMessage(`{"seq":4}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":8}`, string(out))

	_, err = handler(json.RawMessage(`"not params"`))
	assert.Error(t, err)
}

func TestHandlerFor_EndToEnd(t *testing.T) {
	l, sender := newTestLink(t, RoleServer, 7, typedDefine)
	authenticate(t, l, -1)
	base := sender.sentCount()

	require.NoError(t, l.OnMessage([]byte(`{"type":"func_call","tid":-4,"name":"Ping","params":{"seq":3}}`)))

	require.Eventually(t, func() bool { return sender.sentCount() == base+1 }, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"type":"func_result","tid":-4,"results":{"pong":3}}`, sender.sent()[base])
}
