package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	m := &Message{
		Protocol:  Protocol,
		Channel:   ChannelRPC,
		RequestID: 7,
		Type:      TypeFunctionCall,
		Function:  "add",
		Args:      []json.RawMessage{json.RawMessage("2"), json.RawMessage("3")},
	}
	b, err := EncodeFrame(m)
	require.NoError(t, err)

	got, err := ParseFrame(b)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestParseFrameRejects(t *testing.T) {
	cases := []struct {
		name string
		json string
		want error
	}{
		{
			name: "not JSON",
			json: `{{{`,
			want: ErrMalformedFrame,
		},
		{
			name: "wrong protocol",
			json: `{"protocol":"other-rpc","channel":"rpc","requestId":1}`,
			want: ErrMalformedFrame,
		},
		{
			name: "missing channel",
			json: `{"protocol":"hostd-rpc","requestId":1}`,
			want: ErrMalformedFrame,
		},
		{
			name: "unknown channel",
			json: `{"protocol":"hostd-rpc","channel":"telemetry","requestId":1}`,
			want: ErrMalformedFrame,
		},
		{
			name: "missing request id",
			json: `{"protocol":"hostd-rpc","channel":"rpc"}`,
			want: ErrMalformedFrame,
		},
		{
			name: "unknown message type",
			json: `{"protocol":"hostd-rpc","channel":"rpc","requestId":1,"type":"Telepathy"}`,
			want: ErrUnknownMessageType,
		},
		{
			name: "function call without name",
			json: `{"protocol":"hostd-rpc","channel":"rpc","requestId":1,"type":"FunctionCall"}`,
			want: ErrMalformedFrame,
		},
		{
			name: "method call without object id",
			json: `{"protocol":"hostd-rpc","channel":"rpc","requestId":1,"type":"MethodCall","method":"watch"}`,
			want: ErrMalformedFrame,
		},
		{
			name: "new object without interface",
			json: `{"protocol":"hostd-rpc","channel":"rpc","requestId":1,"type":"NewObject"}`,
			want: ErrMalformedFrame,
		},
		{
			name: "dispose without object id",
			json: `{"protocol":"hostd-rpc","channel":"rpc","requestId":1,"type":"DisposeObject"}`,
			want: ErrMalformedFrame,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(c.json))
			require.ErrorIs(t, err, c.want)
		})
	}
}

func TestParseFrameIgnoresUnknownFields(t *testing.T) {
	b := []byte(`{"protocol":"hostd-rpc","channel":"rpc","requestId":3,"type":"FunctionCall","function":"ping","futureField":true}`)
	m, err := ParseFrame(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.RequestID)
	assert.Equal(t, "ping", m.Function)
}

func TestParseFrameResponse(t *testing.T) {
	b := []byte(`{"protocol":"hostd-rpc","channel":"rpc","requestId":1,"hadError":false,"result":5}`)
	m, err := ParseFrame(b)
	require.NoError(t, err)
	assert.False(t, m.IsRequest())
	assert.JSONEq(t, `5`, string(m.Result))

	b = []byte(`{"protocol":"hostd-rpc","channel":"rpc","requestId":2,"hadError":true,"error":{"message":"boom","code":"EBOOM"}}`)
	m, err = ParseFrame(b)
	require.NoError(t, err)
	assert.True(t, m.HadError)

	var re RemoteError
	require.NoError(t, json.Unmarshal(m.Error, &re))
	assert.Equal(t, "boom", re.Message)
	assert.Equal(t, "EBOOM", re.Code)
}

func TestErrorEncoding(t *testing.T) {
	raw := encodeError(&RemoteError{Message: "boom", Code: "EBOOM"})
	err := decodeError(raw)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "boom", re.Message)
	assert.Equal(t, "EBOOM", re.Code)

	// primitives surface as-is in the message
	err = decodeError(json.RawMessage(`"it broke"`))
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "it broke", re.Message)
	assert.Empty(t, re.Code)

	err = decodeError(json.RawMessage(`42`))
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "42", re.Message)
}
