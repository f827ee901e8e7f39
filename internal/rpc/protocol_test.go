package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_JSONRoundTrip(t *testing.T) {
	req := Request{ID: "r1", Method: "session.get", Params: json.RawMessage(`{"session_id":"s1"}`)}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var got Request
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, req, got)
}

func TestResponse_OmitsErrorWhenResultPresent(t *testing.T) {
	resp := Response{ID: "r1", Result: json.RawMessage(`{"ok":true}`)}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"error"`)
}

func TestResponse_OmitsResultWhenErrorPresent(t *testing.T) {
	resp := Response{ID: "r1", Error: newError(CodeNotFound, "no such session")}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"result"`)

	var got Response
	require.NoError(t, json.Unmarshal(data, &got))
	require.NotNil(t, got.Error)
	assert.Equal(t, CodeNotFound, got.Error.Code)
	assert.Equal(t, "no such session", got.Error.Message)
}

func TestEvent_SequenceOmittedWhenZero(t *testing.T) {
	ev := Event{Type: "initial_state", SessionID: "s1"}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"sequence"`)
}

func TestEvent_CarriesSequence(t *testing.T) {
	ev := Event{Type: "raw_event", SessionID: "s1", Sequence: 42, Data: json.RawMessage(`{"a":1}`)}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, int64(42), got.Sequence)
	assert.Equal(t, "s1", got.SessionID)
}

func TestNewError_NoDataByDefault(t *testing.T) {
	eo := newError(CodeInvalidParams, "bad params")
	data, err := json.Marshal(eo)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"data"`)
}

func TestEnvelope_DecodesMethodAndParams(t *testing.T) {
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(`{"id":"r1","method":"health","params":{}}`), &env))
	assert.Equal(t, "r1", env.ID)
	assert.Equal(t, "health", env.Method)
}
