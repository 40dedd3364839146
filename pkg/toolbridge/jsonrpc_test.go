package toolbridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWSMessage(t *testing.T) {
	msg, err := decodeWSMessage([]byte(`{"type":"tools_list","tools":[{"name":"a","parameters":{"type":"object"}}]}`))
	require.NoError(t, err)
	list, ok := msg.(wsToolsListMsg)
	require.True(t, ok)
	require.Len(t, list.Tools, 1)
	assert.JSONEq(t, `{"type":"object"}`, string(list.Tools[0].schema()))

	msg, err = decodeWSMessage([]byte(`{"type":"tool_result","id":"1","result":{"n":2}}`))
	require.NoError(t, err)
	assert.Equal(t, wsToolResultMsg{ID: "1", Result: `{"n":2}`}, msg)

	msg, err = decodeWSMessage([]byte(`{"type":"tool_result","id":"2","result":"done"}`))
	require.NoError(t, err)
	assert.Equal(t, wsToolResultMsg{ID: "2", Result: "done"}, msg)

	msg, err = decodeWSMessage([]byte(`{"type":"error","error":"bad"}`))
	require.NoError(t, err)
	assert.Equal(t, wsErrorMsg{Error: "bad"}, msg)

	msg, err = decodeWSMessage([]byte(`{"type":"progress","pct":10}`))
	require.NoError(t, err)
	unk, ok := msg.(wsUnrecognizedMsg)
	require.True(t, ok)
	assert.Equal(t, "progress", unk.Type)

	_, err = decodeWSMessage([]byte(`{not json`))
	assert.Error(t, err)
}

func TestWireTool_PrefersInputSchema(t *testing.T) {
	w := wireTool{InputSchema: json.RawMessage(`{"a":1}`), Parameters: json.RawMessage(`{"b":2}`)}
	assert.JSONEq(t, `{"a":1}`, string(w.schema()))
}

func TestToolCallEncodingKeepsTypes(t *testing.T) {
	data, err := json.Marshal(wsToolCall{
		Type:       wsTypeToolCall,
		ID:         "c1",
		Name:       "set",
		Parameters: map[string]any{"on": true, "n": 3, "f": 1.5, "s": "3"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_call","id":"c1","name":"set","parameters":{"on":true,"n":3,"f":1.5,"s":"3"}}`, string(data))
}

func TestRPCErrorFormat(t *testing.T) {
	err := &RPCError{Code: -32601, Message: "method not found"}
	assert.Equal(t, "MCP error (-32601): method not found", err.Error())

	perr := &ProviderError{Provider: "p", Op: "call", Err: err}
	var target *RPCError
	assert.ErrorAs(t, perr, &target)
	assert.Equal(t, "provider p: call: MCP error (-32601): method not found", perr.Error())
}
