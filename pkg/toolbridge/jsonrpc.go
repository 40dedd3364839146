package toolbridge

import (
	"encoding/json"
)

const (
	jsonRPCVersion  = "2.0"
	protocolVersion = "2024-11-05"

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"

	headerSessionID   = "mcp-session-id"
	headerContentType = "Content-Type"
	headerAccept      = "Accept"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
	acceptBoth      = "application/json, text/event-stream"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

func newInitializeParams(info clientInfo) initializeParams {
	return initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		ClientInfo: info,
	}
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// wireTool is a tool entry as listed by either transport. HTTP providers use
// inputSchema, WebSocket providers use parameters.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func (w wireTool) schema() json.RawMessage {
	if len(w.InputSchema) > 0 {
		return w.InputSchema
	}
	return w.Parameters
}

type toolsListResult struct {
	Tools []wireTool `json:"tools"`
}

// WebSocket tool protocol message types
const (
	wsTypeListTools  = "list_tools"
	wsTypeToolsList  = "tools_list"
	wsTypeToolCall   = "tool_call"
	wsTypeToolResult = "tool_result"
	wsTypeError      = "error"
)

type wsListTools struct {
	Type string `json:"type"`
}

type wsToolCall struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

type wsEnvelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Tools  []wireTool      `json:"tools,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// wsMessage is the closed set of inbound WebSocket provider messages
type wsMessage interface {
	wsMessage()
}

type wsToolsListMsg struct{ Tools []wireTool }

type wsToolResultMsg struct {
	ID     string
	Result string
}

type wsErrorMsg struct {
	ID    string
	Error string
}

type wsUnrecognizedMsg struct {
	Type string
	Raw  json.RawMessage
}

func (wsToolsListMsg) wsMessage()    {}
func (wsToolResultMsg) wsMessage()   {}
func (wsErrorMsg) wsMessage()        {}
func (wsUnrecognizedMsg) wsMessage() {}

func decodeWSMessage(data []byte) (wsMessage, error) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case wsTypeToolsList:
		return wsToolsListMsg{Tools: env.Tools}, nil
	case wsTypeToolResult:
		return wsToolResultMsg{ID: env.ID, Result: resultText(env.Result)}, nil
	case wsTypeError:
		return wsErrorMsg{ID: env.ID, Error: env.Error}, nil
	default:
		return wsUnrecognizedMsg{Type: env.Type, Raw: json.RawMessage(data)}, nil
	}
}

// resultText unquotes a JSON string result and passes anything else through
// as JSON text
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
