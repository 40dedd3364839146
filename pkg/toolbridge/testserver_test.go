package toolbridge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// recordedRequest is one request seen by a fake MCP HTTP provider
type recordedRequest struct {
	Method     string
	HTTPMethod string
	Query      string
	Header     http.Header
	Body       map[string]any
	Arguments  json.RawMessage
}

// mcpServer emulates an MCP HTTP provider
type mcpServer struct {
	t         *testing.T
	sessionID string
	sse       bool
	tools     []map[string]any
	listErr   *RPCError
	onCall    func(name string, args json.RawMessage) (any, *RPCError)

	mu       sync.Mutex
	requests []recordedRequest
	srv      *httptest.Server
}

func newMCPServer(t *testing.T, tools []map[string]any) *mcpServer {
	t.Helper()
	m := &mcpServer{t: t, tools: tools}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mcpServer) URL() string { return m.srv.URL + "/mcp" }

func (m *mcpServer) handle(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{HTTPMethod: r.Method, Query: r.URL.RawQuery, Header: r.Header.Clone()}

	if r.Method == http.MethodDelete {
		m.record(rec)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	rec.Body = body
	rec.Method, _ = body["method"].(string)

	var envelope struct {
		Params struct {
			Arguments json.RawMessage `json:"arguments"`
		} `json:"params"`
	}
	_ = json.Unmarshal(raw, &envelope)
	rec.Arguments = envelope.Params.Arguments
	m.record(rec)

	id := body["id"]
	switch rec.Method {
	case methodInitialize:
		if m.sessionID != "" {
			w.Header().Set(headerSessionID, m.sessionID)
		}
		m.reply(w, id, map[string]any{"protocolVersion": protocolVersion, "capabilities": map[string]any{}}, nil)
	case methodInitialized:
		w.WriteHeader(http.StatusAccepted)
	case methodToolsList:
		if m.listErr != nil {
			m.reply(w, id, nil, m.listErr)
			return
		}
		m.reply(w, id, map[string]any{"tools": m.tools}, nil)
	case methodToolsCall:
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		p, _ := json.Marshal(body["params"])
		_ = json.Unmarshal(p, &params)
		if m.onCall == nil {
			m.reply(w, id, map[string]any{"content": []any{}}, nil)
			return
		}
		result, rpcErr := m.onCall(params.Name, params.Arguments)
		m.reply(w, id, result, rpcErr)
	default:
		m.reply(w, id, nil, &RPCError{Code: -32601, Message: "method not found"})
	}
}

func (m *mcpServer) reply(w http.ResponseWriter, id any, result any, rpcErr *RPCError) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	data, _ := json.Marshal(resp)

	if m.sse {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message\ndata: "+string(data)+"\n\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (m *mcpServer) record(r recordedRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, r)
}

func (m *mcpServer) Requests() []recordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedRequest(nil), m.requests...)
}

func (m *mcpServer) RequestsFor(method string) []recordedRequest {
	var out []recordedRequest
	for _, r := range m.Requests() {
		if r.Method == method || r.HTTPMethod == method {
			out = append(out, r)
		}
	}
	return out
}

// wsProvider emulates a WebSocket tool provider
type wsProvider struct {
	tools   []map[string]any
	handler func(conn *websocket.Conn, msg map[string]any)
	// silent leaves list_tools unanswered
	silent bool
	// beforeList runs before each list_tools answer
	beforeList func()

	mu         sync.Mutex
	conns      []*websocket.Conn
	calls      []map[string]any
	closeCodes []int
	srv        *httptest.Server
}

func newWSProvider(t *testing.T, tools []map[string]any) *wsProvider {
	t.Helper()
	p := &wsProvider{tools: tools}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					p.mu.Lock()
					p.closeCodes = append(p.closeCodes, ce.Code)
					p.mu.Unlock()
				}
				return
			}
			switch msg["type"] {
			case wsTypeListTools:
				if p.silent {
					continue
				}
				if p.beforeList != nil {
					p.beforeList()
				}
				_ = conn.WriteJSON(map[string]any{"type": wsTypeToolsList, "tools": p.tools})
			case wsTypeToolCall:
				p.mu.Lock()
				p.calls = append(p.calls, msg)
				handler := p.handler
				p.mu.Unlock()
				if handler != nil {
					handler(conn, msg)
				} else {
					_ = conn.WriteJSON(map[string]any{"type": wsTypeToolResult, "id": msg["id"], "result": "ok"})
				}
			}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *wsProvider) URL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *wsProvider) Calls() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.calls...)
}

func (p *wsProvider) setHandler(h func(conn *websocket.Conn, msg map[string]any)) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *wsProvider) CloseCodes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.closeCodes...)
}

// push sends msg on every open connection
func (p *wsProvider) push(msg map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.WriteJSON(msg)
	}
}

func (p *wsProvider) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
}

func forecastTool() map[string]any {
	return map[string]any{
		"name":        "get_forecast",
		"description": "Weather forecast",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
				"days": map[string]any{"type": "integer"},
			},
			"required": []string{"city"},
		},
	}
}

func newTestBridge(providers []ProviderConfig, opts ...Option) *Bridge {
	base := []Option{WithSettleDelay(time.Millisecond), WithCallTimeout(2 * time.Second)}
	return New(providers, append(base, opts...)...)
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tool result")
		return Result{}
	}
}
