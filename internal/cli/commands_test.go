package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/harun/parla/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// weatherProvider is a minimal MCP HTTP provider
type weatherProvider struct {
	mu    sync.Mutex
	calls []map[string]any
	srv   *httptest.Server
}

func newWeatherProvider(t *testing.T) *weatherProvider {
	t.Helper()
	p := &weatherProvider{}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *weatherProvider) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	raw, _ := io.ReadAll(r.Body)
	var req struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	_ = json.Unmarshal(raw, &req)

	var result any
	switch req.Method {
	case "initialize":
		w.Header().Set("mcp-session-id", "sess-1")
		result = map[string]any{"protocolVersion": "2024-11-05", "capabilities": map[string]any{}}
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
		return
	case "tools/list":
		result = map[string]any{"tools": []map[string]any{
			{
				"name":        "get_forecast",
				"description": "Weather forecast for a city",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
				},
			},
			{
				"name":        "bulk_lookup",
				"description": "Broken schema",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"cities": map[string]any{"type": "array"}},
				},
			},
		}}
	case "tools/call":
		p.mu.Lock()
		p.calls = append(p.calls, req.Params.Arguments)
		p.mu.Unlock()
		result = map[string]any{"content": []map[string]any{{"type": "text", "text": "Sunny in " + req.Params.Arguments["city"].(string)}}}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func writeConfig(t *testing.T, providers ...config.ProviderConfig) string {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Providers = providers
	cfg.Bridge.SettleDelayMs = 1
	cfg.Logging.Pretty = false

	path := filepath.Join(t.TempDir(), "parla.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path
}

func weatherConfig(t *testing.T) (string, *weatherProvider) {
	p := newWeatherProvider(t)
	path := writeConfig(t, config.ProviderConfig{
		Name:    "weather",
		URL:     p.srv.URL + "/mcp",
		Enabled: true,
		Auth:    config.AuthConfig{Kind: "none"},
	})
	return path, p
}

func TestToolsCommand(t *testing.T) {
	path, _ := weatherConfig(t)

	t.Run("table", func(t *testing.T) {
		out, _, err := executeCommand(t, "tools", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "PROVIDER")
		assert.Contains(t, out, "get_forecast")
		assert.Contains(t, out, "bulk_lookup")
		assert.Contains(t, out, "array property has no items")
	})

	t.Run("json", func(t *testing.T) {
		out, _, err := executeCommand(t, "tools", "--config", path, "--output", "json")
		require.NoError(t, err)

		var rows []toolRow
		require.NoError(t, json.Unmarshal([]byte(out), &rows))
		require.Len(t, rows, 2)
		byName := map[string]toolRow{}
		for _, r := range rows {
			byName[r.Name] = r
		}
		assert.True(t, byName["get_forecast"].Valid)
		assert.Equal(t, "weather", byName["get_forecast"].Provider)
		assert.False(t, byName["bulk_lookup"].Valid)
		assert.NotEmpty(t, byName["bulk_lookup"].Problems)
	})

	t.Run("yaml", func(t *testing.T) {
		out, _, err := executeCommand(t, "tools", "--config", path, "-o", "yaml")
		require.NoError(t, err)

		var rows []map[string]any
		require.NoError(t, yaml.Unmarshal([]byte(out), &rows))
		require.Len(t, rows, 2)
		params, ok := rows[0]["parameters"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "object", params["type"])
	})

	t.Run("unknown format", func(t *testing.T) {
		_, _, err := executeCommand(t, "tools", "--config", path, "-o", "xml")
		assert.Error(t, err)
	})
}

func TestCallCommand(t *testing.T) {
	path, provider := weatherConfig(t)

	out, _, err := executeCommand(t, "call", "get_forecast", `{"city":"Oslo"}`, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Sunny in Oslo")

	provider.mu.Lock()
	defer provider.mu.Unlock()
	require.Len(t, provider.calls, 1)
	assert.Equal(t, "Oslo", provider.calls[0]["city"])
}

func TestCallCommandErrors(t *testing.T) {
	path, _ := weatherConfig(t)

	_, _, err := executeCommand(t, "call", "get_forecast", `not json`, "--config", path)
	assert.ErrorContains(t, err, "JSON object")

	_, _, err = executeCommand(t, "call", "bulk_lookup", `{}`, "--config", path)
	assert.ErrorContains(t, err, "not found")

	_, _, err = executeCommand(t, "call", "--config", path)
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	path, _ := weatherConfig(t)

	out, _, err := executeCommand(t, "status", "--config", path, "-o", "json")
	require.NoError(t, err)

	var rows []statusRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, statusRow{
		Name:       "weather",
		Transport:  "http",
		State:      "connected",
		Tools:      1,
		Rejected:   1,
		HasSession: true,
	}, rows[0])
}

func TestStatusReportsUnreachableProvider(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/mcp"
	srv.Close()

	path := writeConfig(t, config.ProviderConfig{Name: "down", URL: url, Enabled: true})

	out, _, err := executeCommand(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "down")
	assert.Contains(t, out, "error")
}

func TestInvalidProviderConfig(t *testing.T) {
	path := writeConfig(t, config.ProviderConfig{Name: "bad", URL: "gopher://x", Enabled: true})

	_, _, err := executeCommand(t, "tools", "--config", path)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestRunRequiresAPIKey(t *testing.T) {
	t.Setenv("PARLA_REALTIME_API_KEY", "")
	path, _ := weatherConfig(t)

	_, _, err := executeCommand(t, "run", "--config", path)
	assert.ErrorContains(t, err, "API key")
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs("")
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = parseArgs(`{"days": 3}`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("3"), args["days"])

	_, err = parseArgs(`[1,2]`)
	assert.Error(t, err)
}

func TestTranscriptPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &transcriptPrinter{w: &buf}

	p.Publish("transcript", map[string]string{"text": "Hello there"})
	p.Publish("tool_call", map[string]any{"name": "get_forecast"})
	p.Publish("tool_result", map[string]any{"name": "get_forecast", "error": "boom"})
	p.Publish("tool_result", map[string]any{"name": "get_forecast"})

	assert.Equal(t, "assistant: Hello there\n[tool] get_forecast\n[tool] get_forecast failed: boom\n", buf.String())
}
