package toolbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/parla/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	dialTimeout           = 30 * time.Second
	tlsHandshakeTimeout   = 30 * time.Second
	responseHeaderTimeout = 60 * time.Second
	maxResponseBody       = 8 * 1024 * 1024
)

// newHTTPClient builds the per-provider client with bounded connect and
// response header waits
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   tlsHandshakeTimeout,
			ResponseHeaderTimeout: responseHeaderTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
}

// initialURL appends no_auth=true for unauthenticated providers that do not
// already carry the parameter
func initialURL(raw string, kind AuthKind) string {
	if (kind != "" && kind != AuthNone) || strings.Contains(raw, "no_auth=") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("no_auth", "true")
	u.RawQuery = q.Encode()
	return u.String()
}

// httpConn speaks MCP JSON-RPC over HTTP POST to one provider
type httpConn struct {
	name     string
	endpoint string
	firstURL string
	client   *http.Client
	creds    CredentialProvider
	info     clientInfo
	settle   time.Duration

	nextID atomic.Int64

	mu        sync.RWMutex
	sessionID string
}

func newHTTPConn(cfg ProviderConfig, client *http.Client, creds CredentialProvider, info clientInfo, settle time.Duration) *httpConn {
	return &httpConn{
		name:     cfg.Name,
		endpoint: cfg.URL,
		firstURL: initialURL(cfg.URL, cfg.Auth.Kind),
		client:   client,
		creds:    creds,
		info:     info,
		settle:   settle,
	}
}

func (c *httpConn) transport() Transport { return TransportHTTP }

func (c *httpConn) hasSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID != ""
}

func (c *httpConn) session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// connect runs the handshake and returns the advertised tools
func (c *httpConn) connect(ctx context.Context) ([]wireTool, error) {
	if c.firstURL != c.endpoint {
		log.Info().Str("provider", c.name).Msg("Provider has no auth, requesting no_auth mode")
	}

	if _, err := c.step(ctx, c.firstURL, methodInitialize, newInitializeParams(c.info)); err != nil {
		return nil, err
	}

	if sid := c.session(); sid != "" {
		log.Debug().Str("provider", c.name).Msg("Provider issued a session")
	} else {
		log.Debug().Str("provider", c.name).Msg("Provider issued no session header")
	}

	if err := c.notify(ctx, methodInitialized); err != nil {
		// non-fatal
		log.Warn().Err(err).Str("provider", c.name).Msg("Initialized notification failed")
	}

	if c.settle > 0 {
		select {
		case <-time.After(c.settle):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	raw, err := c.step(ctx, c.endpoint, methodToolsList, map[string]any{})
	if err != nil {
		return nil, err
	}

	var listed toolsListResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &listed); err != nil {
			return nil, fmt.Errorf("failed to decode tools/list result: %w", err)
		}
	}
	return listed.Tools, nil
}

func (c *httpConn) step(ctx context.Context, target, method string, params any) (json.RawMessage, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerToolBridge, "toolbridge."+method,
		attribute.String("provider", c.name),
	)
	raw, err := c.request(ctx, target, method, params)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return raw, nil
}

// call invokes tools/call and returns the raw result JSON as text
func (c *httpConn) call(ctx context.Context, _ string, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.request(ctx, c.endpoint, methodToolsCall, toolsCallParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "{}", nil
	}
	return string(raw), nil
}

func (c *httpConn) request(ctx context.Context, target, method string, params any) (json.RawMessage, error) {
	msg := rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	resp, err := c.post(ctx, target, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if method == methodInitialize {
		if sid := resp.Header.Get(headerSessionID); sid != "" {
			c.mu.Lock()
			c.sessionID = sid
			c.mu.Unlock()
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	payload, err := readPayload(resp)
	if err != nil {
		return nil, err
	}

	var rpc rpcResponse
	if err := json.Unmarshal(payload, &rpc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON-RPC response: %w", err)
	}
	if rpc.Error != nil {
		return nil, rpc.Error
	}
	return rpc.Result, nil
}

func (c *httpConn) notify(ctx context.Context, method string) error {
	resp, err := c.post(ctx, c.endpoint, rpcRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  map[string]any{},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *httpConn) post(ctx context.Context, target string, msg rpcRequest) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", msg.Method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerAccept, acceptBoth)
	if err := c.applyHeaders(ctx, req); err != nil {
		return nil, err
	}

	return c.client.Do(req)
}

func (c *httpConn) applyHeaders(ctx context.Context, req *http.Request) error {
	if c.creds != nil {
		h, err := c.creds.Headers(ctx)
		if err != nil {
			return err
		}
		for k, vs := range h {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	if sid := c.session(); sid != "" {
		req.Header.Set(headerSessionID, sid)
	}
	return nil
}

// readPayload returns the JSON-RPC message from a plain JSON or SSE body
func readPayload(resp *http.Response) ([]byte, error) {
	body := io.LimitReader(resp.Body, maxResponseBody)
	if strings.Contains(resp.Header.Get(headerContentType), contentTypeSSE) {
		return readSSEMessage(body)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyResponse
	}
	return data, nil
}

// close terminates the provider session, if any, with a DELETE
func (c *httpConn) close(ctx context.Context) error {
	sid := c.session()
	if sid == "" {
		return nil
	}
	defer func() {
		c.mu.Lock()
		c.sessionID = ""
		c.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return err
	}
	if err := c.applyHeaders(ctx, req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed {
		return fmt.Errorf("session delete returned HTTP %d", resp.StatusCode)
	}
	return nil
}
