package toolbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteTimeout = 10 * time.Second
	closeReason    = "Client disconnect"
)

// wsConn speaks the message-typed tool protocol over one WebSocket
type wsConn struct {
	name   string
	url    string
	dialer *websocket.Dialer
	creds  CredentialProvider

	// onTools receives tool lists pushed after the initial discovery
	onTools func([]wireTool)
	// onError receives provider errors not tied to a call
	onError func(error)
	// onClosed runs once when the server side drops the connection
	onClosed func(error)

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	pending   map[string]*PendingCall
	firstList chan []wireTool
	listed    bool
	closing   bool
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

func newWSConn(cfg ProviderConfig, dialer *websocket.Dialer, creds CredentialProvider) *wsConn {
	return &wsConn{
		name:      cfg.Name,
		url:       cfg.URL,
		dialer:    dialer,
		creds:     creds,
		pending:   make(map[string]*PendingCall),
		firstList: make(chan []wireTool, 1),
		done:      make(chan struct{}),
	}
}

func (c *wsConn) transport() Transport { return TransportWebSocket }

func (c *wsConn) hasSession() bool { return false }

// connect dials, requests the tool list and waits for the first answer
func (c *wsConn) connect(ctx context.Context) ([]wireTool, error) {
	header := http.Header{}
	if c.creds != nil {
		h, err := c.creds.Headers(ctx)
		if err != nil {
			return nil, err
		}
		header = h
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop()

	if err := c.writeJSON(wsListTools{Type: wsTypeListTools}); err != nil {
		c.close(context.Background())
		return nil, fmt.Errorf("%s: %w", wsTypeListTools, err)
	}

	select {
	case tools := <-c.firstList:
		return tools, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		c.close(context.Background())
		return nil, ctx.Err()
	}
}

func (c *wsConn) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing {
				c.readErr = err
				if c.onClosed != nil {
					c.onClosed(err)
				}
			}
			return
		}

		msg, err := decodeWSMessage(data)
		if err != nil {
			c.report(fmt.Errorf("malformed message: %w", err))
			continue
		}

		switch m := msg.(type) {
		case wsToolsListMsg:
			c.mu.Lock()
			first := !c.listed
			c.listed = true
			c.mu.Unlock()
			if first {
				c.firstList <- m.Tools
			} else if c.onTools != nil {
				c.onTools(m.Tools)
			}
		case wsToolResultMsg:
			if !c.resolve(m.ID, callOutcome{output: m.Result}) {
				log.Warn().Str("provider", c.name).Str("call_id", m.ID).Msg("Result for unknown call")
			}
		case wsErrorMsg:
			if m.ID != "" && c.resolve(m.ID, callOutcome{err: fmt.Errorf("provider error: %s", m.Error)}) {
				continue
			}
			c.report(fmt.Errorf("provider error: %s", m.Error))
		case wsUnrecognizedMsg:
			log.Debug().Str("provider", c.name).Str("type", m.Type).Msg("Ignoring unrecognized provider message")
		}
	}
}

func (c *wsConn) report(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *wsConn) resolve(id string, outcome callOutcome) bool {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		pc.result <- outcome
	}
	return ok
}

// call sends tool_call and waits for the correlated tool_result or error
func (c *wsConn) call(ctx context.Context, callID, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}

	pc := &PendingCall{
		CallID:      callID,
		Provider:    c.name,
		Tool:        name,
		SubmittedAt: time.Now(),
		result:      make(chan callOutcome, 1),
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return "", ErrProviderClosed
	}
	if _, exists := c.pending[callID]; exists {
		c.mu.Unlock()
		return "", ErrDuplicateCall
	}
	c.pending[callID] = pc
	c.mu.Unlock()

	if err := c.writeJSON(wsToolCall{Type: wsTypeToolCall, ID: callID, Name: name, Parameters: args}); err != nil {
		c.forget(callID)
		return "", err
	}

	select {
	case out := <-pc.result:
		return out.output, out.err
	case <-ctx.Done():
		c.forget(callID)
		return "", ctx.Err()
	}
}

func (c *wsConn) forget(callID string) {
	c.mu.Lock()
	delete(c.pending, callID)
	c.mu.Unlock()
}

func (c *wsConn) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) closedErr() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrProviderClosed, c.readErr)
	}
	return ErrProviderClosed
}

// shutdown fails every pending call and marks the connection done
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		pending := c.pending
		c.pending = make(map[string]*PendingCall)
		c.mu.Unlock()

		for _, pc := range pending {
			pc.result <- callOutcome{err: ErrProviderClosed}
		}
		close(c.done)
	})
}

// close sends a normal closure frame and waits briefly for the read loop
func (c *wsConn) close(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closing = true
	c.mu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason)
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
	case <-time.After(time.Second):
	}

	c.shutdown()
	if cerr := c.conn.Close(); err == nil && cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
		err = cerr
	}
	return err
}
