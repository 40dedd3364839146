package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/parla/internal/observability"
	"github.com/harun/parla/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultURL              = "wss://api.openai.com/v1/realtime"
	DefaultModel            = "gpt-realtime"
	DefaultKeepAlive        = 20 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultEventBuffer      = 256

	writeTimeout = 10 * time.Second
	closeReason  = "Client disconnect"
)

// ErrNotConnected is returned by sends while no connection is open
var ErrNotConnected = errors.New("realtime session not connected")

// State is the connection lifecycle state
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Config locates and authenticates the realtime endpoint
type Config struct {
	URL              string
	Model            string
	APIKey           string
	Headers          http.Header
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int
}

// Tool is a function the model may call
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// SessionConfig is pushed with session.update
type SessionConfig struct {
	Voice         string
	Instructions  string
	TurnDetection string // semantic_vad, server_vad or none
	Tools         []Tool
}

// Option configures a Session
type Option func(*Session)

// WithDialer replaces the WebSocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithUnrecognizedEvents forwards frames of unknown type as Unrecognized
// events instead of dropping them
func WithUnrecognizedEvents(forward bool) Option {
	return func(s *Session) { s.forwardUnrecognized = forward }
}

// Session is one realtime conversation connection
type Session struct {
	cfg                 Config
	dialer              *websocket.Dialer
	forwardUnrecognized bool

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	events chan Event
	stop   chan struct{}
	done   chan struct{}

	writeMu sync.Mutex
}

// New creates an idle session
func New(cfg Config, opts ...Option) *Session {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	s := &Session{cfg: cfg, state: StateIdle}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	observability.EnsureRegistered()
	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the event stream of the current connection. The channel is
// closed when that connection ends; a later Connect creates a new one.
func (s *Session) Events() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", s.cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the connection. It is a no-op while connecting or connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, tracing.TracerRealtime, "realtime.connect",
		attribute.String("model", s.cfg.Model),
	)

	conn, err := s.dial(ctx)
	tracing.EndSpan(span, err)
	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		return err
	}

	events := make(chan Event, s.cfg.EventBuffer)
	stop := make(chan struct{})
	done := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.events = events
	s.stop = stop
	s.done = done
	s.state = StateConnected
	s.mu.Unlock()

	readTimeout := 3 * s.cfg.KeepAlive
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	events <- Connected{}
	observability.SetRealtimeConnected(true)
	log.Info().Str("model", s.cfg.Model).Msg("Realtime session connected")

	go s.readLoop(conn, events, stop, done, readTimeout)
	go s.keepAlive(conn, done)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := s.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, vs := range s.cfg.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := s.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to realtime endpoint: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to realtime endpoint: %w", err)
	}
	return conn, nil
}

func (s *Session) readLoop(conn *websocket.Conn, events chan Event, stop, done chan struct{}, readTimeout time.Duration) {
	defer close(done)
	defer close(events)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-stop:
			return false
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.finish(conn, events, stop, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		ev, err := DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed realtime frame")
			observability.RecordRealtimeError(false)
			emit(Error{Message: err.Error()})
			continue
		}

		typ := TypeOf(ev)
		observability.RecordRealtimeEvent(typ)

		switch e := ev.(type) {
		case Unrecognized:
			log.Debug().Str("event_type", e.Type).Msg("Unrecognized realtime event")
			if !s.forwardUnrecognized {
				continue
			}
		case Error:
			observability.RecordRealtimeError(IsBenignCancellation(e.Message))
			log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("Realtime error event")
		}

		emit(ev)
	}
}

// finish records the end of a connection and emits its final events
func (s *Session) finish(conn *websocket.Conn, events chan Event, stop chan struct{}, readErr error) {
	s.mu.Lock()
	explicit := s.conn != conn
	if !explicit {
		s.conn = nil
		if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.state = StateDisconnected
		} else {
			s.state = StateError
		}
	}
	state := s.state
	s.mu.Unlock()

	observability.SetRealtimeConnected(false)
	conn.Close()

	reason := closeReason
	if !explicit {
		reason = readErr.Error()
		log.Warn().Err(readErr).Str("state", string(state)).Msg("Realtime connection ended")
	}

	final := []Event{Disconnected{Reason: reason}}
	if !explicit && state == StateError {
		final = []Event{Error{Message: "connection lost: " + readErr.Error()}, Disconnected{Reason: reason}}
	}
	for _, ev := range final {
		select {
		case events <- ev:
		case <-stop:
			select {
			case events <- ev:
			default:
			}
		}
	}
}

func (s *Session) keepAlive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("Realtime keep-alive ping failed")
				return
			}
		case <-done:
			return
		}
	}
}

// Disconnect closes the connection with a normal closure and waits for the
// event stream to end
func (s *Session) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		if s.state != StateIdle {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		return nil
	}
	s.conn = nil
	s.state = StateDisconnected
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)

	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason)
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		conn.Close()
		<-done
	}

	log.Info().Msg("Realtime session disconnected")
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (s *Session) send(eventType string, v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to send %s: %w", eventType, err)
	}
	observability.RecordRealtimeSend(eventType)
	return nil
}

func (s *Session) sendType(eventType string) error {
	return s.send(eventType, map[string]string{"type": eventType})
}

func turnDetection(mode string) any {
	switch mode {
	case "none":
		return nil
	case "server_vad":
		return map[string]any{
			"type":                "server_vad",
			"threshold":           0.5,
			"prefix_padding_ms":   300,
			"silence_duration_ms": 500,
		}
	case "":
		return map[string]any{"type": "semantic_vad"}
	default:
		return map[string]any{"type": mode}
	}
}

// UpdateSession pushes voice, instructions, turn detection and the tool
// catalog. It may be sent repeatedly; the last one wins.
func (s *Session) UpdateSession(cfg SessionConfig) error {
	tools := make([]Tool, len(cfg.Tools))
	copy(tools, cfg.Tools)
	for i := range tools {
		if tools[i].Type == "" {
			tools[i].Type = "function"
		}
	}

	session := map[string]any{
		"modalities":          []string{"text", "audio"},
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"input_audio_transcription": map[string]any{
			"model": "whisper-1",
		},
		"turn_detection": turnDetection(cfg.TurnDetection),
		"tools":          tools,
		"tool_choice":    "auto",
	}
	if cfg.Voice != "" {
		session["voice"] = cfg.Voice
	}
	if cfg.Instructions != "" {
		session["instructions"] = cfg.Instructions
	}

	return s.send(TypeSessionUpdate, map[string]any{
		"type":    TypeSessionUpdate,
		"session": session,
	})
}

// SendAudio appends one PCM16 chunk to the input buffer
func (s *Session) SendAudio(pcm []byte) error {
	return s.send(TypeAudioAppend, map[string]any{
		"type":  TypeAudioAppend,
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *Session) sendUserContent(content map[string]any) error {
	return s.send(TypeItemCreate, map[string]any{
		"type": TypeItemCreate,
		"item": map[string]any{
			"type":    "message",
			"role":    "user",
			"content": []map[string]any{content},
		},
	})
}

// SendText adds a user text message to the conversation
func (s *Session) SendText(text string) error {
	return s.sendUserContent(map[string]any{"type": "input_text", "text": text})
}

// SendImage adds a user image as a data URL
func (s *Session) SendImage(image []byte, mimeType string) error {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	return s.sendUserContent(map[string]any{"type": "input_image", "image_url": dataURL})
}

// CommitAudio ends the user turn and requests a response
func (s *Session) CommitAudio() error {
	if err := s.sendType(TypeAudioCommit); err != nil {
		return err
	}
	return s.CreateResponse()
}

// CreateResponse asks the model to respond
func (s *Session) CreateResponse() error {
	return s.sendType(TypeResponseCreate)
}

// CancelResponse asks the server to stop the in-flight response. A reply of
// "no active response" is expected when nothing is playing.
func (s *Session) CancelResponse() error {
	return s.sendType(TypeResponseCancel)
}

// ClearInputBuffer discards uncommitted input audio
func (s *Session) ClearInputBuffer() error {
	return s.sendType(TypeAudioClear)
}

// SendToolResult delivers a function output and requests the follow-up response
func (s *Session) SendToolResult(callID, output string) error {
	err := s.send(TypeItemCreate, map[string]any{
		"type": TypeItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
	if err != nil {
		return err
	}
	return s.CreateResponse()
}

// ClearConversation resets the server-side conversation history
func (s *Session) ClearConversation() error {
	return s.sendType(TypeConversationClear)
}
