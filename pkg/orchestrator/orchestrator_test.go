package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/harun/parla/pkg/realtime"
	"github.com/harun/parla/pkg/toolbridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// callOrder records collaborator calls across mocks
type callOrder struct {
	mu    sync.Mutex
	calls []string
}

func (c *callOrder) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callOrder) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type mockSession struct {
	mock.Mock
	events chan realtime.Event
	order  *callOrder
}

func newMockSession(order *callOrder, events ...realtime.Event) *mockSession {
	ch := make(chan realtime.Event, len(events)+1)
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &mockSession{events: ch, order: order}
}

func (m *mockSession) called(name string, args ...interface{}) mock.Arguments {
	if m.order != nil {
		m.order.add(name)
	}
	return m.Called(args...)
}

func (m *mockSession) Connect(ctx context.Context) error {
	return m.called("Connect", ctx).Error(0)
}

func (m *mockSession) Events() <-chan realtime.Event { return m.events }

func (m *mockSession) UpdateSession(cfg realtime.SessionConfig) error {
	return m.called("UpdateSession", cfg).Error(0)
}

func (m *mockSession) SendAudio(pcm []byte) error {
	return m.called("SendAudio", pcm).Error(0)
}

func (m *mockSession) SendText(text string) error {
	return m.called("SendText", text).Error(0)
}

func (m *mockSession) SendImage(image []byte, mimeType string) error {
	return m.called("SendImage", image, mimeType).Error(0)
}

func (m *mockSession) CommitAudio() error      { return m.called("CommitAudio").Error(0) }
func (m *mockSession) CreateResponse() error   { return m.called("CreateResponse").Error(0) }
func (m *mockSession) CancelResponse() error   { return m.called("CancelResponse").Error(0) }
func (m *mockSession) ClearInputBuffer() error { return m.called("ClearInputBuffer").Error(0) }
func (m *mockSession) Disconnect() error       { return m.called("Disconnect").Error(0) }

func (m *mockSession) SendToolResult(callID, output string) error {
	return m.called("SendToolResult", callID, output).Error(0)
}

// ready stubs the calls every Run makes
func (m *mockSession) ready() *mockSession {
	m.On("Connect", mock.Anything).Return(nil)
	m.On("UpdateSession", mock.Anything).Return(nil)
	return m
}

type mockTools struct {
	mock.Mock
}

func (m *mockTools) Execute(ctx context.Context, name string, args map[string]any, callID string) <-chan toolbridge.Result {
	ret := m.Called(name, args, callID)
	ch := make(chan toolbridge.Result, 1)
	ch <- ret.Get(0).(toolbridge.Result)
	close(ch)
	return ch
}

func (m *mockTools) GetAllTools() []toolbridge.FunctionTool {
	return m.Called().Get(0).([]toolbridge.FunctionTool)
}

func (m *mockTools) WaitForTools(ctx context.Context, minTools int) error {
	return m.Called(minTools).Error(0)
}

func newMockTools(tools ...toolbridge.FunctionTool) *mockTools {
	m := &mockTools{}
	if tools == nil {
		tools = []toolbridge.FunctionTool{}
	}
	m.On("GetAllTools").Return(tools)
	m.On("WaitForTools", mock.Anything).Return(nil)
	return m
}

type mockSink struct {
	mock.Mock
	order *callOrder
}

func (m *mockSink) Play(pcm []byte) error {
	if m.order != nil {
		m.order.add("Play")
	}
	return m.Called(pcm).Error(0)
}

func (m *mockSink) Stop() error {
	if m.order != nil {
		m.order.add("Stop")
	}
	return m.Called().Error(0)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (r *recordingObserver) Publish(event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.data = append(r.data, data)
}

func (r *recordingObserver) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type sliceSource struct {
	chunks [][]byte
	err    error
}

func (s *sliceSource) Read(ctx context.Context) ([]byte, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func forecastTool() toolbridge.FunctionTool {
	return toolbridge.FunctionTool{
		Type:        "function",
		Name:        "get_forecast",
		Description: "Weather forecast",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}
}

func TestRunPushesToolCatalog(t *testing.T) {
	session := newMockSession(nil, realtime.Connected{})
	session.On("Connect", mock.Anything).Return(nil)
	session.On("UpdateSession", mock.MatchedBy(func(cfg realtime.SessionConfig) bool {
		return cfg.Voice == "alloy" &&
			cfg.TurnDetection == "server_vad" &&
			len(cfg.Tools) == 1 &&
			cfg.Tools[0].Name == "get_forecast" &&
			cfg.Tools[0].Type == "function"
	})).Return(nil)
	tools := newMockTools(forecastTool())

	o := New(session, tools, WithVoice("alloy"), WithTurnDetection("server_vad"))
	require.NoError(t, o.Run(context.Background()))

	session.AssertExpectations(t)
	tools.AssertCalled(t, "WaitForTools", 1)
}

func TestRunContinuesWhenToolWaitTimesOut(t *testing.T) {
	session := newMockSession(nil).ready()
	tools := &mockTools{}
	tools.On("GetAllTools").Return([]toolbridge.FunctionTool{})
	tools.On("WaitForTools", 3).Return(context.DeadlineExceeded)

	o := New(session, tools, WithToolWait(10*time.Millisecond, 3))
	require.NoError(t, o.Run(context.Background()))

	session.AssertCalled(t, "Connect", mock.Anything)
}

func TestRunSkipsToolWaitWhenDisabled(t *testing.T) {
	session := newMockSession(nil).ready()
	tools := newMockTools()

	o := New(session, tools, WithToolWait(0, 0))
	require.NoError(t, o.Run(context.Background()))

	tools.AssertNotCalled(t, "WaitForTools", mock.Anything)
}

func TestRunConnectFailure(t *testing.T) {
	session := newMockSession(nil)
	session.On("Connect", mock.Anything).Return(errors.New("HTTP 401"))

	o := New(session, newMockTools())
	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
	session.AssertNotCalled(t, "UpdateSession", mock.Anything)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	session := &mockSession{events: make(chan realtime.Event)}
	session.ready()
	session.On("Disconnect").Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(session, newMockTools()).Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	session.AssertCalled(t, "Disconnect")
}

func TestToolCallIsAnswered(t *testing.T) {
	args := map[string]any{"city": "Oslo"}
	session := newMockSession(nil, realtime.ToolCall{CallID: "call_1", Name: "get_forecast", Arguments: args}).ready()
	session.On("SendToolResult", "call_1", "Sunny, 21C").Return(nil)

	tools := newMockTools(forecastTool())
	tools.On("Execute", "get_forecast", args, "call_1").Return(toolbridge.Result{
		CallID: "call_1", Tool: "get_forecast", Provider: "weather", Output: "Sunny, 21C",
	})

	o := New(session, tools)
	require.NoError(t, o.Run(context.Background()))

	session.AssertCalled(t, "SendToolResult", "call_1", "Sunny, 21C")
	stats := o.Stats()
	assert.Equal(t, int64(1), stats.ToolCalls)
	assert.Zero(t, stats.ToolFailures)
}

func TestFailedToolCallIsAnsweredWithErrorPayload(t *testing.T) {
	session := newMockSession(nil, realtime.ToolCall{CallID: "call_2", Name: "missing", Arguments: map[string]any{}}).ready()
	session.On("SendToolResult", "call_2", mock.MatchedBy(func(output string) bool {
		var payload map[string]string
		if err := json.Unmarshal([]byte(output), &payload); err != nil {
			return false
		}
		return payload["error"] != ""
	})).Return(nil)

	tools := newMockTools()
	tools.On("Execute", "missing", map[string]any{}, "call_2").Return(toolbridge.Result{
		CallID: "call_2", Tool: "missing", Err: fmt.Errorf("%w: missing", toolbridge.ErrToolNotFound),
	})

	o := New(session, tools)
	require.NoError(t, o.Run(context.Background()))

	session.AssertExpectations(t)
	assert.Equal(t, int64(1), o.Stats().ToolFailures)
}

func TestBargeInOrder(t *testing.T) {
	order := &callOrder{}
	session := newMockSession(order,
		realtime.AudioDelta{Audio: []byte{1, 2}},
		realtime.SpeechStarted{},
	).ready()
	session.On("CancelResponse").Return(nil)
	session.On("ClearInputBuffer").Return(nil)

	sink := &mockSink{order: order}
	sink.On("Play", []byte{1, 2}).Return(nil)
	sink.On("Stop").Return(nil)

	obs := &recordingObserver{}
	o := New(session, newMockTools(), WithAudioSink(sink), WithObserver(obs))
	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, []string{"Connect", "UpdateSession", "Play", "Stop", "CancelResponse", "ClearInputBuffer"}, order.list())
	assert.False(t, o.Speaking())
	assert.Equal(t, int64(1), o.Stats().BargeIns)
	assert.Contains(t, obs.names(), EventBargeIn)
}

func TestSpeechWhileSilentIsNotBargeIn(t *testing.T) {
	session := newMockSession(nil,
		realtime.AudioDelta{Audio: []byte{1}},
		realtime.AudioDone{},
		realtime.SpeechStarted{},
		realtime.AudioDelta{Audio: []byte{2}},
		realtime.ResponseDone{ResponseID: "resp_1"},
		realtime.SpeechStarted{},
	).ready()

	sink := &mockSink{}
	sink.On("Play", mock.Anything).Return(nil)

	o := New(session, newMockTools(), WithAudioSink(sink))
	require.NoError(t, o.Run(context.Background()))

	sink.AssertNotCalled(t, "Stop")
	session.AssertNotCalled(t, "CancelResponse")
	session.AssertNotCalled(t, "ClearInputBuffer")
	assert.Equal(t, int64(2), o.Stats().AudioChunksReceived)
}

func TestBenignCancellationIsSuppressed(t *testing.T) {
	session := newMockSession(nil,
		realtime.Error{Message: "Cancellation failed: no active response found"},
	).ready()

	o := New(session, newMockTools())
	require.NoError(t, o.Run(context.Background()))

	stats := o.Stats()
	assert.Zero(t, stats.Errors)
	assert.Empty(t, stats.LastError)
}

func TestErrorsAreCounted(t *testing.T) {
	session := newMockSession(nil,
		realtime.Error{Message: "Invalid value for audio", Code: "invalid_value"},
		realtime.Error{Message: "Rate limit reached for requests", Code: "rate_limit_exceeded"},
	).ready()

	obs := &recordingObserver{}
	o := New(session, newMockTools(), WithObserver(obs))
	require.NoError(t, o.Run(context.Background()))

	stats := o.Stats()
	assert.Equal(t, int64(2), stats.Errors)
	assert.Equal(t, "Rate limit reached for requests", stats.LastError)
	assert.True(t, stats.UsageLimited)
	assert.Equal(t, []string{EventError, EventError}, obs.names())
}

func TestStreamAudio(t *testing.T) {
	session := &mockSession{}
	session.On("SendAudio", mock.Anything).Return(nil)
	session.On("CommitAudio").Return(nil)

	o := New(session, newMockTools())
	src := &sliceSource{chunks: [][]byte{{1, 2}, {}, {3, 4}}}
	require.NoError(t, o.StreamAudio(context.Background(), src))

	session.AssertNumberOfCalls(t, "SendAudio", 2)
	session.AssertCalled(t, "CommitAudio")
	assert.Equal(t, int64(2), o.Stats().AudioChunksSent)
}

func TestStreamAudioSourceError(t *testing.T) {
	session := &mockSession{}
	session.On("SendAudio", mock.Anything).Return(nil)

	o := New(session, newMockTools())
	src := &sliceSource{chunks: [][]byte{{1}}, err: errors.New("device unplugged")}
	assert.EqualError(t, o.StreamAudio(context.Background(), src), "device unplugged")
	session.AssertNotCalled(t, "CommitAudio")
}

func TestSendTextRequestsResponse(t *testing.T) {
	order := &callOrder{}
	session := &mockSession{order: order}
	session.On("SendText", "hello").Return(nil)
	session.On("CreateResponse").Return(nil)

	require.NoError(t, New(session, newMockTools()).SendText("hello"))
	assert.Equal(t, []string{"SendText", "CreateResponse"}, order.list())
}

func TestSendImageCounts(t *testing.T) {
	session := &mockSession{}
	session.On("SendImage", []byte{0xff}, "image/png").Return(nil)

	o := New(session, newMockTools())
	require.NoError(t, o.SendImage([]byte{0xff}, "image/png"))
	assert.Equal(t, int64(1), o.Stats().ImagesSent)
}

func TestRefreshToolsResendsCatalog(t *testing.T) {
	session := &mockSession{}
	session.On("UpdateSession", mock.MatchedBy(func(cfg realtime.SessionConfig) bool {
		return len(cfg.Tools) == 1
	})).Return(nil).Twice()

	o := New(session, newMockTools(forecastTool()))
	require.NoError(t, o.RefreshTools())
	require.NoError(t, o.RefreshTools())
	session.AssertExpectations(t)
}
