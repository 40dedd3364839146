package orchestrator

import (
	"context"

	"github.com/harun/parla/pkg/realtime"
	"github.com/harun/parla/pkg/toolbridge"
)

// Session is the realtime connection the orchestrator drives
type Session interface {
	Connect(ctx context.Context) error
	Events() <-chan realtime.Event
	UpdateSession(cfg realtime.SessionConfig) error
	SendAudio(pcm []byte) error
	SendText(text string) error
	SendImage(image []byte, mimeType string) error
	CommitAudio() error
	CreateResponse() error
	CancelResponse() error
	ClearInputBuffer() error
	SendToolResult(callID, output string) error
	Disconnect() error
}

// ToolExecutor runs model tool calls
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any, callID string) <-chan toolbridge.Result
	GetAllTools() []toolbridge.FunctionTool
	WaitForTools(ctx context.Context, minTools int) error
}

// AudioSource yields PCM16 chunks until it returns io.EOF
type AudioSource interface {
	Read(ctx context.Context) ([]byte, error)
}

// AudioSink plays model audio
type AudioSink interface {
	Play(pcm []byte) error
	Stop() error
}

// Observer receives conversation events, e.g. for a monitor feed
type Observer interface {
	Publish(event string, data any)
}

// Stats is a snapshot of conversation counters
type Stats struct {
	AudioChunksSent     int64  `json:"audio_chunks_sent"`
	AudioChunksReceived int64  `json:"audio_chunks_received"`
	ImagesSent          int64  `json:"images_sent"`
	ToolCalls           int64  `json:"tool_calls"`
	ToolFailures        int64  `json:"tool_failures"`
	BargeIns            int64  `json:"barge_ins"`
	Errors              int64  `json:"errors"`
	LastError           string `json:"last_error,omitempty"`
	UsageLimited        bool   `json:"usage_limited"`
}

// Observer event names
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventTranscript   = "transcript"
	EventToolCall     = "tool_call"
	EventToolResult   = "tool_result"
	EventBargeIn      = "barge_in"
	EventError        = "error"
)

type nopSink struct{}

func (nopSink) Play([]byte) error { return nil }
func (nopSink) Stop() error       { return nil }
